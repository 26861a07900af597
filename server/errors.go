package server

import "errors"

// Protocol errors abort a login attempt before any provider call is made.
// They map to 4xx responses. Provider errors surface as 5xx and are never
// retried here; retry policy belongs to the caller.
var (
	ErrMissingParameter = errors.New("missing code or state parameter")
	ErrStateMismatch    = errors.New("state mismatch")
	ErrMissingNonce     = errors.New("missing nonce")
	ErrMissingIDToken   = errors.New("token response missing id_token")
	ErrMissingSubject   = errors.New("id_token missing sub claim")
	ErrNonceMismatch    = errors.New("id_token nonce mismatch")
)
