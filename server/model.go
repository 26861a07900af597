package server

// Identity is the resolved end user. It is created once per successful
// callback and never mutated or persisted server-side; the session cookie is
// its only carrier between requests.
type Identity struct {
	Subject string   `json:"id"`
	Name    string   `json:"name"`
	Email   string   `json:"email"`
	Roles   []string `json:"roles,omitempty"`
	Groups  []string `json:"groups,omitempty"`
}

// TokenSet bundles the tokens returned by the provider's token endpoint.
type TokenSet struct {
	IDToken      string
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
}

// ProviderClaims holds the verified claims of an id_token, normalized for
// identity resolution. Raw keeps the full claim set for callers that need
// provider-specific extras.
type ProviderClaims struct {
	Subject           string
	Name              string
	Email             string
	PreferredUsername string
	Nonce             string
	Roles             []string
	Groups            []string
	Raw               map[string]any
}

// RoleLookup is the outcome of one best-effort directory query. Failed marks
// a network or decoding problem; callers treat it the same as zero results
// but can log and test the distinction.
type RoleLookup struct {
	Roles  []string
	Groups []string
	Failed bool
}

// stringSet preserves insertion order while deduplicating, so resolved role
// and group slices are stable across runs.
type stringSet struct {
	seen  map[string]struct{}
	items []string
}

func newStringSet(values ...string) *stringSet {
	s := &stringSet{seen: make(map[string]struct{})}
	s.Add(values...)
	return s
}

func (s *stringSet) Add(values ...string) {
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := s.seen[v]; ok {
			continue
		}
		s.seen[v] = struct{}{}
		s.items = append(s.items, v)
	}
}

func (s *stringSet) Len() int { return len(s.items) }

// Values returns nil for an empty set so omitempty JSON fields stay absent.
func (s *stringSet) Values() []string {
	if len(s.items) == 0 {
		return nil
	}
	out := make([]string, len(s.items))
	copy(out, s.items)
	return out
}
