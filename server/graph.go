package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
)

const defaultGraphURL = "https://graph.microsoft.com"

// GraphClient performs the best-effort directory lookups that enrich an
// identity with roles and groups. Every method degrades to an empty result
// on network or decoding failure; enrichment is strictly additive and must
// never fail a login whose id_token already validated.
type GraphClient struct {
	baseURL            string
	httpClient         *http.Client
	servicePrincipalID string
	roleMapping        map[string]string
	groupRoleMapping   map[string]string
	logger             *slog.Logger
}

// NewGraphClient constructs a directory client from provider settings.
func NewGraphClient(cfg EntraConfig, logger *slog.Logger) *GraphClient {
	baseURL := cfg.GraphURL
	if baseURL == "" {
		baseURL = defaultGraphURL
	}
	return &GraphClient{
		baseURL:            strings.TrimSuffix(baseURL, "/"),
		httpClient:         &http.Client{Timeout: 15 * time.Second},
		servicePrincipalID: cfg.ServicePrincipalID,
		roleMapping:        cfg.RoleMapping,
		groupRoleMapping:   cfg.GroupRoleMapping,
		logger:             logger,
	}
}

type appRoleAssignment struct {
	AppRoleID  string `json:"appRoleId"`
	ResourceID string `json:"resourceId"`
}

type directoryGroup struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// AppRoleAssignments queries the signed-in user's app role assignments,
// keeps those bound to the configured service principal, and maps each role
// ID through the role-mapping table. IDs without a table entry map to
// themselves.
func (g *GraphClient) AppRoleAssignments(ctx context.Context, accessToken string) RoleLookup {
	var body struct {
		Value []appRoleAssignment `json:"value"`
	}
	if err := g.get(ctx, "/v1.0/me/appRoleAssignments", accessToken, &body); err != nil {
		g.logger.Warn("app role lookup failed", "error", err)
		return RoleLookup{Failed: true}
	}

	roles := newStringSet()
	for _, assignment := range body.Value {
		if g.servicePrincipalID != "" && assignment.ResourceID != g.servicePrincipalID {
			continue
		}
		if assignment.AppRoleID == "" {
			continue
		}
		if mapped, ok := g.roleMapping[assignment.AppRoleID]; ok {
			roles.Add(mapped)
		} else {
			roles.Add(assignment.AppRoleID)
		}
	}
	return RoleLookup{Roles: roles.Values()}
}

// TransitiveGroups queries the user's transitive group memberships and maps
// display names to roles by substring containment against the group-role
// mapping. The table keys are tried in sorted order so the first match is
// deterministic; a group matching no key still contributes to the group set.
func (g *GraphClient) TransitiveGroups(ctx context.Context, accessToken string) RoleLookup {
	var body struct {
		Value []directoryGroup `json:"value"`
	}
	if err := g.get(ctx, "/v1.0/me/transitiveMemberOf/microsoft.graph.group?$select=displayName,id", accessToken, &body); err != nil {
		g.logger.Warn("group membership lookup failed", "error", err)
		return RoleLookup{Failed: true}
	}

	keys := make([]string, 0, len(g.groupRoleMapping))
	for k := range g.groupRoleMapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	roles := newStringSet()
	groups := newStringSet()
	for _, group := range body.Value {
		name := group.DisplayName
		if name == "" {
			name = group.ID
		}
		if name == "" {
			continue
		}
		groups.Add(name)
		for _, key := range keys {
			if strings.Contains(name, key) {
				roles.Add(g.groupRoleMapping[key])
				break
			}
		}
	}
	return RoleLookup{Roles: roles.Values(), Groups: groups.Values()}
}

func (g *GraphClient) get(ctx context.Context, path, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("graph returned %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode graph response: %w", err)
	}
	return nil
}
