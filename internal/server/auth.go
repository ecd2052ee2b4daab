package server

import (
	"net/http"
	"strings"
)

// Identity is the tenant and user a request acts as.
type Identity struct {
	TenantID string
	UserID   string
}

// TokenResolver maps a bearer token to an identity.
type TokenResolver interface {
	Resolve(token string) (Identity, bool)
}

// StaticTokens resolves tokens from an in-memory map.
type StaticTokens map[string]Identity

func (s StaticTokens) Resolve(token string) (Identity, bool) {
	id, ok := s[token]
	return id, ok
}

// ParseStaticTokens parses "token=tenant:user,token2=tenant2:user2".
func ParseStaticTokens(raw string) StaticTokens {
	out := StaticTokens{}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, principal, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		tenant, user, ok := strings.Cut(principal, ":")
		if !ok {
			continue
		}
		out[token] = Identity{TenantID: tenant, UserID: user}
	}
	return out
}

type identityKey struct{}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return token
	}
	// Browsers cannot set headers during a websocket handshake.
	return r.URL.Query().Get("token")
}
