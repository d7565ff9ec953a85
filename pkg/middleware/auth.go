package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/platinummonkey/plugd/pkg/contextkeys"
	"github.com/platinummonkey/plugd/pkg/httputil"
	"github.com/sirupsen/logrus"
)

// ErrInvalidToken is returned when a bearer token fails verification
var ErrInvalidToken = errors.New("invalid or expired token")

// Claims is the verified identity attached to a request
type Claims struct {
	Subject string
	Email   string
	Name    string
	Roles   []string
}

// HasRole reports whether the caller holds role
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// TokenVerifier validates a raw bearer token
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*Claims, error)
}

// OIDCVerifier verifies ID tokens issued by an OpenID Connect provider
type OIDCVerifier struct {
	verifier   *oidc.IDTokenVerifier
	rolesClaim string
}

// NewOIDCVerifier discovers the issuer and builds a verifier for tokens
// whose audience is clientID. rolesClaim names the claim listing roles.
func NewOIDCVerifier(ctx context.Context, issuerURL, clientID, rolesClaim string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	if rolesClaim == "" {
		rolesClaim = "roles"
	}
	return &OIDCVerifier{
		verifier:   provider.Verifier(&oidc.Config{ClientID: clientID}),
		rolesClaim: rolesClaim,
	}, nil
}

// Verify implements TokenVerifier
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	tok, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var raw map[string]interface{}
	if err := tok.Claims(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims := &Claims{Subject: tok.Subject}
	claims.Email, _ = raw["email"].(string)
	claims.Name, _ = raw["name"].(string)
	switch roles := raw[v.rolesClaim].(type) {
	case []interface{}:
		for _, r := range roles {
			if s, ok := r.(string); ok {
				claims.Roles = append(claims.Roles, s)
			}
		}
	case string:
		claims.Roles = strings.Fields(roles)
	}
	return claims, nil
}

// AuthMiddleware authenticates bearer tokens
type AuthMiddleware struct {
	verifier TokenVerifier
	optional bool // If true, allow requests without auth
	logger   *logrus.Logger
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(verifier TokenVerifier, optional bool, logger *logrus.Logger) *AuthMiddleware {
	if logger == nil {
		logger = logrus.New()
	}
	return &AuthMiddleware{verifier: verifier, optional: optional, logger: logger}
}

// Handler wraps an HTTP handler with authentication. A verified caller's
// subject becomes the request's user ID.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "missing authorization header")
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			httputil.WriteUnauthorized(w, "invalid authorization header format")
			return
		}

		claims, err := m.verifier.Verify(r.Context(), token)
		if err != nil {
			m.logger.Debugf("Rejected bearer token: %v", err)
			httputil.WriteUnauthorized(w, ErrInvalidToken.Error())
			return
		}

		ctx := contextkeys.WithClaims(r.Context(), claims)
		ctx = contextkeys.WithUserID(ctx, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetClaims extracts verified claims from the request
func GetClaims(r *http.Request) *Claims {
	claims, _ := r.Context().Value(contextkeys.ClaimsKey).(*Claims)
	return claims
}

// RequireRole creates middleware that admits only callers holding role.
// An empty role admits every authenticated caller.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaims(r)
			if claims == nil {
				httputil.WriteForbidden(w, "authentication required")
				return
			}
			if role != "" && !claims.HasRole(role) {
				httputil.WriteForbidden(w, "insufficient role permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
