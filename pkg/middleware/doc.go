// Package middleware provides HTTP middleware for authentication,
// authorization and rate limiting of the plugd API.
//
// AuthMiddleware verifies OpenID Connect bearer tokens and stores the
// caller's subject as the request user ID, which the install handler
// records as installedBy:
//
//	verifier, _ := middleware.NewOIDCVerifier(ctx, issuer, clientID, "roles")
//	router.Use(middleware.NewAuthMiddleware(verifier, false, logger).Handler)
//
// RequireRole restricts lifecycle mutations to an administrative role.
//
// RateLimit throttles lifecycle mutations per user (or client address)
// with either a per-process token bucket or a Redis fixed window shared
// across instances. Limiter failures fail open.
package middleware
