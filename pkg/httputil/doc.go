// Package httputil holds the JSON response helpers, request parsing and
// HTTP middleware shared by the plugd API.
//
// Every error response has the body {"error": "<message>"}:
//
//	httputil.WriteNotFoundError(w, "Plugin not found")
//
// Middleware is composed outermost first:
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware,
//	)(router)
package httputil
