// Package api exposes the plugin runtime over HTTP.
//
// # Routes
//
// Installed plugins:
//
//	GET    /installed-plugins
//	GET    /installed-plugins/{id}
//	POST   /installed-plugins/install       {"publisherPluginId": "..."}
//	DELETE /installed-plugins/{id}
//	PATCH  /installed-plugins/{id}/toggle   {"isActive": true}
//	POST   /installed-plugins/{id}/update
//	PATCH  /installed-plugins/{id}/config   {"config": {...}}
//
// Delivery, served only for plugins resident in this process:
//
//	GET /plugin-bundles/{slug}/bundle.js
//	GET /plugin-bundles/{slug}/metadata
//	GET /plugin-assets/{slug}/{path}
//
// Asset paths that resolve outside the plugin directory, lexically or
// through a symlink, are rejected with 403.
//
// Events and permissions:
//
//	GET /plugin-events?types=plugin.installed,plugin.activated
//	GET /plugin-permissions?role=USER[&resource=...&action=view]
//
// # Errors
//
// Every error body is {"error": "<message>"}. Not-found errors map to 404.
// Invalid input, duplicate installs, invalid states, invalid manifests and
// no-op updates map to 400. Everything else is a 500 whose message is reduced
// to a known failure kind such as "hook execution failed".
//
// # Usage
//
//	srv := api.NewServer(api.Deps{
//		Lifecycle:   orchestrator,
//		Resident:    registry,
//		Bundler:     generator,
//		Permissions: registrar,
//		Events:      events.SSEHandler(broadcaster, 15*time.Second),
//	}, api.Config{AdminRole: "ADMIN", Auth: auth, Limiter: limiter}, logger)
//	http.ListenAndServe(":8080", srv.Handler())
package api
