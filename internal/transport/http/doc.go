// Package http implements the HTTP handlers of the licensing daemon.
// Handlers are thin: they read from the license manager or the work unit
// meter and render JSON with go-chi/render. Failures are rendered as problem
// details through the errors package.
//
// Routes mounted by the application:
//
//	GET  /healthz              liveness plus the current license state
//	GET  /api/version          build information
//	GET  /api/license/status   effective license values
//	POST /api/license/validate re-read the license source
//	GET  /api/workunits        meter snapshot
package http
