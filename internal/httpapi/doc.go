// Package httpapi exposes the dispatcher, the global feed, the simulation
// engine and the live websocket channels over HTTP.
//
// Identity comes from the X-User-ID header set by the fronting identity
// layer. Admin routes additionally require the configured bearer token.
package httpapi
