// Package server hosts the Fiber HTTP service and the shared upstream client.
// It owns the middleware chain (panic recovery, request IDs), hands every
// non-diagnostic request to an injected ProxyHandler, and leaves /-/ paths to
// the diagnostics routes. Keep exports narrow and accept explicit dependencies.
package server
