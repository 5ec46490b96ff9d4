// Package server hosts the Fiber HTTP service, the request middleware chain
// and the site registry that decides, from the Host header, whether a request
// belongs to the cached site (same-origin) or to some other origin.
// It also owns the shared origin http.Client and hop-by-hop header filtering
// used by the proxy package. Keep exports narrow and accept explicit
// dependencies so cmd wiring and tests can substitute handlers.
package server
