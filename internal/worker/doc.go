// Package worker implements the offline cache manager: a versioned precache of
// the site shell populated on install, removal of retired caches on
// activation, and per-request strategies (network-first for documents,
// stale-while-revalidate for static assets, cache-then-network otherwise).
//
// A Manager owns at most one installing, one waiting and one active
// Generation. Only the active generation answers Fetch; lifecycle transitions
// are serialized while fetches run concurrently and share the named caches
// without request-level locking (last write wins).
package worker
