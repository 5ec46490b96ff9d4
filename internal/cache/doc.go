// Package cache defines the named cache storage behind the offline cache
// manager. A Storage holds any number of named caches (precache-<version>,
// runtime, ...); each Cache maps a request key to a stored Response. Two
// backends exist: a filesystem layout (StoragePath/<cache>/<sha1(key)>.entry,
// written via temp file + rename) and a bbolt database with one bucket per
// cache. Higher layers only depend on the Storage/Cache interfaces so that
// version cleanup and strategy code stay backend agnostic.
package cache
