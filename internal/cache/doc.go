// Package cache is the artifact cache: stage outputs keyed by CacheKey.
//
// Three layers, consulted in order:
//   - an in-memory LRU of decoded snapshots
//   - the SQLite store, which is the source of truth
//   - an optional S3-compatible mirror shared between hosts
//
// Writers racing on one key are serialised by the store: the first writer
// wins and later writers adopt its artifact. Within one process, concurrent
// misses on the same key execute the stage only once (see Do).
package cache
