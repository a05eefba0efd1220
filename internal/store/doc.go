// Package store provides SQLite-backed durable state for stevedore.
//
// One database file holds:
//   - Blobs: content-addressed archives (artifacts, skeletons, payloads, config)
//   - Cache entries: cache key -> artifact blob, first writer wins
//   - Images and tags: immutable images and their name:tag bindings
//   - Workloads: the last applied desired state per namespace/name
//
// # Critical Patterns
//
// First-Writer-Wins:
//   - cache_entries.cache_key and tags(name, tag) are UNIQUE
//   - Inserts use ON CONFLICT DO NOTHING inside a transaction and then read
//     back the row that won, so racing writers converge on one value
//
// Deterministic Ordering:
//   - Listings ORDER BY seq ASC; seq is an AUTOINCREMENT insertion counter
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: blobs cannot be dropped while referenced
package store
