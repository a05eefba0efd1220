// Package ir holds the shared data model of stevedore: filesystem snapshots,
// build stages, cache keys, images and desired workload state.
//
// ir imports nothing internal. Every other package builds on these types, so
// identity computations (cache keys, snapshot and image digests, desired
// state hashes) live here and nowhere else.
//
// Key design constraints:
//   - Identities are SHA-256 over RFC 8785 canonical JSON with a domain prefix
//   - No floats in hashed material; numbers are int64
//   - Paths inside a Snapshot are relative, slash-separated and cleaned
package ir
