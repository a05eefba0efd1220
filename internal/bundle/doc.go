// Package bundle splits a build output into a dependency skeleton and a
// payload, and packs snapshots into deterministic archives.
//
// The skeleton holds only manifest and lockfile files, with their directory
// structure kept, so a dependency-install stage that consumes it is not
// invalidated by source edits. Packing the same snapshot twice yields
// byte-identical archives.
package bundle
