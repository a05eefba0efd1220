// Package cluster models a local container runtime in process.
//
// A Cluster holds namespaces, secrets, services, deployments and their
// instances, plus the node-local image store that images are loaded into.
// All state is mutated through Cluster methods, each of which appends to
// an operation log stamped by a logical sequence.
//
// Instances move through their lifecycle only when Observe is called, one
// step per call:
//
//	Pending -> Starting -> Ready | Failed
//	Terminating -> removed
//
// A template change creates a new revision. New instances are created next
// to the old ones, and old Ready instances keep serving until the new
// revision has its full replica count Ready. Nothing is rolled back: a
// revision whose instances fail stays current until a new template is
// applied.
package cluster
