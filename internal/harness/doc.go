// Package harness runs end-to-end build and deploy scenarios.
//
// A scenario declares a pipeline, the base environments it builds on, a
// source tree and a flow of steps. Each step runs for real: builds go
// through the stage executor, artifact cache and registry; deploys go
// through the deployment manager against an in-process cluster. The
// outcome of every step is compared with its expect clause.
//
// # Scenario Format
//
//	name: rollout_new_tag
//	description: "A new tag rolls out without touching the old revision"
//	pipeline: |
//	  pipeline: { ... }
//	bases:
//	  node:20-slim: { usr/local/bin/node: elf }
//	source:
//	  src/index.js: "console.log(1)"
//	policy: { retry_budget: 1 }
//	flow:
//	  - invoke: build
//	    args: { tag: v1 }
//	    expect:
//	      case: Success
//	      result: { cache_hits: 0 }
//	  - invoke: deploy
//	    args: { namespace: apps, name: hello, image: "hello:v1", replicas: 2 }
//	assertions:
//	  - type: final_state
//	    table: workloads
//	    where: { namespace: apps, name: hello }
//	    expect: { status: ready }
//
// # Actions
//
//   - build: builds the source under args.tag
//   - edit: writes args.files into the source and deletes args.remove
//   - deploy: applies a desired state, inline or as args.manifest
//   - resolve: resolves args.required against args.values
//   - evict: drops args.image from the cluster's image store
//
// # Assertion Types
//
//   - trace_contains: Verifies an action appears in the trace with matching args
//   - trace_order: Verifies actions appear in specified order
//   - trace_count: Verifies an action appears exactly N times
//   - final_state: Queries a state table and verifies expected values
//
// # Deterministic Testing
//
// Every scenario runs in a fresh in-memory SQLite database with a fake
// clock, sequential build and instance IDs and a logical sequence for
// trace events, so traces are identical across runs and can be compared
// with golden files.
package harness
