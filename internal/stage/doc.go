// Package stage runs one build stage against an isolated workspace.
//
// A workspace is materialised from the stage's base environment plus its
// declared inputs and nothing else. Steps run in order; after every step
// the workspace is captured again and diffed against the previous capture,
// so a step that touches a path outside the stage's declared outputs is
// reported as a DeclarationViolation. The resulting Artifact holds only the
// declared outputs.
//
// Errors:
//   - EnvironmentError: the base environment cannot be resolved
//   - StepFailure: a step exited abnormally (index and output attached)
//   - DeclarationViolation: a step changed an undeclared path, or a
//     declared output was never produced
package stage
