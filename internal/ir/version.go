package ir

// Version constants for persisted records.
const (
	// SchemaVersion is the version of the hashed record layouts.
	SchemaVersion = "1"

	// ToolVersion is the stevedore release version.
	ToolVersion = "0.1.0"
)
