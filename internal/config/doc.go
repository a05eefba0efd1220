// Package config loads layered YAML configuration and expands environment
// placeholders in it.
//
// Layers are deep-merged in order: mappings merge key by key, anything
// else in a later layer replaces the earlier value. Strings may reference
// ${NAME} or ${NAME:-default}; $${ is a literal "${". A placeholder that
// cannot be resolved is an UnresolvedError, never an empty string or a
// malformed number. A string that is exactly one placeholder takes the
// YAML type of its value, so `port: ${PORT}` yields an integer.
package config
