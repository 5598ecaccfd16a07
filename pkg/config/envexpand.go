package config

import "os"

// ExpandEnv expands environment variables in YAML content using Go's standard library.
// Supports both ${VAR} and $VAR syntax (standard shell-style).
//
// Examples:
//   - ${SUPERVISOR_MASTER_KEY} → value of SUPERVISOR_MASTER_KEY environment variable
//   - ${PROJECTS_ROOT}/consilio → expanded root with suffix preserved
//
// Missing variables expand to empty string. Validation should catch required fields that are empty.
func ExpandEnv(data []byte) []byte {
	expanded := os.ExpandEnv(string(data))
	return []byte(expanded)
}
