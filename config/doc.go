// Package config loads the process configuration for the flowmesh server.
//
// Values resolve in three layers: built-in defaults, then an optional YAML
// file, then FLOWMESH_* environment variables.
package config
