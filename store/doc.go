// Package store provides flow and agent definition loaders: a volatile
// in-memory implementation for tests and demos, plus a YAML file loader for
// serving a fixed catalog of flows and personas.
package store
