// Package server exposes the session runtime over HTTP: a JSON control
// plane for creating and driving sessions, a websocket event stream per
// session and Prometheus metrics.
package server
