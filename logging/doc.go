// Package logging provides a tiny abstraction over slog so downstream code
// can depend on a minimal interface (Logger) while allowing users to plug any
// structured logger. It also offers a richer FlowmeshLogger with contextual
// helpers (session, node, component) and domain specific logging helpers for
// handoffs, routing decisions and backend legs.
package logging
