// Package router implements next-node selection for flow sessions. A Router
// is a pure decision component: given the flow snapshot, the active node and
// the triggering message it returns the node to hand off to, or nothing to
// stay. It never mutates session state.
package router
