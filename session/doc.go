// Package session contains the live conversation runtime: the Session state
// machine owning exactly one active agent context at a time, the agent
// context lifecycle around external conversational legs, and the
// process-wide Registry of running sessions.
package session
