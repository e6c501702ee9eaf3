package core

import (
	"time"

	"github.com/google/uuid"
)

// EventType tags one member of the session event union. The values are the
// wire names delivered to clients.
type EventType string

const (
	// EventSessionStarted announces a freshly started flow session.
	EventSessionStarted EventType = "flow.started"
	// EventNodeStarted announces that a node's agent context became active.
	EventNodeStarted EventType = "node.started"
	// EventSpeechPartial is an interim user speech transcription fragment.
	EventSpeechPartial EventType = "speech.partial"
	// EventSpeechFinal is a finalized user utterance.
	EventSpeechFinal EventType = "speech.final"
	// EventAgentSpeech is a complete agent utterance.
	EventAgentSpeech EventType = "agent.speech"
	// EventAgentSpeechDelta is an incremental fragment of an agent utterance.
	EventAgentSpeechDelta EventType = "agent.speech.delta"
	// EventAgentSpeechDone marks the end of a streamed agent utterance.
	EventAgentSpeechDone EventType = "agent.speech.done"
	// EventRoute records a handoff from one node to another.
	EventRoute EventType = "route"
	// EventAvatarStarted announces that a video avatar leg came up.
	EventAvatarStarted EventType = "avatar.started"
	// EventAvatarError reports a failed or degraded avatar leg.
	EventAvatarError EventType = "avatar.error"
	// EventError reports a runtime or backend failure scoped to the session.
	EventError EventType = "error"
)

// Event is a single entry of a session's ordered event stream. After
// publication it must be treated as immutable. Seq is assigned by the
// session's event channel and increases monotonically per session; events
// created but not yet published carry Seq zero.
//
// Only the fields relevant to the Type are populated; all optional fields
// are omitted from the JSON encoding when empty.
type Event struct {
	Type      EventType `json:"type"`
	Seq       uint64    `json:"seq,omitempty"`
	Timestamp time.Time `json:"ts"`
	SessionID string    `json:"sessionId,omitempty"`
	NodeID    string    `json:"nodeId,omitempty"`

	// Speech payload.
	From string `json:"from,omitempty"` // "user" or "agent"
	Text string `json:"text,omitempty"`

	// Route payload.
	FromNodeID string `json:"fromNodeId,omitempty"`
	ToNodeID   string `json:"toNodeId,omitempty"`
	Reason     string `json:"reason,omitempty"`

	// Error payload.
	Message string `json:"message,omitempty"`
}

// NewEvent creates a bare event of the given type stamped with the current
// UTC time. Prefer the typed constructors for common categories.
func NewEvent(t EventType) Event {
	return Event{Type: t, Timestamp: time.Now().UTC()}
}

// NewSessionStartedEvent announces the start of a session at its entry node.
func NewSessionStartedEvent(sessionID, nodeID string) Event {
	e := NewEvent(EventSessionStarted)
	e.SessionID = sessionID
	e.NodeID = nodeID
	return e
}

// NewNodeStartedEvent announces that nodeID's agent context became active.
func NewNodeStartedEvent(nodeID string) Event {
	e := NewEvent(EventNodeStarted)
	e.NodeID = nodeID
	return e
}

// NewRouteEvent records a handoff between two nodes.
func NewRouteEvent(fromNodeID, toNodeID, reason string) Event {
	e := NewEvent(EventRoute)
	e.FromNodeID = fromNodeID
	e.ToNodeID = toNodeID
	e.Reason = reason
	return e
}

// NewUserSpeechEvent records a finalized user utterance attributed to nodeID.
func NewUserSpeechEvent(nodeID, text string) Event {
	e := NewEvent(EventSpeechFinal)
	e.NodeID = nodeID
	e.From = "user"
	e.Text = text
	return e
}

// NewAgentSpeechEvent records a complete agent utterance.
func NewAgentSpeechEvent(nodeID, text string) Event {
	e := NewEvent(EventAgentSpeech)
	e.NodeID = nodeID
	e.From = "agent"
	e.Text = text
	return e
}

// NewAgentSpeechDeltaEvent records an incremental agent utterance fragment.
func NewAgentSpeechDeltaEvent(nodeID, text string) Event {
	e := NewEvent(EventAgentSpeechDelta)
	e.NodeID = nodeID
	e.From = "agent"
	e.Text = text
	return e
}

// NewAgentSpeechDoneEvent marks the end of a streamed agent utterance.
func NewAgentSpeechDoneEvent(nodeID string) Event {
	e := NewEvent(EventAgentSpeechDone)
	e.NodeID = nodeID
	e.From = "agent"
	return e
}

// NewAvatarStartedEvent announces an established avatar leg for nodeID.
func NewAvatarStartedEvent(nodeID string) Event {
	e := NewEvent(EventAvatarStarted)
	e.NodeID = nodeID
	return e
}

// NewAvatarErrorEvent reports a degraded or failed avatar leg.
func NewAvatarErrorEvent(nodeID, message string) Event {
	e := NewEvent(EventAvatarError)
	e.NodeID = nodeID
	e.Message = message
	return e
}

// NewErrorEvent reports a session-scoped failure to stream consumers.
func NewErrorEvent(nodeID, message string) Event {
	e := NewEvent(EventError)
	e.NodeID = nodeID
	e.Message = message
	return e
}

// IsAgentSpeech reports whether the event carries agent speech output
// (complete, delta or done marker).
func (e Event) IsAgentSpeech() bool {
	switch e.Type {
	case EventAgentSpeech, EventAgentSpeechDelta, EventAgentSpeechDone:
		return true
	}
	return false
}

// UnixSeconds returns the timestamp as fractional seconds since the Unix
// epoch, the numeric form used by metrics and legacy clients.
func (e Event) UnixSeconds() float64 { return float64(e.Timestamp.UnixNano()) / 1e9 }

// NewID generates a unique identifier for sessions, decisions and other
// runtime entities.
func NewID() string { return uuid.NewString() }
