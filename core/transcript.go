package core

import (
	"sync"
	"time"
)

// Turn is a single transcript entry: one utterance by the user or an agent.
type Turn struct {
	Role      string    `json:"role"` // "user" or "agent"
	NodeID    string    `json:"nodeId,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is the ordered message-exchange history of a session. It is
// safe for concurrent access; read accessors return copies.
type Transcript struct {
	mu    sync.RWMutex
	turns []Turn
}

// NewTranscript creates an empty transcript.
func NewTranscript() *Transcript { return &Transcript{} }

// AddUser appends a user utterance attributed to the given node.
func (t *Transcript) AddUser(nodeID, text string) {
	t.add(Turn{Role: "user", NodeID: nodeID, Text: text, Timestamp: time.Now().UTC()})
}

// AddAgent appends an agent utterance attributed to the given node.
func (t *Transcript) AddAgent(nodeID, text string) {
	t.add(Turn{Role: "agent", NodeID: nodeID, Text: text, Timestamp: time.Now().UTC()})
}

func (t *Transcript) add(turn Turn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turns = append(t.turns, turn)
}

// Turns returns a copy of the full transcript.
func (t *Transcript) Turns() []Turn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	turns := make([]Turn, len(t.turns))
	copy(turns, t.turns)
	return turns
}

// Len returns the number of recorded turns.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.turns)
}

// LastUser returns the most recent user turn, if any.
func (t *Transcript) LastUser() (Turn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := len(t.turns) - 1; i >= 0; i-- {
		if t.turns[i].Role == "user" {
			return t.turns[i], true
		}
	}
	return Turn{}, false
}

// Transition is one entry of a session's append-only handoff history.
type Transition struct {
	FromNodeID string    `json:"fromNodeId,omitempty"`
	ToNodeID   string    `json:"toNodeId"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// RoutingDecision records one router evaluation for observability. It is
// never used for replay.
type RoutingDecision struct {
	Strategy        string         `json:"strategy"`
	CandidateScores map[string]int `json:"candidateScores,omitempty"`
	SelectedNodeID  string         `json:"selectedNodeId,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}
