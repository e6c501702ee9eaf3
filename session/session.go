package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/logging"
	"github.com/hupe1980/flowmesh/router"
	"github.com/hupe1980/flowmesh/stream"
)

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusCreated means the session exists but has not started.
	StatusCreated Status = "created"
	// StatusRunning means the session has an active node.
	StatusRunning Status = "running"
	// StatusClosed is terminal.
	StatusClosed Status = "closed"
)

// Session owns the timeline of one conversation over a flow snapshot:
// exactly one active agent context at a time, the event channel all
// consumers subscribe to, the transcript and the transition history.
//
// Concurrency model: opMu serializes start/handoff/close end to end, so a
// handoff requested while another is in flight queues behind it; handoffs
// are sequential and non-preemptive. mu guards the mutable fields and is
// never held across a backend call; the external attach/detach happens
// first, then the in-memory transition is applied atomically.
type Session struct {
	id        string
	flow      *core.Flow // immutable snapshot, deep-copied at creation
	channel   *stream.Channel
	rt        *router.Router
	agents    core.AgentLoader
	backend   core.Backend
	logger    logging.Logger
	domainLog domainLogger // non-nil when logger carries the richer surface

	attachTimeout time.Duration
	created       time.Time

	opMu sync.Mutex

	mu           sync.RWMutex
	status       Status
	closing      bool
	attachCancel context.CancelFunc
	activeNodeID string
	active       *AgentContext
	transitions  []core.Transition
	decisions    []core.RoutingDecision
	lastActivity time.Time

	transcript *core.Transcript
}

// domainLogger is the optional richer logging surface implemented by
// logging.FlowmeshLogger. When the configured Logger provides it, the
// session reports handoffs, attaches and routing decisions through it.
type domainLogger interface {
	LogHandoff(fromNode, toNode, reason string, dur time.Duration, err error)
	LogBackendAttach(nodeID string, dur time.Duration, err error)
	LogRouteDecision(strategy, selected string, scores map[string]int)
}

// newSession wires a session over an already-cloned flow snapshot. Callers
// go through Registry.Create.
func newSession(
	id string,
	flow *core.Flow,
	rt *router.Router,
	agents core.AgentLoader,
	backend core.Backend,
	logger logging.Logger,
	attachTimeout time.Duration,
) *Session {
	now := time.Now().UTC()
	rich, _ := logger.(domainLogger)
	return &Session{
		id:            id,
		flow:          flow,
		channel:       stream.NewChannel(),
		rt:            rt,
		agents:        agents,
		backend:       backend,
		logger:        logger,
		domainLog:     rich,
		attachTimeout: attachTimeout,
		created:       now,
		status:        StatusCreated,
		lastActivity:  now,
		transcript:    core.NewTranscript(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// FlowID returns the id of the flow snapshot this session runs.
func (s *Session) FlowID() string { return s.flow.ID }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// ActiveNodeID returns the currently active node, empty before start.
func (s *Session) ActiveNodeID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeNodeID
}

// Strategy returns the effective routing strategy.
func (s *Session) Strategy() router.Strategy { return s.rt.Strategy() }

// Subscribe returns a cursor over the session's event stream from now on.
func (s *Session) Subscribe() *stream.Subscription { return s.channel.Subscribe() }

// Transitions returns a copy of the handoff history.
func (s *Session) Transitions() []core.Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Transition, len(s.transitions))
	copy(out, s.transitions)
	return out
}

// Decisions returns a copy of the recorded routing decisions.
func (s *Session) Decisions() []core.RoutingDecision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.RoutingDecision, len(s.decisions))
	copy(out, s.decisions)
	return out
}

// Turns returns a copy of the conversation transcript.
func (s *Session) Turns() []core.Turn { return s.transcript.Turns() }

// LastActivity returns the time of the most recent operation, used by the
// registry's idle reaper.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

// Start transitions Created → Running: it resolves the entry node (explicit
// id, else the flow's designated first node), attaches its agent context and
// emits flow.started followed by node.started. A failed attach leaves the
// session in Created so the caller can retry or close.
func (s *Session) Start(ctx context.Context, entryNodeID string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	switch s.Status() {
	case StatusRunning:
		return fmt.Errorf("start: session already running: %w", core.ErrInvalidState)
	case StatusClosed:
		return fmt.Errorf("start: %w", core.ErrSessionClosed)
	}

	node, err := s.resolveEntry(entryNodeID)
	if err != nil {
		return err
	}

	ac, err := s.startContext(ctx, node)
	if err != nil {
		s.publish(core.NewErrorEvent(node.ID, err.Error()))
		return err
	}

	s.mu.Lock()
	s.status = StatusRunning
	s.activeNodeID = node.ID
	s.active = ac
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()

	s.publish(core.NewSessionStartedEvent(s.id, node.ID))
	s.publish(core.NewNodeStartedEvent(node.ID))
	ac.Run()

	s.logger.Info("session started", "session_id", s.id, "flow_id", s.flow.ID, "node_id", node.ID, "strategy", string(s.rt.Strategy()))
	return nil
}

func (s *Session) resolveEntry(entryNodeID string) (core.Node, error) {
	if entryNodeID != "" {
		node, ok := s.flow.Node(entryNodeID)
		if !ok {
			return core.Node{}, fmt.Errorf("entry node %s: %w", entryNodeID, core.ErrNodeNotFound)
		}
		return node, nil
	}
	node, ok := s.flow.EntryNode()
	if !ok {
		return core.Node{}, fmt.Errorf("flow %s: %w", s.flow.ID, core.ErrNoEntryNode)
	}
	return node, nil
}

// Handoff transfers the active role to toNodeID. Callable only while
// Running; concurrent handoffs queue behind each other and apply strictly
// one at a time.
func (s *Session) Handoff(ctx context.Context, toNodeID, reason string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.handoff(ctx, toNodeID, reason)
}

// handoff performs the transfer. Caller must hold opMu.
func (s *Session) handoff(ctx context.Context, toNodeID, reason string) error {
	switch s.Status() {
	case StatusCreated:
		return fmt.Errorf("handoff before start: %w", core.ErrInvalidState)
	case StatusClosed:
		return fmt.Errorf("handoff: %w", core.ErrSessionClosed)
	}

	node, ok := s.flow.Node(toNodeID)
	if !ok {
		return fmt.Errorf("handoff to %s: %w", toNodeID, core.ErrInvalidTarget)
	}

	started := time.Now()
	from := s.ActiveNodeID()

	// Release the old leg before attaching the new one: exactly one live
	// agent context at any moment.
	s.mu.Lock()
	old := s.active
	s.active = nil
	s.mu.Unlock()
	if old != nil {
		if err := old.Close(ctx); err != nil {
			s.logger.Warn("closing agent context failed", "session_id", s.id, "node_id", from, "error", err.Error())
		}
	}

	ac, err := s.startContext(ctx, node)
	if err != nil {
		// The session stays Running on its previous node id with no live
		// leg; the caller decides whether to retry, reroute or close.
		s.publish(core.NewErrorEvent(node.ID, err.Error()))
		if s.domainLog != nil {
			s.domainLog.LogHandoff(from, toNodeID, reason, time.Since(started), err)
		} else {
			s.logger.Error("handoff attach failed", "session_id", s.id, "from", from, "to", toNodeID, "error", err.Error())
		}
		return err
	}

	s.mu.Lock()
	s.transitions = append(s.transitions, core.Transition{
		FromNodeID: from,
		ToNodeID:   toNodeID,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	})
	s.activeNodeID = toNodeID
	s.active = ac
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()

	// The route/node.started pair is emitted under opMu, so pairs from
	// different handoffs never interleave.
	s.publish(core.NewRouteEvent(from, toNodeID, reason))
	s.publish(core.NewNodeStartedEvent(toNodeID))
	ac.Run()

	if s.domainLog != nil {
		s.domainLog.LogHandoff(from, toNodeID, reason, time.Since(started), nil)
	} else {
		s.logger.Info("handoff applied", "session_id", s.id, "from", from, "to", toNodeID, "reason", reason, "duration", time.Since(started).String())
	}
	return nil
}

// startContext attaches a fresh agent context for node with a bounded wait.
// The cancel func is parked on the session so Close can abort an attach that
// is still in flight.
func (s *Session) startContext(ctx context.Context, node core.Node) (*AgentContext, error) {
	attachCtx, cancel := context.WithTimeout(ctx, s.attachTimeout)
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("attach %s: %w", node.ID, core.ErrSessionClosed)
	}
	s.attachCancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.attachCancel = nil
		s.mu.Unlock()
		cancel()
	}()

	record := func(ev core.Event) {
		if ev.Type == core.EventAgentSpeech {
			s.transcript.AddAgent(ev.NodeID, ev.Text)
		}
	}
	started := time.Now()
	ac, err := startAgentContext(attachCtx, s.id, node, s.agents, s.backend, s.transcript.Turns(), s.channel, record)
	if s.domainLog != nil {
		s.domainLog.LogBackendAttach(node.ID, time.Since(started), err)
	}
	return ac, err
}

// TurnResult describes how a posted turn was handled.
type TurnResult struct {
	// NodeID is the node that received the utterance.
	NodeID string `json:"nodeId"`
	// Routed reports whether the turn triggered an automatic handoff.
	Routed bool `json:"routed"`
	// Decision is the router evaluation for this turn.
	Decision core.RoutingDecision `json:"decision"`
}

// PostTurn appends a user utterance to the transcript, lets the router
// decide whether to hand off, performs the handoff if so, and delivers the
// utterance to the (possibly new) active agent context.
func (s *Session) PostTurn(ctx context.Context, text string) (*TurnResult, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	switch s.Status() {
	case StatusCreated:
		return nil, fmt.Errorf("turn before start: %w", core.ErrInvalidState)
	case StatusClosed:
		return nil, fmt.Errorf("turn: %w", core.ErrSessionClosed)
	}

	from := s.ActiveNodeID()
	s.transcript.AddUser(from, text)
	s.publish(core.NewUserSpeechEvent(from, text))
	s.touch()

	target, decision := s.rt.SelectNext(router.Trigger{Message: text, ActiveNodeID: from})
	s.mu.Lock()
	s.decisions = append(s.decisions, decision)
	s.mu.Unlock()
	if s.domainLog != nil {
		s.domainLog.LogRouteDecision(string(s.rt.Strategy()), target, decision.CandidateScores)
	}

	result := &TurnResult{NodeID: from, Decision: decision}
	if target != "" {
		reason := fmt.Sprintf("auto:%s", s.rt.Strategy())
		if err := s.handoff(ctx, target, reason); err != nil {
			return nil, err
		}
		result.NodeID = target
		result.Routed = true
	}

	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()
	if active == nil {
		err := core.NewBackendError("say", false, errors.New("no live agent context"))
		s.publish(core.NewErrorEvent(result.NodeID, err.Error()))
		return nil, err
	}
	if err := active.Say(ctx, text); err != nil {
		// Backend failures degrade to an error event; the session keeps
		// its last good state.
		s.publish(core.NewErrorEvent(result.NodeID, err.Error()))
		return nil, err
	}
	return result, nil
}

// NodeResponse is one node's answer from a parallel fan-out.
type NodeResponse struct {
	NodeID string `json:"nodeId"`
	Label  string `json:"label,omitempty"`
	Text   string `json:"text"`
}

// FanOut delivers the same utterance to every node's persona concurrently
// on ephemeral backend legs and aggregates the replies. The active node
// never changes; nodes whose leg fails are skipped.
func (s *Session) FanOut(ctx context.Context, text string) ([]NodeResponse, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	switch s.Status() {
	case StatusCreated:
		return nil, fmt.Errorf("fan-out before start: %w", core.ErrInvalidState)
	case StatusClosed:
		return nil, fmt.Errorf("fan-out: %w", core.ErrSessionClosed)
	}
	s.touch()

	history := s.transcript.Turns()
	results := make([]*NodeResponse, len(s.flow.Nodes))
	g, gctx := errgroup.WithContext(ctx)
	for i, node := range s.flow.Nodes {
		g.Go(func() error {
			resp, err := s.askNode(gctx, node, text, history)
			if err != nil {
				s.logger.Warn("fan-out node skipped", "session_id", s.id, "node_id", node.ID, "error", err.Error())
				return nil
			}
			results[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]NodeResponse, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

// askNode runs one ephemeral conversational exchange against a node's
// persona: attach, say, first complete reply, detach.
func (s *Session) askNode(ctx context.Context, node core.Node, text string, history []core.Turn) (*NodeResponse, error) {
	persona, err := s.agents.ResolveAgent(ctx, node.AgentRef)
	if err != nil {
		return nil, err
	}

	attachCtx, cancel := context.WithTimeout(ctx, s.attachTimeout)
	defer cancel()
	handle, err := s.backend.Attach(attachCtx, *persona, history)
	if err != nil {
		return nil, err
	}
	defer func() { _ = handle.Detach(context.WithoutCancel(ctx)) }()

	// Attach may pre-buffer a greeting or avatar notice; flush those so the
	// next complete utterance is the reply to text, not the greeting.
drained:
	for {
		select {
		case _, ok := <-handle.Events():
			if !ok {
				return nil, fmt.Errorf("node %s: leg closed before reply", node.ID)
			}
		default:
			break drained
		}
	}

	// Say runs concurrently with event consumption: a streaming leg can
	// emit more deltas than the handle buffers before the final utterance.
	sayErr := make(chan error, 1)
	go func() { sayErr <- handle.Say(ctx, text) }()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err := <-sayErr:
			if err != nil {
				return nil, err
			}
			sayErr = nil
		case ev, ok := <-handle.Events():
			if !ok {
				return nil, fmt.Errorf("node %s: leg closed before reply", node.ID)
			}
			if ev.Type == core.EventAgentSpeech {
				return &NodeResponse{NodeID: node.ID, Label: node.Label, Text: ev.Text}, nil
			}
		}
	}
}

// Close transitions the session to Closed: the active agent context is
// released, the event channel is closed (end-of-stream for all subscribers)
// and further operations fail with ErrSessionClosed. An attach still in
// flight is cancelled rather than waited out. Close is idempotent.
func (s *Session) Close(ctx context.Context) error {
	// Record the closing intent before queueing on opMu so a handoff
	// parked in a slow attach aborts instead of running out its timeout.
	s.mu.Lock()
	s.closing = true
	cancel := s.attachCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.Status() == StatusClosed {
		return nil
	}

	s.mu.Lock()
	active := s.active
	s.active = nil
	s.status = StatusClosed
	s.mu.Unlock()

	var err error
	if active != nil {
		err = active.Close(ctx)
	}
	s.channel.Close()
	s.logger.Info("session closed", "session_id", s.id, "flow_id", s.flow.ID)
	return err
}

// Summary is a point-in-time snapshot of session state for listings and
// metrics endpoints.
type Summary struct {
	SessionID    string    `json:"sessionId"`
	FlowID       string    `json:"flowId"`
	Status       Status    `json:"status"`
	ActiveNodeID string    `json:"activeNodeId,omitempty"`
	Strategy     string    `json:"strategy"`
	NodeCount    int       `json:"nodeCount"`
	TurnCount    int       `json:"turnCount"`
	HandoffCount int       `json:"handoffCount"`
	Created      time.Time `json:"created"`
	LastActivity time.Time `json:"lastActivity"`
}

// Summarize captures the session's current state.
func (s *Session) Summarize() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Summary{
		SessionID:    s.id,
		FlowID:       s.flow.ID,
		Status:       s.status,
		ActiveNodeID: s.activeNodeID,
		Strategy:     string(s.rt.Strategy()),
		NodeCount:    len(s.flow.Nodes),
		TurnCount:    s.transcript.Len(),
		HandoffCount: len(s.transitions),
		Created:      s.created,
		LastActivity: s.lastActivity,
	}
}

func (s *Session) publish(ev core.Event) {
	ev.SessionID = s.id
	if err := s.channel.Publish(ev); err != nil && !errors.Is(err, core.ErrChannelClosed) {
		s.logger.Warn("publish failed", "session_id", s.id, "event_type", string(ev.Type), "error", err.Error())
	}
}
