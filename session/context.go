package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/stream"
)

// AgentContext is the live runtime instance of one flow node: a persona
// snapshot bound to an external conversational leg whose event stream is
// forwarded, tagged with the node id, into the session's event channel.
//
// An agent context is only ever active inside one session at a time and is
// never reused across handoffs; returning to a node creates a fresh
// instance so no stale external handles survive.
type AgentContext struct {
	sessionID string
	nodeID    string
	persona   core.PersonaConfig
	handle    core.BackendHandle
	channel   *stream.Channel
	record    func(core.Event) // session transcript hook, may be nil

	forwardOnce sync.Once
	closeOnce   sync.Once
	done        chan struct{}
}

// startAgentContext resolves the node's persona and attaches a backend leg,
// retrying once on transient failures. The attach wait is bounded by the
// deadline already present on ctx; the context is returned not yet
// forwarding so the caller can emit its node.started event first (see Run).
func startAgentContext(
	ctx context.Context,
	sessionID string,
	node core.Node,
	agents core.AgentLoader,
	backend core.Backend,
	history []core.Turn,
	channel *stream.Channel,
	record func(core.Event),
) (*AgentContext, error) {
	persona, err := agents.ResolveAgent(ctx, node.AgentRef)
	if err != nil {
		if errors.Is(err, core.ErrAgentNotFound) {
			return nil, fmt.Errorf("node %s: %w", node.ID, err)
		}
		return nil, fmt.Errorf("node %s: resolve agent %s: %w", node.ID, node.AgentRef, err)
	}

	handle, err := attachWithRetry(ctx, backend, *persona, history)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", node.ID, err)
	}

	return &AgentContext{
		sessionID: sessionID,
		nodeID:    node.ID,
		persona:   *persona,
		handle:    handle,
		channel:   channel,
		record:    record,
		done:      make(chan struct{}),
	}, nil
}

// attachWithRetry attaches the backend leg, retrying a transient failure at
// most once. Context cancellation is never retried.
func attachWithRetry(ctx context.Context, backend core.Backend, persona core.PersonaConfig, history []core.Turn) (core.BackendHandle, error) {
	handle, err := backend.Attach(ctx, persona, history)
	if err == nil {
		return handle, nil
	}
	var be *core.BackendError
	if errors.As(err, &be) && be.Transient && ctx.Err() == nil {
		if handle, retryErr := backend.Attach(ctx, persona, history); retryErr == nil {
			return handle, nil
		}
	}
	if !errors.As(err, &be) {
		err = core.NewBackendError("attach", false, err)
	}
	return nil, err
}

// Run starts forwarding the backend's event stream into the session channel,
// tagging every event with this context's node id. It returns immediately;
// forwarding continues until the leg detaches. Calling Run more than once is
// a no-op.
func (a *AgentContext) Run() {
	a.forwardOnce.Do(func() {
		go a.forward()
	})
}

func (a *AgentContext) forward() {
	defer close(a.done)
	for ev := range a.handle.Events() {
		ev.SessionID = a.sessionID
		ev.NodeID = a.nodeID
		if a.record != nil {
			a.record(ev)
		}
		// A closed channel means the session is shutting down; keep
		// draining so the backend goroutine can finish.
		_ = a.channel.Publish(ev)
	}
}

// NodeID returns the flow node this context embodies.
func (a *AgentContext) NodeID() string { return a.nodeID }

// Persona returns the persona snapshot captured at start.
func (a *AgentContext) Persona() core.PersonaConfig { return a.persona }

// Say delivers a finalized user utterance to the external leg.
func (a *AgentContext) Say(ctx context.Context, text string) error {
	return a.handle.Say(ctx, text)
}

// Close releases the external leg and waits briefly for the forwarding loop
// to drain. It is idempotent and releases the handle on every path, even if
// the forward loop never started.
func (a *AgentContext) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		err = a.handle.Detach(ctx)
		a.Run() // ensure the forward loop exists so done is closed
		select {
		case <-a.done:
		case <-ctx.Done():
		case <-time.After(closeDrainTimeout):
		}
	})
	return err
}

// closeDrainTimeout bounds how long Close waits for the forwarding loop to
// drain remaining backend events.
const closeDrainTimeout = 2 * time.Second
