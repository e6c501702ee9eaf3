package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/logging"
	"github.com/hupe1980/flowmesh/router"
)

// RegistryOptions hold dependency and configuration overrides for NewRegistry.
type RegistryOptions struct {
	// Logger receives runtime logs. Defaults to NoOpLogger.
	Logger logging.Logger
	// AttachTimeout bounds every backend attach.
	AttachTimeout time.Duration
	// IdleTimeout is the inactivity bound after which the reaper closes a
	// session. Zero disables reaping.
	IdleTimeout time.Duration
	// ReapInterval is how often the reaper scans for idle sessions.
	ReapInterval time.Duration
	// DefaultStrategy applies to sessions created without an explicit
	// strategy; empty means topology inference.
	DefaultStrategy router.Strategy
}

// Registry is the process-wide lookup of live sessions. It is the only
// process-wide mutable shared state of the runtime and is safe for
// concurrent creation, lookup and removal.
type Registry struct {
	flows   core.FlowLoader
	agents  core.AgentLoader
	backend core.Backend
	logger  logging.Logger

	attachTimeout   time.Duration
	idleTimeout     time.Duration
	reapInterval    time.Duration
	defaultStrategy router.Strategy

	mu       sync.RWMutex
	sessions map[string]*Session

	reaperOnce sync.Once
	stopReaper chan struct{}
}

// NewRegistry constructs a Registry over the given collaborators.
func NewRegistry(flows core.FlowLoader, agents core.AgentLoader, backend core.Backend, optFns ...func(o *RegistryOptions)) *Registry {
	opts := RegistryOptions{
		Logger:        logging.NoOpLogger{},
		AttachTimeout: 10 * time.Second,
		IdleTimeout:   30 * time.Minute,
		ReapInterval:  time.Minute,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry{
		flows:           flows,
		agents:          agents,
		backend:         backend,
		logger:          opts.Logger,
		attachTimeout:   opts.AttachTimeout,
		idleTimeout:     opts.IdleTimeout,
		reapInterval:    opts.ReapInterval,
		defaultStrategy: opts.DefaultStrategy,
		sessions:        make(map[string]*Session),
		stopReaper:      make(chan struct{}),
	}
}

// CreateOptions customize a single session.
type CreateOptions struct {
	// Strategy overrides the registry default and topology inference.
	Strategy router.Strategy
}

// Create loads the flow, captures an immutable snapshot, builds the router
// and registers a fresh session. The session is returned in Created state;
// call Start on it to run the entry node.
func (r *Registry) Create(ctx context.Context, flowID string, optFns ...func(o *CreateOptions)) (*Session, error) {
	var opts CreateOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	flow, err := r.flows.GetFlow(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	snapshot := flow.Clone()
	if err := snapshot.Validate(); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = r.defaultStrategy
	}
	personas := r.personaLookup(ctx, snapshot)
	rt, err := router.New(snapshot, func(o *router.Options) {
		o.Strategy = strategy
		o.Personas = personas
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	id := core.NewID()
	logger := r.logger
	if fl, ok := logger.(*logging.FlowmeshLogger); ok {
		logger = fl.WithSession(id, "")
	}
	sess := newSession(id, snapshot, rt, r.agents, r.backend, logger, r.attachTimeout)

	r.mu.Lock()
	r.sessions[sess.ID()] = sess
	r.mu.Unlock()

	r.logger.Info("session created", "session_id", sess.ID(), "flow_id", flowID, "strategy", string(rt.Strategy()))
	return sess, nil
}

// personaLookup resolves and caches the personas of a flow snapshot for
// conditional routing. Resolution failures simply yield no persona; the
// actual error surfaces when the node's agent context starts.
func (r *Registry) personaLookup(ctx context.Context, flow *core.Flow) router.PersonaLookup {
	cache := make(map[string]core.PersonaConfig, len(flow.Nodes))
	for _, n := range flow.Nodes {
		if p, err := r.agents.ResolveAgent(ctx, n.AgentRef); err == nil {
			cache[n.ID] = *p
		}
	}
	return func(nodeID string) (core.PersonaConfig, bool) {
		p, ok := cache[nodeID]
		return p, ok
	}
}

// Get returns the live session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Remove closes the session (if not already closed) and deregisters it.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("remove: %s: %w", id, core.ErrSessionNotFound)
	}
	return sess.Close(ctx)
}

// List returns point-in-time summaries of all registered sessions.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summarize())
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// StartReaper launches the idle-session janitor. It runs until Shutdown and
// closes sessions whose last activity is older than the idle timeout,
// keeping teardown bounded even when clients never call close. Subsequent
// calls are no-ops.
func (r *Registry) StartReaper() {
	if r.idleTimeout <= 0 {
		return
	}
	r.reaperOnce.Do(func() {
		go r.reapLoop()
	})
}

func (r *Registry) reapLoop() {
	ticker := time.NewTicker(r.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopReaper:
			return
		case <-ticker.C:
			r.reapIdle()
		}
	}
}

func (r *Registry) reapIdle() {
	cutoff := time.Now().UTC().Add(-r.idleTimeout)
	r.mu.RLock()
	var idle []string
	for id, sess := range r.sessions {
		if sess.LastActivity().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range idle {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.Remove(ctx, id); err != nil {
			r.logger.Warn("reaping idle session failed", "session_id", id, "error", err.Error())
		} else {
			r.logger.Info("idle session reaped", "session_id", id)
		}
		cancel()
	}
}

// Shutdown stops the reaper and closes every registered session.
func (r *Registry) Shutdown(ctx context.Context) error {
	select {
	case <-r.stopReaper:
	default:
		close(r.stopReaper)
	}

	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var firstErr error
	for id, sess := range sessions {
		if err := sess.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing session %s: %w", id, err)
		}
	}
	return firstErr
}
