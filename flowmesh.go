// Package flowmesh provides a high-level façade over the session runtime:
// flow definitions, agent personas, a routing session registry and a
// pluggable conversational backend. Most applications interact with this
// package by:
//  1. Creating a Flowmesh via New() (optionally overriding the default
//     in-memory store and scripted backend)
//  2. Registering flows and agent personas
//  3. Starting sessions and driving them with turns and handoffs
//
// The façade delegates all lifecycle work to session.Registry while keeping
// setup ergonomics concise. All defaults are safe for local development and
// testing; production deployments typically supply a catalog-backed store, a
// real model backend and a structured logger.
package flowmesh

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/flowmesh/backend/scripted"
	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/logging"
	"github.com/hupe1980/flowmesh/router"
	"github.com/hupe1980/flowmesh/session"
	"github.com/hupe1980/flowmesh/store"
)

// Options configures the Flowmesh instance.
type Options struct {
	// Flows resolves flow definitions. Defaults to a fresh in-memory store.
	Flows core.FlowLoader
	// Agents resolves agent personas. Defaults to the same in-memory store
	// as Flows.
	Agents core.AgentLoader
	// Backend provides the conversational legs. Defaults to the scripted
	// backend.
	Backend core.Backend

	// AttachTimeout bounds every backend attach.
	AttachTimeout time.Duration
	// IdleTimeout closes sessions after this much inactivity. Zero
	// disables the reaper.
	IdleTimeout time.Duration
	// DefaultStrategy applies to sessions created without an explicit
	// strategy; empty means topology inference.
	DefaultStrategy router.Strategy

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// FlowWriter accepts flow definitions. store.InMemoryStore implements it.
type FlowWriter interface {
	PutFlow(flow *core.Flow) error
}

// AgentWriter accepts agent personas. store.InMemoryStore implements it.
type AgentWriter interface {
	PutAgent(persona core.PersonaConfig) error
}

// Flowmesh is the high-level façade aggregating the store, backend and
// session registry.
type Flowmesh struct {
	flows    core.FlowLoader
	agents   core.AgentLoader
	registry *session.Registry
}

// New creates a new Flowmesh instance with optional overrides. Any unset
// collaborator is initialized with a local in-memory implementation.
func New(optFns ...func(o *Options)) *Flowmesh {
	mem := store.NewInMemoryStore()
	opts := Options{
		Flows:   mem,
		Agents:  mem,
		Backend: scripted.New(),
		Logger:  logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	registry := session.NewRegistry(opts.Flows, opts.Agents, opts.Backend, func(o *session.RegistryOptions) {
		o.Logger = opts.Logger
		if opts.AttachTimeout > 0 {
			o.AttachTimeout = opts.AttachTimeout
		}
		o.IdleTimeout = opts.IdleTimeout
		o.DefaultStrategy = opts.DefaultStrategy
	})

	return &Flowmesh{flows: opts.Flows, agents: opts.Agents, registry: registry}
}

// Registry exposes the underlying session registry, e.g. for mounting the
// HTTP server on top of it.
func (m *Flowmesh) Registry() *session.Registry { return m.registry }

// RegisterFlow adds a flow definition to the configured flow loader. It
// fails when the loader does not accept writes (e.g. a catalog-backed
// resolver); register definitions with that loader directly instead.
func (m *Flowmesh) RegisterFlow(flow *core.Flow) error {
	w, ok := m.flows.(FlowWriter)
	if !ok {
		return fmt.Errorf("flow loader %T does not accept registrations", m.flows)
	}
	return w.PutFlow(flow)
}

// RegisterAgent adds an agent persona to the configured agent loader, with
// the same writability requirement as RegisterFlow.
func (m *Flowmesh) RegisterAgent(persona core.PersonaConfig) error {
	w, ok := m.agents.(AgentWriter)
	if !ok {
		return fmt.Errorf("agent loader %T does not accept registrations", m.agents)
	}
	return w.PutAgent(persona)
}

// StartSession creates a session for the flow and runs its entry node. An
// empty entryNodeID picks the flow's entry node.
func (m *Flowmesh) StartSession(ctx context.Context, flowID, entryNodeID string, optFns ...func(o *session.CreateOptions)) (*session.Session, error) {
	sess, err := m.registry.Create(ctx, flowID, optFns...)
	if err != nil {
		return nil, err
	}
	if err := sess.Start(ctx, entryNodeID); err != nil {
		_ = m.registry.Remove(ctx, sess.ID())
		return nil, err
	}
	return sess, nil
}

// Session returns the live session with the given id.
func (m *Flowmesh) Session(id string) (*session.Session, bool) { return m.registry.Get(id) }

// Close shuts the registry down, closing every live session.
func (m *Flowmesh) Close(ctx context.Context) error { return m.registry.Shutdown(ctx) }
