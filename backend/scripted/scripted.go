// Package scripted provides a deterministic in-process conversational
// backend. It greets on attach, answers user turns with canned or templated
// responses (optionally streamed as deltas) and can simulate attach latency
// and failures, which makes it the backend of choice for tests, demos and
// environments without LLM credentials.
package scripted

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/flowmesh/core"
)

// Options configure the scripted backend.
type Options struct {
	// Responses maps exact user utterances to canned replies. Unmatched
	// input gets a templated echo reply.
	Responses map[string]string
	// Greeting toggles an agent greeting shortly after attach.
	Greeting bool
	// StreamDeltas splits replies into per-word delta events before the
	// final utterance.
	StreamDeltas bool
	// Avatar emits an avatar.started event on attach, simulating a video leg.
	Avatar bool
	// ResponseDelay is an artificial think time before each reply.
	ResponseDelay time.Duration
	// AttachDelay simulates slow backend attachment. Useful for exercising
	// attach timeouts and cancellation.
	AttachDelay time.Duration
	// AttachErr, when set, fails every attach with this error.
	AttachErr error
}

// Backend implements core.Backend with scripted conversational legs.
type Backend struct {
	opts Options
}

// New creates a scripted backend with optional overrides.
func New(optFns ...func(o *Options)) *Backend {
	opts := Options{Greeting: true}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Backend{opts: opts}
}

// Attach implements core.Backend.
func (b *Backend) Attach(ctx context.Context, persona core.PersonaConfig, _ []core.Turn) (core.BackendHandle, error) {
	if b.opts.AttachDelay > 0 {
		select {
		case <-time.After(b.opts.AttachDelay):
		case <-ctx.Done():
			return nil, core.NewBackendError("attach", true, ctx.Err())
		}
	}
	if b.opts.AttachErr != nil {
		return nil, core.NewBackendError("attach", false, b.opts.AttachErr)
	}

	h := &handle{
		persona: persona,
		opts:    b.opts,
		events:  make(chan core.Event, 16),
	}
	if b.opts.Avatar {
		h.events <- core.NewAvatarStartedEvent("")
	}
	if b.opts.Greeting {
		greeting := persona.Greeting
		if greeting == "" {
			greeting = "Hello! I'm ready to chat."
		}
		h.events <- core.NewAgentSpeechEvent("", greeting)
	}
	return h, nil
}

// handle is one scripted conversational leg.
type handle struct {
	persona core.PersonaConfig
	opts    Options

	mu         sync.Mutex
	detachOnce sync.Once
	detached   bool
	events     chan core.Event
}

// Events implements core.BackendHandle.
func (h *handle) Events() <-chan core.Event { return h.events }

// Say implements core.BackendHandle. The reply is emitted synchronously so
// tests can observe it deterministically right after Say returns.
func (h *handle) Say(ctx context.Context, text string) error {
	if h.opts.ResponseDelay > 0 {
		select {
		case <-time.After(h.opts.ResponseDelay):
		case <-ctx.Done():
			return core.NewBackendError("say", true, ctx.Err())
		}
	}

	reply, ok := h.opts.Responses[text]
	if !ok {
		reply = fmt.Sprintf("[%s] Response to: %s", h.persona.DisplayName(), text)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.detached {
		return core.NewBackendError("say", false, core.ErrChannelClosed)
	}
	if h.opts.StreamDeltas {
		for _, word := range strings.Fields(reply) {
			h.events <- core.NewAgentSpeechDeltaEvent("", word)
		}
	}
	h.events <- core.NewAgentSpeechEvent("", reply)
	if h.opts.StreamDeltas {
		h.events <- core.NewAgentSpeechDoneEvent("")
	}
	return nil
}

// Detach implements core.BackendHandle. Idempotent.
func (h *handle) Detach(context.Context) error {
	h.detachOnce.Do(func() {
		h.mu.Lock()
		h.detached = true
		close(h.events)
		h.mu.Unlock()
	})
	return nil
}
