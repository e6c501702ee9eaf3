// Package anthropic implements the conversational backend collaborator on
// top of the Anthropic Messages API.
package anthropic

import (
	"context"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hupe1980/flowmesh/core"
)

// Options configure the Anthropic backend (model id, temperature, max
// tokens, API key).
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Backend implements core.Backend over the Anthropic Messages API.
type Backend struct {
	client *anthropic.Client
	opts   Options
}

// New creates an Anthropic backend using the official client.
func New(optFns ...func(o *Options)) *Backend {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   1024,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)
	return &Backend{client: &client, opts: opts}
}

// NewFromClient creates an Anthropic backend from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Backend {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   1024,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Backend{client: client, opts: opts}
}

// Attach implements core.Backend.
func (b *Backend) Attach(_ context.Context, persona core.PersonaConfig, history []core.Turn) (core.BackendHandle, error) {
	h := &handle{
		backend: b,
		system:  persona.SystemPrompt(),
		events:  make(chan core.Event, 32),
	}
	for _, turn := range history {
		switch turn.Role {
		case "user":
			h.messages = append(h.messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Text)))
		case "agent":
			h.messages = append(h.messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Text)))
		}
	}
	return h, nil
}

// handle is one Anthropic-backed conversational leg.
type handle struct {
	backend *Backend
	system  string

	mu       sync.Mutex
	messages []anthropic.MessageParam
	detached bool

	detachOnce sync.Once
	events     chan core.Event
}

// Events implements core.BackendHandle.
func (h *handle) Events() <-chan core.Event { return h.events }

// Say implements core.BackendHandle. Replies are emitted as a single
// complete utterance.
// TODO: switch to Messages streaming and emit agent.speech.delta events
// once delta aggregation is ported from the chat completions leg.
func (h *handle) Say(ctx context.Context, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.detached {
		return core.NewBackendError("say", false, core.ErrChannelClosed)
	}

	h.messages = append(h.messages, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
	params := anthropic.MessageNewParams{
		Model:       h.backend.opts.Model,
		Messages:    h.messages,
		MaxTokens:   h.backend.opts.MaxTokens,
		Temperature: anthropic.Float(h.backend.opts.Temperature),
	}
	if h.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: h.system}}
	}

	resp, err := h.backend.client.Messages.New(ctx, params)
	if err != nil {
		h.events <- core.NewErrorEvent("", fmt.Sprintf("anthropic api error: %v", err))
		return core.NewBackendError("say", true, err)
	}

	var reply string
	for _, block := range resp.Content {
		if block.Type == "text" {
			reply += block.AsText().Text
		}
	}
	h.messages = append(h.messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(reply)))
	h.events <- core.NewAgentSpeechEvent("", reply)
	h.events <- core.NewAgentSpeechDoneEvent("")
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
