// Package openai implements the conversational backend collaborator on top
// of the OpenAI Chat Completions API (streaming). Each attached leg keeps
// its own message history seeded from the session transcript; replies are
// forwarded as agent speech deltas followed by the complete utterance.
package openai

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/openai/openai-go"

	"github.com/hupe1980/flowmesh/core"
)

// Options configure the OpenAI backend. Fields mirror a minimal subset of
// Chat Completion parameters; extend via functional options without
// breaking callers.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Backend implements core.Backend over the OpenAI API.
type Backend struct {
	client *openai.Client
	opts   Options
}

// New creates an OpenAI backend using the official client (API key from the
// environment).
func New(optFns ...func(o *Options)) *Backend {
	client := openai.NewClient()
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates an OpenAI backend from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Backend {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 1024,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Backend{client: client, opts: opts}
}

// Attach implements core.Backend. The leg is opened lazily: no remote call
// happens until the first user turn.
func (b *Backend) Attach(_ context.Context, persona core.PersonaConfig, history []core.Turn) (core.BackendHandle, error) {
	h := &handle{
		backend: b,
		persona: persona,
		events:  make(chan core.Event, 32),
	}
	h.messages = append(h.messages, openai.SystemMessage(persona.SystemPrompt()))
	for _, turn := range history {
		switch turn.Role {
		case "user":
			h.messages = append(h.messages, openai.UserMessage(turn.Text))
		case "agent":
			h.messages = append(h.messages, openai.AssistantMessage(turn.Text))
		}
	}
	return h, nil
}

// handle is one OpenAI-backed conversational leg.
type handle struct {
	backend *Backend
	persona core.PersonaConfig

	mu       sync.Mutex
	messages []openai.ChatCompletionMessageParamUnion
	detached bool

	detachOnce sync.Once
	events     chan core.Event
}

// Events implements core.BackendHandle.
func (h *handle) Events() <-chan core.Event { return h.events }

// Say implements core.BackendHandle: it streams one completion, emitting a
// delta event per chunk and a final agent.speech with the full reply. The
// mutex makes turns strictly sequential per leg.
func (h *handle) Say(ctx context.Context, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.detached {
		return core.NewBackendError("say", false, core.ErrChannelClosed)
	}

	h.messages = append(h.messages, openai.UserMessage(text))
	params := openai.ChatCompletionNewParams{
		Messages:            h.messages,
		Model:               h.backend.opts.Model,
		Temperature:         openai.Float(h.backend.opts.Temperature),
		MaxCompletionTokens: openai.Int(h.backend.opts.MaxCompletionTokens),
	}

	stream := h.backend.client.Chat.Completions.NewStreaming(ctx, params)
	var full strings.Builder
	for stream.Next() {
		ck := stream.Current()
		for _, choice := range ck.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			full.WriteString(choice.Delta.Content)
			h.events <- core.NewAgentSpeechDeltaEvent("", choice.Delta.Content)
		}
	}
	if err := stream.Err(); err != nil {
		h.events <- core.NewErrorEvent("", fmt.Sprintf("openai streaming error: %v", err))
		return core.NewBackendError("say", true, err)
	}

	reply := full.String()
	h.messages = append(h.messages, openai.AssistantMessage(reply))
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
