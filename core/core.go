package core

import "context"

// FlowLoader resolves flow definitions. The runtime deep-copies the returned
// flow into a session snapshot, so implementations may hand out shared
// instances.
type FlowLoader interface {
	// GetFlow returns the flow with the given id or ErrFlowNotFound.
	GetFlow(ctx context.Context, flowID string) (*Flow, error)
}

// AgentLoader resolves agent references from flow nodes into persona cards.
type AgentLoader interface {
	// ResolveAgent returns the persona for agentRef or ErrAgentNotFound.
	ResolveAgent(ctx context.Context, agentRef string) (*PersonaConfig, error)
}

// Backend is the conversational collaborator behind an agent context: the
// speech/LLM/avatar pipeline that produces the agent side of a conversation.
// One handle is attached per agent context and must be detached when the
// context closes.
type Backend interface {
	// Attach opens a conversational leg for the persona, seeded with the
	// prior transcript. The returned handle's event stream runs until
	// Detach is called or the attach context is cancelled.
	Attach(ctx context.Context, persona PersonaConfig, history []Turn) (BackendHandle, error)
}

// BackendHandle is one live conversational leg. Implementations own an
// events channel that is closed exactly once, on Detach or fatal failure;
// that closure is the end-of-stream signal for the forwarding loop.
type BackendHandle interface {
	// Events yields the backend's own event stream (speech, avatar and
	// error events). Events carry no node attribution; the agent context
	// tags them before re-publishing.
	Events() <-chan Event

	// Say delivers a finalized user utterance to the leg. Responses arrive
	// asynchronously on Events.
	Say(ctx context.Context, text string) error

	// Detach releases the leg. It must be idempotent and safe to call
	// even if attach only partially succeeded.
	Detach(ctx context.Context) error
}
