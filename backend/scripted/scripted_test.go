package scripted

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/flowmesh/core"
)

func drain(h core.BackendHandle) []core.Event {
	var events []core.Event
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestBackend_Attach_Greeting(t *testing.T) {
	b := New()
	persona := core.PersonaConfig{ID: "greeter", Role: "receptionist", Greeting: "Welcome to the desk!"}

	h, err := b.Attach(context.Background(), persona, nil)
	require.NoError(t, err)
	defer h.Detach(context.Background())

	events := drain(h)
	require.Len(t, events, 1)
	assert.Equal(t, core.EventAgentSpeech, events[0].Type)
	assert.Equal(t, "Welcome to the desk!", events[0].Text)
}

func TestBackend_Attach_DefaultGreeting(t *testing.T) {
	b := New()
	h, err := b.Attach(context.Background(), core.PersonaConfig{ID: "a", Role: "r"}, nil)
	require.NoError(t, err)
	defer h.Detach(context.Background())

	events := drain(h)
	require.Len(t, events, 1)
	assert.Equal(t, "Hello! I'm ready to chat.", events[0].Text)
}

func TestBackend_Attach_Avatar(t *testing.T) {
	b := New(func(o *Options) {
		o.Avatar = true
		o.Greeting = false
	})
	h, err := b.Attach(context.Background(), core.PersonaConfig{ID: "a", Role: "r"}, nil)
	require.NoError(t, err)
	defer h.Detach(context.Background())

	events := drain(h)
	require.Len(t, events, 1)
	assert.Equal(t, core.EventAvatarStarted, events[0].Type)
}

func TestHandle_Say_TemplatedReply(t *testing.T) {
	b := New(func(o *Options) { o.Greeting = false })
	h, err := b.Attach(context.Background(), core.PersonaConfig{ID: "sales", Name: "Sam", Role: "sales"}, nil)
	require.NoError(t, err)
	defer h.Detach(context.Background())

	require.NoError(t, h.Say(context.Background(), "how much is it?"))

	events := drain(h)
	require.Len(t, events, 1)
	assert.Equal(t, "[Sam] Response to: how much is it?", events[0].Text)
}

func TestHandle_Say_CannedReply(t *testing.T) {
	b := New(func(o *Options) {
		o.Greeting = false
		o.Responses = map[string]string{"ping": "pong"}
	})
	h, err := b.Attach(context.Background(), core.PersonaConfig{ID: "a", Role: "r"}, nil)
	require.NoError(t, err)
	defer h.Detach(context.Background())

	require.NoError(t, h.Say(context.Background(), "ping"))
	events := drain(h)
	require.Len(t, events, 1)
	assert.Equal(t, "pong", events[0].Text)
}

func TestHandle_Say_StreamDeltas(t *testing.T) {
	b := New(func(o *Options) {
		o.Greeting = false
		o.StreamDeltas = true
		o.Responses = map[string]string{"hi": "hello there friend"}
	})
	h, err := b.Attach(context.Background(), core.PersonaConfig{ID: "a", Role: "r"}, nil)
	require.NoError(t, err)
	defer h.Detach(context.Background())

	require.NoError(t, h.Say(context.Background(), "hi"))
	events := drain(h)
	require.Len(t, events, 5) // 3 deltas + final + done

	assert.Equal(t, core.EventAgentSpeechDelta, events[0].Type)
	assert.Equal(t, "hello", events[0].Text)
	assert.Equal(t, core.EventAgentSpeech, events[3].Type)
	assert.Equal(t, "hello there friend", events[3].Text)
	assert.Equal(t, core.EventAgentSpeechDone, events[4].Type)
}

func TestBackend_Attach_Error(t *testing.T) {
	cause := errors.New("no capacity")
	b := New(func(o *Options) { o.AttachErr = cause })

	_, err := b.Attach(context.Background(), core.PersonaConfig{ID: "a", Role: "r"}, nil)
	require.Error(t, err)

	var be *core.BackendError
	require.ErrorAs(t, err, &be)
	assert.False(t, be.Transient)
	assert.ErrorIs(t, err, cause)
}

func TestBackend_Attach_CancelledDuringDelay(t *testing.T) {
	b := New(func(o *Options) { o.AttachDelay = time.Minute })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := b.Attach(ctx, core.PersonaConfig{ID: "a", Role: "r"}, nil)
	require.Error(t, err)

	var be *core.BackendError
	require.ErrorAs(t, err, &be)
	assert.True(t, be.Transient)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandle_Detach_Idempotent(t *testing.T) {
	b := New(func(o *Options) { o.Greeting = false })
	h, err := b.Attach(context.Background(), core.PersonaConfig{ID: "a", Role: "r"}, nil)
	require.NoError(t, err)

	require.NoError(t, h.Detach(context.Background()))
	require.NoError(t, h.Detach(context.Background()))

	_, ok := <-h.Events()
	assert.False(t, ok, "events channel closed after detach")

	err = h.Say(context.Background(), "too late")
	assert.ErrorIs(t, err, core.ErrChannelClosed)
}
