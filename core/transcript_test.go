package core

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscript_Order(t *testing.T) {
	tr := NewTranscript()
	tr.AddUser("greeter", "hello")
	tr.AddAgent("greeter", "hi there")
	tr.AddUser("greeter", "bye")

	turns := tr.Turns()
	require.Len(t, turns, 3)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "hello", turns[0].Text)
	assert.Equal(t, "agent", turns[1].Role)
	assert.Equal(t, 3, tr.Len())
}

func TestTranscript_LastUser(t *testing.T) {
	tr := NewTranscript()
	_, ok := tr.LastUser()
	assert.False(t, ok)

	tr.AddUser("a", "first")
	tr.AddAgent("a", "reply")
	tr.AddUser("a", "second")

	last, ok := tr.LastUser()
	require.True(t, ok)
	assert.Equal(t, "second", last.Text)
}

func TestTranscript_TurnsReturnsCopy(t *testing.T) {
	tr := NewTranscript()
	tr.AddUser("a", "hello")

	turns := tr.Turns()
	turns[0].Text = "mutated"
	assert.Equal(t, "hello", tr.Turns()[0].Text)
}

func TestTranscript_ConcurrentWrites(t *testing.T) {
	tr := NewTranscript()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr.AddUser("a", fmt.Sprintf("turn-%d", i))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, tr.Len())
}
