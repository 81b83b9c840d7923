package cancelreg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemory_CancelTurn(t *testing.T) {
	m := NewMemory()
	_, cancel := context.WithCancel(context.Background())
	called := false
	wrapped := func() { called = true; cancel() }
	m.Register("chat-1", "turn-1", wrapped)

	assert.True(t, m.CancelTurn("turn-1"))
	assert.True(t, called)

	// second call finds nothing left to cancel
	assert.False(t, m.CancelTurn("turn-1"))
}

func TestMemory_CancelChat_CancelsAllTurns(t *testing.T) {
	m := NewMemory()
	var calls []string
	m.Register("chat-1", "turn-1", func() { calls = append(calls, "turn-1") })
	m.Register("chat-1", "turn-2", func() { calls = append(calls, "turn-2") })
	m.Register("chat-2", "turn-3", func() { calls = append(calls, "turn-3") })

	assert.True(t, m.CancelChat("chat-1"))
	assert.ElementsMatch(t, []string{"turn-1", "turn-2"}, calls)

	assert.False(t, m.CancelTurn("turn-1"))
	assert.True(t, m.CancelTurn("turn-3"))
}

func TestMemory_Complete_RemovesRegistration(t *testing.T) {
	m := NewMemory()
	cancel := func() {}
	m.Register("chat-1", "turn-1", cancel)
	m.Complete("chat-1", "turn-1", cancel)

	assert.False(t, m.CancelTurn("turn-1"))
}

func TestDefault_SetDefault(t *testing.T) {
	original := Default()
	defer SetDefault(original)

	custom := NewMemory()
	SetDefault(custom)
	assert.Same(t, Registry(custom), Default())
}
