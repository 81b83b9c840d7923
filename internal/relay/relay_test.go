package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viant/minichat/internal/model"
)

func TestTranslate_TextDelta(t *testing.T) {
	e := Translate(ProviderEvent{Kind: ProviderTextDelta, Text: "hello"})
	assert.Equal(t, EventDelta, e.Kind)
	assert.Equal(t, "hello", e.DeltaText)
}

func TestTranslate_ToolLifecycle(t *testing.T) {
	start := Translate(ProviderEvent{Kind: ProviderWebSearchStart})
	assert.Equal(t, EventTool, start.Kind)
	assert.Equal(t, "web_search", start.ToolName)
	assert.Equal(t, "start", start.ToolPhase)

	done := Translate(ProviderEvent{Kind: ProviderFileSearchDone})
	assert.Equal(t, "file_search", done.ToolName)
	assert.Equal(t, "done", done.ToolPhase)
}

func TestTranslate_Completed(t *testing.T) {
	e := Translate(ProviderEvent{
		Kind: ProviderCompleted, MessageID: "m1",
		Usage: Usage{InputTokens: 10, OutputTokens: 2},
		EffectiveModel: "gpt-5-mini", SelectedModel: "gpt-5.2",
		QuotaDecision: "downgrade", DowngradeFrom: "gpt-5.2", DowngradeReason: "premium_quota_exhausted",
	})
	assert.Equal(t, EventDone, e.Kind)
	assert.Equal(t, "downgrade", e.QuotaDecision)
}

func TestTranslate_Error(t *testing.T) {
	e := Translate(ProviderEvent{Kind: ProviderError, ErrCode: "rate_limited", ErrMsg: "throttled"})
	assert.Equal(t, EventError, e.Kind)
	assert.Equal(t, "rate_limited", e.ErrorCode)
}

func TestPump_OrderingAndTermination(t *testing.T) {
	in := make(chan ProviderEvent, 4)
	in <- ProviderEvent{Kind: ProviderTextDelta, Text: "a"}
	in <- ProviderEvent{Kind: ProviderTextDelta, Text: "b"}
	in <- ProviderEvent{Kind: ProviderCompleted, MessageID: "m1"}
	close(in)

	out := NewChannel(16)
	Pump(context.Background(), in, out)

	var got []StableEvent
	for ev := range out {
		got = append(got, ev)
	}
	require.Len(t, got, 3)
	assert.Equal(t, EventDelta, got[0].Kind)
	assert.Equal(t, EventDelta, got[1].Kind)
	assert.Equal(t, EventDone, got[2].Kind)
}

func TestPump_StopsOnCancel(t *testing.T) {
	in := make(chan ProviderEvent)
	out := NewChannel(16)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		Pump(ctx, in, out)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Pump did not return after context cancellation")
	}
}

func TestReplay_IsReadOnlyShape(t *testing.T) {
	msg := model.Message{ID: "m1", Content: "stored answer", EffectiveModel: "gpt-5.2", InputTokens: 10, OutputTokens: 2}
	events := Replay(msg, "gpt-5.2", nil, "allow", "", "")
	require.Len(t, events, 2)
	assert.Equal(t, EventDelta, events[0].Kind)
	assert.Equal(t, "stored answer", events[0].DeltaText)
	assert.Equal(t, EventDone, events[1].Kind)
	assert.Equal(t, "m1", events[1].MessageID)
	assert.Equal(t, "gpt-5.2", events[1].SelectedModel)
}

func TestReplay_IncludesCitationsWhenPresent(t *testing.T) {
	msg := model.Message{ID: "m1", Content: "answer"}
	events := Replay(msg, "gpt-5.2", []Citation{{Source: "doc1", Title: "Doc"}}, "allow", "", "")
	require.Len(t, events, 3)
	assert.Equal(t, EventCitations, events[1].Kind)
	assert.Equal(t, EventDone, events[2].Kind)
}

func TestCancelAndWait_SignalsWithinDeadline(t *testing.T) {
	closed := make(chan struct{})
	go func() { close(closed) }()
	err := CancelAndWait(func() {}, closed, 200*time.Millisecond)
	assert.NoError(t, err)
}

func TestCancelAndWait_TimesOut(t *testing.T) {
	closed := make(chan struct{})
	err := CancelAndWait(func() {}, closed, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrHardCancelTimeout)
}
