package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viant/minichat/internal/model"
	"github.com/viant/minichat/internal/orchestrator"
)

type fakeSource struct {
	turns []model.ChatTurn
}

func (f *fakeSource) OrphansOlderThan(ctx context.Context, cutoff time.Time) ([]model.ChatTurn, error) {
	return f.turns, nil
}

type fakeIdentities struct{}

func (fakeIdentities) Lookup(ctx context.Context, t model.ChatTurn) (orchestrator.Identifiers, ReserveAndEstimate, error) {
	return orchestrator.Identifiers{TenantID: "t1", UserID: "u1", Tier: "standard"}, ReserveAndEstimate{ReserveTokens: 100, EstimatedInputTokens: 40}, nil
}

type fakeFinalizer struct {
	mu    sync.Mutex
	calls []orchestrator.FinalizeOutcome
}

func (f *fakeFinalizer) FinalizeTurn(ctx context.Context, chatID, turnID string, reserveTokens, estimatedInputTokens int64, outcome orchestrator.FinalizeOutcome, ids orchestrator.Identifiers) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, outcome)
	return nil
}

func (f *fakeFinalizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestSweep_FinalizesEachOrphanAsFailed(t *testing.T) {
	source := &fakeSource{turns: []model.ChatTurn{
		{ID: "turn-1", ChatID: "chat-1"},
		{ID: "turn-2", ChatID: "chat-1"},
	}}
	fin := &fakeFinalizer{}

	err := sweep(context.Background(), source, fin, fakeIdentities{}, 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, fin.callCount())
	for _, outcome := range fin.calls {
		assert.Equal(t, model.TurnFailed, outcome.State)
		assert.Equal(t, "orphan_timeout", outcome.ErrorCode)
	}
}

type erroringIdentities struct{}

func (erroringIdentities) Lookup(ctx context.Context, t model.ChatTurn) (orchestrator.Identifiers, ReserveAndEstimate, error) {
	return orchestrator.Identifiers{}, ReserveAndEstimate{}, errors.New("identity lookup failed")
}

func TestSweep_ContinuesPastPerTurnLookupError(t *testing.T) {
	source := &fakeSource{turns: []model.ChatTurn{
		{ID: "turn-1", ChatID: "chat-1"},
		{ID: "turn-2", ChatID: "chat-1"},
	}}
	fin := &fakeFinalizer{}

	err := sweep(context.Background(), source, fin, erroringIdentities{}, 5*time.Minute)
	require.Error(t, err)
	assert.Equal(t, 0, fin.callCount())
}

func TestStart_NilDependenciesReturnsNilWatchdog(t *testing.T) {
	assert.Nil(t, Start(context.Background(), nil, &fakeFinalizer{}, fakeIdentities{}, time.Second, time.Minute))
	assert.Nil(t, Start(context.Background(), &fakeSource{}, nil, fakeIdentities{}, time.Second, time.Minute))
	assert.Nil(t, Start(context.Background(), &fakeSource{}, &fakeFinalizer{}, nil, time.Second, time.Minute))
}

func TestStart_RunsInitialSweepThenStops(t *testing.T) {
	source := &fakeSource{turns: []model.ChatTurn{{ID: "turn-1", ChatID: "chat-1"}}}
	fin := &fakeFinalizer{}

	wd := Start(context.Background(), source, fin, fakeIdentities{}, time.Hour, 5*time.Minute)
	require.NotNil(t, wd)
	defer wd.Stop()

	// The initial sweep fires 2s after Start.
	assert.Eventually(t, func() bool {
		return fin.callCount() >= 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStop_SafeOnNilAndDouble(t *testing.T) {
	var wd *Watchdog
	wd.Stop()

	wd = Start(context.Background(), &fakeSource{}, &fakeFinalizer{}, fakeIdentities{}, time.Minute, time.Minute)
	wd.Stop()
	wd.Stop()
}
