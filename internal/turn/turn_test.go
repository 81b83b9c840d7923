package turn

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viant/minichat/internal/model"
	"github.com/viant/minichat/internal/sqlstore"
	"github.com/viant/minichat/internal/testkit"
)

func newStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, cleanup := testkit.OpenSQLite(t, "minichat-turn")
	t.Cleanup(cleanup)
	require.NoError(t, sqlstore.Migrate(context.Background(), db))
	return New(db), db
}

func reserve(n int64) *int64 { return &n }

func TestStore_CreateRunning(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	created, err := s.CreateRunning(ctx, model.ChatTurn{
		ChatID:          "chat-1",
		RequestID:       "req-1",
		RequesterType:   model.RequesterUser,
		RequesterUserID: "user-1",
		ReserveTokens:   reserve(500),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, model.TurnRunning, created.State)

	_, err = s.CreateRunning(ctx, model.ChatTurn{
		ChatID:          "chat-1",
		RequestID:       "req-1",
		RequesterType:   model.RequesterUser,
		RequesterUserID: "user-1",
		ReserveTokens:   reserve(500),
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestStore_FinalizeCAS_OnlyFirstWinnerSucceeds(t *testing.T) {
	s, db := newStore(t)
	ctx := context.Background()

	created, err := s.CreateRunning(ctx, model.ChatTurn{
		ChatID:          "chat-1",
		RequestID:       "req-1",
		RequesterType:   model.RequesterUser,
		RequesterUserID: "user-1",
		ReserveTokens:   reserve(500),
	})
	require.NoError(t, err)

	msgID := "msg-1"
	err = s.FinalizeCAS(ctx, db, created.ID, model.TurnCompleted, FinalizeFields{AssistantMessageID: &msgID})
	require.NoError(t, err)

	// A second finalize attempt for the same turn must lose the race.
	err = s.FinalizeCAS(ctx, db, created.ID, model.TurnFailed, FinalizeFields{ErrorCode: "provider_error"})
	assert.ErrorIs(t, err, ErrConflict)

	loaded, err := s.Load(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TurnCompleted, loaded.State)
	require.NotNil(t, loaded.AssistantMsgID)
	assert.Equal(t, msgID, *loaded.AssistantMsgID)
}

func TestStore_FinalizeCAS_UnknownTurn(t *testing.T) {
	s, db := newStore(t)
	err := s.FinalizeCAS(context.Background(), db, "does-not-exist", model.TurnFailed, FinalizeFields{ErrorCode: "x"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestStore_LoadByRequest(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	created, err := s.CreateRunning(ctx, model.ChatTurn{
		ChatID:          "chat-2",
		RequestID:       "req-2",
		RequesterType:   model.RequesterUser,
		RequesterUserID: "user-2",
		ReserveTokens:   reserve(10),
	})
	require.NoError(t, err)

	loaded, err := s.LoadByRequest(ctx, "chat-2", "req-2")
	require.NoError(t, err)
	assert.Equal(t, created.ID, loaded.ID)

	_, err = s.LoadByRequest(ctx, "chat-2", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RunningForChat(t *testing.T) {
	s, db := newStore(t)
	ctx := context.Background()

	_, ok, err := s.RunningForChat(ctx, "chat-3")
	require.NoError(t, err)
	assert.False(t, ok)

	created, err := s.CreateRunning(ctx, model.ChatTurn{
		ChatID:          "chat-3",
		RequestID:       "req-3",
		RequesterType:   model.RequesterUser,
		RequesterUserID: "user-3",
		ReserveTokens:   reserve(10),
	})
	require.NoError(t, err)

	running, ok, err := s.RunningForChat(ctx, "chat-3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, created.ID, running.ID)

	err = s.FinalizeCAS(ctx, db, created.ID, model.TurnCompleted, FinalizeFields{})
	require.NoError(t, err)

	_, ok, err = s.RunningForChat(ctx, "chat-3")
	require.NoError(t, err)
	assert.False(t, ok)
}
