// Package turn implements the Turn Store: CAS-guarded persistence of
// chat_turns rows. A turn moves from running to exactly one terminal state;
// the transition is enforced by a conditional UPDATE rather than by
// application-level locking, mirroring the lease-claim pattern used by the
// scheduler's run-lease handlers in the teacher repository.
package turn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/viant/minichat/internal/model"
	"github.com/viant/minichat/internal/sqlstore"
)

// ErrConflict is returned by CreateRunning when a turn already exists for the
// (chat_id, request_id) pair, and by FinalizeCAS when the row is no longer in
// the running state the caller expected.
var ErrConflict = errors.New("turn: conflict")

// ErrNotFound is returned when a turn id does not resolve to a row.
var ErrNotFound = errors.New("turn: not found")

// Store persists ChatTurn rows.
type Store struct {
	db      *sql.DB
	loadSF  singleflight.Group
}

// New returns a Store backed by db. Callers must have already applied
// sqlstore.Migrate.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateRunning inserts a new chat_turns row in the running state. It is the
// only way a turn comes into existence; spec.md forbids inserting a row for
// pre-reserve failures, so ReserveTokens is always known by this point.
func (s *Store) CreateRunning(ctx context.Context, t model.ChatTurn) (model.ChatTurn, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.State = model.TurnRunning
	t.StartedAt = now
	t.UpdatedAt = now

	var reserve interface{}
	if t.ReserveTokens != nil {
		reserve = *t.ReserveTokens
	}

	const stmt = `
INSERT INTO chat_turns (
  id, chat_id, request_id, requester_type, requester_user_id, state,
  reserve_tokens, assistant_message_id, error_code, provider_response_id,
  effective_model, quota_decision, downgrade_from, downgrade_reason,
  started_at, completed_at, updated_at, deleted_at, replaced_by_turn_id
) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, '', '', ?, ?, ?, ?, ?, NULL, ?, NULL, NULL)
`
	_, err := s.db.ExecContext(ctx, stmt,
		t.ID, t.ChatID, t.RequestID, string(t.RequesterType), t.RequesterUserID, string(t.State),
		reserve, t.EffectiveModel, t.QuotaDecision, t.DowngradeFrom, t.DowngradeReason,
		fmtTime(t.StartedAt), fmtTime(t.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ChatTurn{}, fmt.Errorf("%w: chat_id=%s request_id=%s", ErrConflict, t.ChatID, t.RequestID)
		}
		return model.ChatTurn{}, fmt.Errorf("turn: create running: %w", err)
	}
	return t, nil
}

// FinalizeCAS transitions a turn from running to a terminal state in a single
// conditional UPDATE. Only the first caller to run this for a given turn id
// wins; later callers observe ErrConflict (rows_affected == 0), which is the
// mechanism spec.md relies on for "exactly one settlement, whoever gets there
// first".
//
// exec is normally a *sql.Tx shared with the assistant-message insert, the
// quota commit, and the outbox insert the caller (orchestrator.FinalizeTurn)
// runs in the same transaction (spec §4.5 "FinalizeTurn... atomic DB
// transaction"): this method never opens its own transaction or touches
// s.db, so its effects only become durable when the caller commits that
// *sql.Tx.
func (s *Store) FinalizeCAS(ctx context.Context, exec sqlstore.Execer, turnID string, next model.TurnState, fields FinalizeFields) error {
	if !next.Terminal() {
		return fmt.Errorf("turn: finalize: %q is not a terminal state", next)
	}
	now := time.Now().UTC()

	var assistantMsgID interface{}
	if fields.AssistantMessageID != nil {
		assistantMsgID = *fields.AssistantMessageID
	}

	const stmt = `
UPDATE chat_turns
SET state = ?, assistant_message_id = ?, error_code = ?, provider_response_id = ?,
    completed_at = ?, updated_at = ?
WHERE id = ? AND state = 'running'
`
	res, err := exec.ExecContext(ctx, stmt,
		string(next), assistantMsgID, fields.ErrorCode, fields.ProviderResponseID,
		fmtTime(now), fmtTime(now), turnID,
	)
	if err != nil {
		return fmt.Errorf("turn: finalize cas: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("turn: finalize cas: %w", err)
	}
	if affected == 0 {
		// Either already finalized by another caller, or the id does not exist.
		// Both collapse to ErrConflict: the caller's job (settle exactly once)
		// is already done, by someone.
		return fmt.Errorf("%w: turn_id=%s", ErrConflict, turnID)
	}
	return nil
}

// FinalizeFields carries the terminal-state details FinalizeCAS writes.
type FinalizeFields struct {
	AssistantMessageID *string
	ErrorCode          string
	ProviderResponseID string
}

// Load fetches a turn by id.
func (s *Store) Load(ctx context.Context, turnID string) (model.ChatTurn, error) {
	return s.scanOne(ctx, `SELECT `+turnColumns+` FROM chat_turns WHERE id = ?`, turnID)
}

// LoadByRequest fetches a turn by its idempotency key (chat_id, request_id),
// deduplicating concurrent lookups for the same key onto a single query via
// singleflight — grounded on the auth resolver's broker-dedupe pattern.
func (s *Store) LoadByRequest(ctx context.Context, chatID, requestID string) (model.ChatTurn, error) {
	key := chatID + "/" + requestID
	v, err, _ := s.loadSF.Do(key, func() (interface{}, error) {
		t, err := s.scanOne(ctx, `SELECT `+turnColumns+` FROM chat_turns WHERE chat_id = ? AND request_id = ?`, chatID, requestID)
		if err != nil {
			return nil, err
		}
		return t, nil
	})
	if err != nil {
		return model.ChatTurn{}, err
	}
	return v.(model.ChatTurn), nil
}

// RunningForChat returns the currently running turn for a chat, if any. The
// orchestrator uses this to reject a second concurrent turn with a
// diagnosable conflict instead of a bare 409.
func (s *Store) RunningForChat(ctx context.Context, chatID string) (model.ChatTurn, bool, error) {
	t, err := s.scanOne(ctx, `SELECT `+turnColumns+` FROM chat_turns WHERE chat_id = ? AND state = 'running' ORDER BY started_at DESC LIMIT 1`, chatID)
	if errors.Is(err, ErrNotFound) {
		return model.ChatTurn{}, false, nil
	}
	if err != nil {
		return model.ChatTurn{}, false, err
	}
	return t, true, nil
}

// OrphansOlderThan returns running turns started before cutoff, the set the
// Orphan Watchdog reconciles.
func (s *Store) OrphansOlderThan(ctx context.Context, cutoff time.Time) ([]model.ChatTurn, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+turnColumns+` FROM chat_turns WHERE state = 'running' AND started_at < ?`, fmtTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("turn: orphans: %w", err)
	}
	defer rows.Close()

	var out []model.ChatTurn
	for rows.Next() {
		t, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("turn: orphans: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const turnColumns = `id, chat_id, request_id, requester_type, requester_user_id, state,
  reserve_tokens, assistant_message_id, error_code, provider_response_id,
  effective_model, quota_decision, downgrade_from, downgrade_reason,
  started_at, completed_at, updated_at, deleted_at, replaced_by_turn_id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanOne(ctx context.Context, query string, args ...interface{}) (model.ChatTurn, error) {
	row := s.db.QueryRowContext(ctx, query, args...)
	t, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ChatTurn{}, ErrNotFound
	}
	if err != nil {
		return model.ChatTurn{}, fmt.Errorf("turn: load: %w", err)
	}
	return t, nil
}

func scanRow(r rowScanner) (model.ChatTurn, error) {
	var (
		t                              model.ChatTurn
		requesterType, state           string
		reserveTokens                  sql.NullInt64
		assistantMsgID                 sql.NullString
		startedAt, updatedAt           string
		completedAt, deletedAt         sql.NullString
		replacedBy                     sql.NullString
	)
	if err := r.Scan(
		&t.ID, &t.ChatID, &t.RequestID, &requesterType, &t.RequesterUserID, &state,
		&reserveTokens, &assistantMsgID, &t.ErrorCode, &t.ProviderRespID,
		&t.EffectiveModel, &t.QuotaDecision, &t.DowngradeFrom, &t.DowngradeReason,
		&startedAt, &completedAt, &updatedAt, &deletedAt, &replacedBy,
	); err != nil {
		return model.ChatTurn{}, err
	}
	t.RequesterType = model.RequesterType(requesterType)
	t.State = model.TurnState(state)
	if reserveTokens.Valid {
		v := reserveTokens.Int64
		t.ReserveTokens = &v
	}
	if assistantMsgID.Valid {
		v := assistantMsgID.String
		t.AssistantMsgID = &v
	}
	if replacedBy.Valid {
		v := replacedBy.String
		t.ReplacedByTurnID = &v
	}
	var err error
	if t.StartedAt, err = parseTime(startedAt); err != nil {
		return model.ChatTurn{}, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.ChatTurn{}, err
	}
	if completedAt.Valid {
		ct, err := parseTime(completedAt.String)
		if err != nil {
			return model.ChatTurn{}, err
		}
		t.CompletedAt = &ct
	}
	if deletedAt.Valid {
		dt, err := parseTime(deletedAt.String)
		if err != nil {
			return model.ChatTurn{}, err
		}
		t.SoftDeletedAt = &dt
	}
	return t, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqlstore.TimeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(sqlstore.TimeLayout, s)
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	for _, sub := range []string{"UNIQUE constraint failed", "Duplicate entry", "unique constraint"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}
