// Package outbox implements the transactional outbox: synchronous insert
// within the finalization transaction, and a claim-based dispatcher with
// lease expiry and exponential backoff for at-least-once delivery to the
// billing consumer (spec §4.3). The claim/release SQL shape is grounded
// directly on the scheduler's run-lease handlers
// (pkg/agently/scheduler/run/lease/{claim,release}.go in the teacher
// repository): a conditional UPDATE guards the lease, and a processing row
// is claimable again only once its lease has expired, whichever dispatcher
// held it.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/viant/minichat/internal/model"
	"github.com/viant/minichat/internal/sqlstore"
)

// ErrAlreadyEmitted is returned by Insert when the (namespace, topic,
// dedupe_key) unique index already has a row; callers treat this as success
// (spec §4.3 "duplicate-insert errors are treated as already emitted").
var ErrAlreadyEmitted = errors.New("outbox: already emitted")

// Store is the synchronous insert side of the outbox.
type Store struct {
	db *sql.DB
}

// New returns a Store backed by db.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert writes an outbox row within the caller's transaction-equivalent
// call. It must be invoked inside the same finalization transaction as the
// CAS update (spec §4.5 step e); this package does not itself manage
// transactions, it is handed a *sql.DB or *sql.Tx-shaped executor.
func (s *Store) Insert(ctx context.Context, exec Execer, namespace, topic, dedupeKey string, payload model.OutboxPayload) (model.OutboxEvent, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return model.OutboxEvent{}, fmt.Errorf("outbox: marshal payload: %w", err)
	}
	now := time.Now().UTC()
	ev := model.OutboxEvent{
		ID:            uuid.New().String(),
		Namespace:     namespace,
		Topic:         topic,
		DedupeKey:     dedupeKey,
		Payload:       payload,
		Status:        model.OutboxPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	const stmt = `
INSERT INTO outbox_events (
  id, namespace, topic, dedupe_key, payload, status, attempts,
  next_attempt_at, locked_by, locked_until, last_error, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, NULL, NULL, '', ?, ?)
`
	_, err = exec.ExecContext(ctx, stmt, ev.ID, namespace, topic, dedupeKey, string(buf), fmtTime(now), fmtTime(now), fmtTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return model.OutboxEvent{}, ErrAlreadyEmitted
		}
		return model.OutboxEvent{}, fmt.Errorf("outbox: insert: %w", err)
	}
	return ev, nil
}

// Execer is satisfied by both *sql.DB and *sql.Tx; it is an alias of
// sqlstore.Execer so every storage-facing package (turn, quota, outbox)
// shares one definition of "the handle FinalizeTurn can thread a *sql.Tx
// through".
type Execer = sqlstore.Execer

// Consumer delivers a claimed event to the downstream billing system.
type Consumer interface {
	Deliver(ctx context.Context, ev model.OutboxEvent) error
}

// Dispatcher is the background claim/publish loop. Safe to run from multiple
// instances concurrently: claims are exclusive via the conditional UPDATE.
type Dispatcher struct {
	db         *sql.DB
	consumer   Consumer
	OwnerID    string
	BatchSize  int
	LeaseWindow time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
}

// NewDispatcher returns a Dispatcher. ownerID (e.g. hostname+pid) is written
// to locked_by on every row this dispatcher claims; claiming does not compare
// it against an existing locked_by.
func NewDispatcher(db *sql.DB, consumer Consumer, ownerID string) *Dispatcher {
	return &Dispatcher{
		db:          db,
		consumer:    consumer,
		OwnerID:     ownerID,
		BatchSize:   50,
		LeaseWindow: 30 * time.Second,
		BaseBackoff: time.Second,
		MaxBackoff:  5 * time.Minute,
		MaxAttempts: 8,
	}
}

// Claim selects up to BatchSize due rows and leases them to this dispatcher:
// pending rows whose next_attempt_at has passed, and processing rows whose
// lease has expired regardless of which owner held them (the lease-expiry
// self-heal).
func (d *Dispatcher) Claim(ctx context.Context) ([]model.OutboxEvent, error) {
	now := time.Now().UTC()
	leaseUntil := now.Add(d.LeaseWindow)

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
SELECT id FROM outbox_events
WHERE (status = 'pending' AND next_attempt_at <= ?)
   OR (status = 'processing' AND locked_until < ?)
ORDER BY next_attempt_at ASC
LIMIT ?
`, fmtTime(now), fmtTime(now), d.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim select: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("outbox: claim scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []model.OutboxEvent
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `
UPDATE outbox_events
SET status = 'processing', locked_by = ?, locked_until = ?, attempts = attempts + 1, updated_at = ?
WHERE id = ? AND (status = 'pending' OR (status = 'processing' AND locked_until < ?))
`, d.OwnerID, fmtTime(leaseUntil), fmtTime(now), id, fmtTime(now))
		if err != nil {
			return nil, fmt.Errorf("outbox: claim update: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			continue // lost the race to another dispatcher
		}
		ev, err := d.loadTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, ev)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("outbox: claim commit: %w", err)
	}
	return claimed, nil
}

// RunOnce claims a batch and publishes each event, advancing its status
// according to delivery outcome (spec §4.3 steps 2-4).
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	claimed, err := d.Claim(ctx)
	if err != nil {
		return err
	}
	for _, ev := range claimed {
		if err := d.consumer.Deliver(ctx, ev); err != nil {
			if derr := d.fail(ctx, ev, err); derr != nil {
				return derr
			}
			continue
		}
		if err := d.succeed(ctx, ev.ID); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) succeed(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE outbox_events SET status = 'delivered', updated_at = ? WHERE id = ?`, fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("outbox: mark delivered: %w", err)
	}
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, ev model.OutboxEvent, publishErr error) error {
	now := time.Now().UTC()
	if ev.Attempts >= d.MaxAttempts {
		_, err := d.db.ExecContext(ctx, `
UPDATE outbox_events SET status = 'dead', last_error = ?, updated_at = ? WHERE id = ?
`, sanitize(publishErr.Error()), fmtTime(now), ev.ID)
		if err != nil {
			return fmt.Errorf("outbox: dead-letter: %w", err)
		}
		return nil
	}
	backoff := backoffFor(ev.Attempts, d.BaseBackoff, d.MaxBackoff)
	_, err := d.db.ExecContext(ctx, `
UPDATE outbox_events
SET status = 'pending', locked_by = NULL, locked_until = NULL, next_attempt_at = ?, last_error = ?, updated_at = ?
WHERE id = ?
`, fmtTime(now.Add(backoff)), sanitize(publishErr.Error()), fmtTime(now), ev.ID)
	if err != nil {
		return fmt.Errorf("outbox: retry schedule: %w", err)
	}
	return nil
}

func backoffFor(attempts int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d > max {
			return max
		}
	}
	return d
}

// sanitize strips content that must never reach a stored error message:
// provider identifiers are never present in outbox payloads by construction,
// but delivery errors can echo arbitrary downstream text, so this keeps only
// a bounded prefix.
func sanitize(msg string) string {
	const maxLen = 500
	if len(msg) > maxLen {
		return msg[:maxLen]
	}
	return msg
}

func (d *Dispatcher) loadTx(ctx context.Context, tx *sql.Tx, id string) (model.OutboxEvent, error) {
	const q = `
SELECT id, namespace, topic, dedupe_key, payload, status, attempts, next_attempt_at, locked_by, locked_until, last_error, created_at, updated_at
FROM outbox_events WHERE id = ?
`
	var (
		ev                        model.OutboxEvent
		status, payloadJSON       string
		nextAttemptAt             string
		lockedBy, lockedUntil     sql.NullString
		lastError                 string
		createdAt, updatedAt      string
	)
	row := tx.QueryRowContext(ctx, q, id)
	if err := row.Scan(&ev.ID, &ev.Namespace, &ev.Topic, &ev.DedupeKey, &payloadJSON, &status, &ev.Attempts,
		&nextAttemptAt, &lockedBy, &lockedUntil, &lastError, &createdAt, &updatedAt); err != nil {
		return model.OutboxEvent{}, fmt.Errorf("outbox: load: %w", err)
	}
	ev.Status = model.OutboxStatus(status)
	ev.LastError = lastError
	if lockedBy.Valid {
		ev.LockedBy = lockedBy.String
	}
	if err := json.Unmarshal([]byte(payloadJSON), &ev.Payload); err != nil {
		return model.OutboxEvent{}, fmt.Errorf("outbox: unmarshal payload: %w", err)
	}
	var err error
	if ev.NextAttemptAt, err = parseTime(nextAttemptAt); err != nil {
		return model.OutboxEvent{}, err
	}
	if ev.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.OutboxEvent{}, err
	}
	if ev.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.OutboxEvent{}, err
	}
	if lockedUntil.Valid {
		lu, err := parseTime(lockedUntil.String)
		if err != nil {
			return model.OutboxEvent{}, err
		}
		ev.LockedUntil = &lu
	}
	return ev, nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(sqlstore.TimeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(sqlstore.TimeLayout, s) }

func isUniqueViolation(err error) bool {
	msg := err.Error()
	for _, sub := range []string{"UNIQUE constraint failed", "Duplicate entry", "unique constraint"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}
