// Package watchdog implements the Orphan Watchdog: a ticker-driven
// background reconciler that finds chat_turns stuck in state=running past
// the orphan timeout and finalizes them as failed (spec §4.6). The
// ticker+initial-timer goroutine shape, including the buffered Errors
// channel and the idempotent Stop, is adapted directly from the teacher's
// scheduler watchdog (internal/service/scheduler/watchdog.go), with
// client.RunDue(ctx) replaced by a per-orphan finalize call into the Turn
// Orchestrator.
package watchdog

import (
	"context"
	"time"

	"github.com/viant/minichat/internal/model"
	"github.com/viant/minichat/internal/orchestrator"
	"github.com/viant/minichat/internal/quota"
)

// OrphanSource lists turns that have been running longer than allowed. The
// Turn Store's OrphansOlderThan satisfies this directly.
type OrphanSource interface {
	OrphansOlderThan(ctx context.Context, cutoff time.Time) ([]model.ChatTurn, error)
}

// Finalizer is the narrow slice of the Turn Orchestrator the watchdog
// depends on. *orchestrator.Service satisfies this as-is; the watchdog
// never needs the rest of the orchestrator's per-request algorithm, only
// the ability to drive a turn to a terminal state. Mirrors the teacher's
// schapi.Client parameter to StartWatchdog: a narrow capability interface,
// not a concrete type the watchdog constructs itself.
type Finalizer interface {
	FinalizeTurn(ctx context.Context, chatID, turnID string, reserveTokens, estimatedInputTokens int64, outcome orchestrator.FinalizeOutcome, ids orchestrator.Identifiers) error
}

// IdentityLookup resolves the billing identity (tenant, user, tier) and the
// reserve/estimated-token accounting an orphaned turn needs for
// reconciliation, since chat_turns alone doesn't carry tenant/tier — those
// live on the owning chat and on the quota reservation made at turn-insert
// time. Callers normally back this with a small join over chats + the
// turn's own reserve_tokens column.
type IdentityLookup interface {
	Lookup(ctx context.Context, t model.ChatTurn) (orchestrator.Identifiers, ReserveAndEstimate, error)
}

// ReserveAndEstimate carries the two token figures FinalizeTurn's
// reconciliation formula needs beyond what's on the ChatTurn row itself.
type ReserveAndEstimate struct {
	ReserveTokens        int64
	EstimatedInputTokens int64
}

// Watchdog is the background reconciler. Errors is buffered so a slow or
// absent consumer never blocks the tick loop, matching the teacher's
// Errors chan error.
type Watchdog struct {
	stop   context.CancelFunc
	Errors chan error
}

const (
	defaultInterval     = 60 * time.Second
	defaultOrphanWindow = 5 * time.Minute
	errorCodeOrphan     = "orphan_timeout"
)

// Start launches the watchdog loop. interval <= 0 defaults to 60s;
// orphanWindow <= 0 defaults to 5m, both per spec §4.6. Returns nil if
// source, finalizer, or identities is nil, mirroring the teacher's
// nil-client guard in StartWatchdog.
func Start(parent context.Context, source OrphanSource, finalizer Finalizer, identities IdentityLookup, interval, orphanWindow time.Duration) *Watchdog {
	if source == nil || finalizer == nil || identities == nil {
		return nil
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	if orphanWindow <= 0 {
		orphanWindow = defaultOrphanWindow
	}

	ctx, cancel := context.WithCancel(parent)
	wd := &Watchdog{stop: cancel, Errors: make(chan error, 4)}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		// Run once shortly after start rather than waiting a full interval,
		// so orphans left over from a crash are reconciled promptly.
		timer := time.NewTimer(2 * time.Second)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				wd.reportErr(sweep(context.Background(), source, finalizer, identities, orphanWindow))
			case <-ticker.C:
				wd.reportErr(sweep(context.Background(), source, finalizer, identities, orphanWindow))
			}
		}
	}()
	return wd
}

func (w *Watchdog) reportErr(err error) {
	if err == nil {
		return
	}
	select {
	case w.Errors <- err:
	default:
	}
}

// Stop cancels the background loop. Safe to call on a nil Watchdog or more
// than once.
func (w *Watchdog) Stop() {
	if w != nil && w.stop != nil {
		w.stop()
	}
}

// sweep finalizes every turn that has been running past orphanWindow. A
// per-turn lookup or finalize error doesn't stop the sweep: each turn's
// reconciliation is independent, so one bad row shouldn't starve the rest.
func sweep(ctx context.Context, source OrphanSource, finalizer Finalizer, identities IdentityLookup, orphanWindow time.Duration) error {
	cutoff := time.Now().Add(-orphanWindow)
	orphans, err := source.OrphansOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}

	var firstErr error
	for _, t := range orphans {
		ids, re, err := identities.Lookup(ctx, t)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		outcome := orchestrator.FinalizeOutcome{
			State:     model.TurnFailed,
			ErrorCode: errorCodeOrphan,
			Reconcile: quota.OutcomeAbortedNoUsage,
		}
		if err := finalizer.FinalizeTurn(ctx, t.ChatID, t.ID, re.ReserveTokens, re.EstimatedInputTokens, outcome, ids); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
