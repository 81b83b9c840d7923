// Package quota implements the Quota Engine: tier cascade resolution,
// two-phase credit reservation, atomic commit, and the deterministic
// reconciliation formulas of spec §4.2. Counters are shaped after the
// teacher's usage.Aggregator (genai/usage/usage.go), generalized here from an
// in-process per-model map to durable per-(tenant,user,period,tier) rows.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/viant/minichat/internal/sqlstore"
)

// ErrExhausted is returned by Preflight when every tier in the cascade is
// unavailable.
var ErrExhausted = errors.New("quota: exhausted")

// ErrWebSearchExhausted is a distinguished exhaustion reason carrying its own
// client-facing scope (spec §4.2 "web-search exhaustion emits quota_exceeded
// with scope=web_search").
var ErrWebSearchExhausted = errors.New("quota: web_search exhausted")

// Tier is a quota/billing tier. The cascade order is fixed: premium first.
type Tier string

const (
	TierPremium  Tier = "premium"
	TierStandard Tier = "standard"
)

// Cascade is the fixed tier evaluation order from spec §4.2.
var Cascade = []Tier{TierPremium, TierStandard}

// DefaultMinimalGenerationFloor is the configured constant added to estimated
// input tokens when reconciling aborted/failed turns without provider usage
// (spec §4.2, §GLOSSARY "Minimal generation floor"). It also applies to
// cancellations that land before the first streamed token (spec §9 Open
// Questions, resolved symmetrically here).
const DefaultMinimalGenerationFloor = 50

// ModelCatalogEntry is the subset of model-catalog data the cascade needs.
// The catalog itself is out of scope (spec §1); callers supply entries
// already filtered to "enabled" and ordered per catalog order.
type ModelCatalogEntry struct {
	Name         string
	Tier         Tier
	Default      bool
	Multiplier   float64
	ContextWindow int
}

// KillSwitches reports whether a tier or feature has been disabled by
// operator action (spec §GLOSSARY "Kill switch"). A nil value is treated as
// "nothing disabled".
type KillSwitches struct {
	DisabledTiers     map[Tier]bool
	DisableWebSearch  bool
}

func (k *KillSwitches) tierDisabled(t Tier) bool {
	if k == nil || k.DisabledTiers == nil {
		return false
	}
	return k.DisabledTiers[t]
}

// PreflightRequest bundles the cascade inputs.
type PreflightRequest struct {
	TenantID            string
	UserID              string
	EstimatedInputTokens int64
	MaxOutputTokens      int64
	Catalog              []ModelCatalogEntry
	KillSwitches         *KillSwitches
	Now                  time.Time
}

// PreflightResult is what the orchestrator persists onto the running turn.
type PreflightResult struct {
	EffectiveModel  string
	SelectedTier    Tier
	ReserveCredits  int64
	ReserveTokens   int64
	QuotaDecision   string // "allow" | "downgrade"
	DowngradeFrom   string
	DowngradeReason string
}

// Engine resolves tiers and persists quota_usage rows.
type Engine struct {
	db *sql.DB
	// NegativeFloor is the configured negative-remaining threshold at or below
	// which a tier is treated as exhausted for subsequent preflights, even though the
	// row itself is allowed to overshoot once (spec §4.2 "Commit semantics").
	NegativeFloor int64
	// Limits optionally bounds credits per (tier, period type). Nil means
	// unbounded, matching a deployment where quota caps are sourced from
	// external config this module doesn't own (spec §1 "deployment config").
	Limits map[limitKey]int64
}

// New returns an Engine backed by db.
func New(db *sql.DB) *Engine {
	return &Engine{db: db}
}

// Preflight resolves the cascade and reserves credits for the winning tier.
// The selectedModel parameter is the chat's immutable selected model; it is
// only used to detect whether the winning tier's effective model differs
// from it (quota_decision=downgrade).
func (e *Engine) Preflight(ctx context.Context, req PreflightRequest, selectedModel string) (PreflightResult, error) {
	for _, tier := range Cascade {
		if req.KillSwitches.tierDisabled(tier) {
			continue
		}
		entry, ok := pickCatalogEntry(req.Catalog, tier)
		if !ok {
			continue
		}
		available, err := e.tierAvailable(ctx, req.TenantID, req.UserID, tier, req.Now)
		if err != nil {
			return PreflightResult{}, err
		}
		if !available {
			continue
		}

		reserveTokens := req.EstimatedInputTokens + req.MaxOutputTokens
		reserveCredits := int64(float64(reserveTokens) * entry.Multiplier)

		result := PreflightResult{
			EffectiveModel: entry.Name,
			SelectedTier:   tier,
			ReserveCredits: reserveCredits,
			ReserveTokens:  reserveTokens,
			QuotaDecision:  "allow",
		}
		if entry.Name != selectedModel {
			result.QuotaDecision = "downgrade"
			result.DowngradeFrom = selectedModel
			result.DowngradeReason = downgradeReason(tier)
		}
		return result, nil
	}
	return PreflightResult{}, ErrExhausted
}

func downgradeReason(wonTier Tier) string {
	if wonTier == TierStandard {
		return "premium_quota_exhausted"
	}
	return "tier_unavailable"
}

func pickCatalogEntry(catalog []ModelCatalogEntry, tier Tier) (ModelCatalogEntry, bool) {
	var firstEnabled *ModelCatalogEntry
	for i := range catalog {
		e := catalog[i]
		if e.Tier != tier {
			continue
		}
		if e.Default {
			return e, true
		}
		if firstEnabled == nil {
			firstEnabled = &catalog[i]
		}
	}
	if firstEnabled != nil {
		return *firstEnabled, true
	}
	return ModelCatalogEntry{}, false
}

// tierAvailable reports whether every enabled period (daily, monthly) still
// has remaining credits for this tier, per spec §4.2.
func (e *Engine) tierAvailable(ctx context.Context, tenantID, userID string, tier Tier, now time.Time) (bool, error) {
	for _, period := range []struct {
		typ   string
		start time.Time
	}{
		{"daily", startOfDay(now)},
		{"monthly", startOfMonth(now)},
	} {
		row, err := e.loadUsage(ctx, tenantID, userID, period.typ, period.start, tier)
		if err != nil {
			return false, err
		}
		limit, ok := e.limitFor(tier, period.typ)
		if !ok {
			continue
		}
		remaining := limit - row.creditsUsed
		if remaining <= e.NegativeFloor {
			return false, nil
		}
	}
	return true, nil
}

// limitFor is a placeholder hook: deployment-config credit caps are out of
// scope for this module (spec §1 "deployment config"). Tests and callers
// inject limits via Engine.Limits; without any configured limit the tier is
// treated as unbounded (available).
func (e *Engine) limitFor(tier Tier, periodType string) (int64, bool) {
	if e.Limits == nil {
		return 0, false
	}
	v, ok := e.Limits[limitKey{tier, periodType}]
	return v, ok
}

type limitKey struct {
	tier       Tier
	periodType string
}

// SetLimit configures the credit cap for (tier, periodType). periodType is
// "daily" or "monthly".
func (e *Engine) SetLimit(tier Tier, periodType string, credits int64) {
	if e.Limits == nil {
		e.Limits = map[limitKey]int64{}
	}
	e.Limits[limitKey{tier, periodType}] = credits
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

type usageRow struct {
	creditsUsed     int64
	inputTokens     int64
	outputTokens    int64
	imageInputs     int64
	imageUploadByte int64
	fileSearch      int64
	webSearch       int64
}

func (e *Engine) loadUsage(ctx context.Context, tenantID, userID, periodType string, periodStart time.Time, tier Tier) (usageRow, error) {
	const q = `
SELECT credits_used, input_tokens, output_tokens, image_inputs, image_upload_bytes, file_search_calls, web_search_calls
FROM quota_usage
WHERE tenant_id = ? AND user_id = ? AND period_type = ? AND period_start = ? AND tier = ?
`
	var r usageRow
	err := e.db.QueryRowContext(ctx, q, tenantID, userID, periodType, fmtTime(periodStart), string(tier)).Scan(
		&r.creditsUsed, &r.inputTokens, &r.outputTokens, &r.imageInputs, &r.imageUploadByte, &r.fileSearch, &r.webSearch,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return usageRow{}, nil
	}
	if err != nil {
		return usageRow{}, fmt.Errorf("quota: load usage: %w", err)
	}
	return r, nil
}

// Delta is the atomic increment applied to a quota_usage row.
type Delta struct {
	CreditsUsed     int64
	InputTokens     int64
	OutputTokens    int64
	ImageInputs     int64
	ImageUploadByte int64
	FileSearchCalls int64
	WebSearchCalls  int64
}

// Commit applies delta atomically to the (tenant, user, period, tier) row for
// both the daily and monthly windows, creating the rows if absent. This is
// the sole write path for settling a turn's usage (spec §4.2 "Commit
// semantics" — overshoot is committed in full, never retroactively
// cancelled).
//
// exec is normally a *sql.Tx shared with the CAS update, the assistant-
// message insert, and the outbox insert the caller (orchestrator.FinalizeTurn)
// runs in the same transaction (spec §4.5 "FinalizeTurn... atomic DB
// transaction"): Commit never opens its own transaction or touches e.db.
func (e *Engine) Commit(ctx context.Context, exec sqlstore.Execer, tenantID, userID string, tier Tier, now time.Time, delta Delta) error {
	for _, period := range []struct {
		typ   string
		start time.Time
	}{
		{"daily", startOfDay(now)},
		{"monthly", startOfMonth(now)},
	} {
		if err := e.upsertDelta(ctx, exec, tenantID, userID, period.typ, period.start, tier, delta, now); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) upsertDelta(ctx context.Context, exec sqlstore.Execer, tenantID, userID, periodType string, periodStart time.Time, tier Tier, d Delta, now time.Time) error {
	const update = `
UPDATE quota_usage
SET credits_used = credits_used + ?,
    input_tokens = input_tokens + ?,
    output_tokens = output_tokens + ?,
    image_inputs = image_inputs + ?,
    image_upload_bytes = image_upload_bytes + ?,
    file_search_calls = file_search_calls + ?,
    web_search_calls = web_search_calls + ?,
    updated_at = ?
WHERE tenant_id = ? AND user_id = ? AND period_type = ? AND period_start = ? AND tier = ?
`
	res, err := exec.ExecContext(ctx, update,
		d.CreditsUsed, d.InputTokens, d.OutputTokens, d.ImageInputs, d.ImageUploadByte, d.FileSearchCalls, d.WebSearchCalls,
		fmtTime(now),
		tenantID, userID, periodType, fmtTime(periodStart), string(tier),
	)
	if err != nil {
		return fmt.Errorf("quota: commit: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}

	const insert = `
INSERT INTO quota_usage (
  tenant_id, user_id, period_type, period_start, tier,
  input_tokens, output_tokens, credits_used, image_inputs, image_upload_bytes,
  file_search_calls, web_search_calls, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`
	_, err = exec.ExecContext(ctx, insert,
		tenantID, userID, periodType, fmtTime(periodStart), string(tier),
		d.InputTokens, d.OutputTokens, d.CreditsUsed, d.ImageInputs, d.ImageUploadByte,
		d.FileSearchCalls, d.WebSearchCalls, fmtTime(now),
	)
	if err != nil {
		// Lost a race to insert the row; the winner's row now exists, retry as update.
		if isUniqueViolation(err) {
			_, uerr := exec.ExecContext(ctx, update,
				d.CreditsUsed, d.InputTokens, d.OutputTokens, d.ImageInputs, d.ImageUploadByte, d.FileSearchCalls, d.WebSearchCalls,
				fmtTime(now),
				tenantID, userID, periodType, fmtTime(periodStart), string(tier),
			)
			if uerr != nil {
				return fmt.Errorf("quota: commit retry: %w", uerr)
			}
			return nil
		}
		return fmt.Errorf("quota: commit insert: %w", err)
	}
	return nil
}

// ReconcileOutcome enumerates the finalization outcomes that drive the
// settlement formula (spec §4.2 "Reconciliation formulas").
type ReconcileOutcome string

const (
	OutcomeCompleted            ReconcileOutcome = "completed"
	OutcomeAbortedNoUsage        ReconcileOutcome = "aborted_no_usage"
	OutcomePreReserveFailure     ReconcileOutcome = "pre_reserve_failure"
	OutcomePostReservePreProvider ReconcileOutcome = "post_reserve_pre_provider"
)

// Settlement is the charged_tokens + settlement_method pair the orchestrator
// writes to the outbox payload.
type Settlement struct {
	ChargedTokens    int64
	SettlementMethod string // "actual" | "estimated" | "released"
}

// Reconcile implements the four reconciliation formulas of spec §4.2/§4.6.
// actualInputTokens/actualOutputTokens are only meaningful for
// OutcomeCompleted; minimalGenerationFloor defaults to
// DefaultMinimalGenerationFloor when zero.
func Reconcile(outcome ReconcileOutcome, reserveTokens, estimatedInputTokens, actualInputTokens, actualOutputTokens, minimalGenerationFloor int64) Settlement {
	if minimalGenerationFloor <= 0 {
		minimalGenerationFloor = DefaultMinimalGenerationFloor
	}
	switch outcome {
	case OutcomeCompleted:
		return Settlement{ChargedTokens: actualInputTokens + actualOutputTokens, SettlementMethod: "actual"}
	case OutcomeAbortedNoUsage:
		charged := estimatedInputTokens + minimalGenerationFloor
		if charged > reserveTokens {
			charged = reserveTokens
		}
		return Settlement{ChargedTokens: charged, SettlementMethod: "estimated"}
	case OutcomePreReserveFailure:
		return Settlement{ChargedTokens: 0, SettlementMethod: ""}
	case OutcomePostReservePreProvider:
		return Settlement{ChargedTokens: 0, SettlementMethod: "released"}
	default:
		return Settlement{ChargedTokens: 0, SettlementMethod: ""}
	}
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqlstore.TimeLayout)
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
