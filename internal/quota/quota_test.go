package quota

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viant/minichat/internal/sqlstore"
	"github.com/viant/minichat/internal/testkit"
)

func newEngine(t *testing.T) (*Engine, *sql.DB) {
	t.Helper()
	db, cleanup := testkit.OpenSQLite(t, "minichat-quota")
	t.Cleanup(cleanup)
	require.NoError(t, sqlstore.Migrate(context.Background(), db))
	return New(db), db
}

var catalog = []ModelCatalogEntry{
	{Name: "gpt-5.2", Tier: TierPremium, Default: true, Multiplier: 1.0},
	{Name: "gpt-5-mini", Tier: TierStandard, Default: true, Multiplier: 0.2},
}

func TestEngine_Preflight_Allow(t *testing.T) {
	e, _ := newEngine(t)
	res, err := e.Preflight(context.Background(), PreflightRequest{
		TenantID: "t1", UserID: "u1",
		EstimatedInputTokens: 10, MaxOutputTokens: 2,
		Catalog: catalog, Now: time.Now(),
	}, "gpt-5.2")
	require.NoError(t, err)
	assert.Equal(t, "gpt-5.2", res.EffectiveModel)
	assert.Equal(t, TierPremium, res.SelectedTier)
	assert.Equal(t, "allow", res.QuotaDecision)
	assert.Equal(t, int64(12), res.ReserveTokens)
}

func TestEngine_Preflight_DowngradeOnExhaustedPremium(t *testing.T) {
	e, db := newEngine(t)
	e.SetLimit(TierPremium, "daily", 100)
	e.SetLimit(TierPremium, "monthly", 10000)
	now := time.Now()

	require.NoError(t, e.Commit(context.Background(), db, "t1", "u1", TierPremium, now, Delta{CreditsUsed: 100}))

	res, err := e.Preflight(context.Background(), PreflightRequest{
		TenantID: "t1", UserID: "u1",
		EstimatedInputTokens: 10, MaxOutputTokens: 2,
		Catalog: catalog, Now: now,
	}, "gpt-5.2")
	require.NoError(t, err)
	assert.Equal(t, "gpt-5-mini", res.EffectiveModel)
	assert.Equal(t, "downgrade", res.QuotaDecision)
	assert.Equal(t, "gpt-5.2", res.DowngradeFrom)
	assert.Equal(t, "premium_quota_exhausted", res.DowngradeReason)
}

func TestEngine_Preflight_AllTiersExhausted(t *testing.T) {
	e, db := newEngine(t)
	e.SetLimit(TierPremium, "daily", 10)
	e.SetLimit(TierStandard, "daily", 10)
	now := time.Now()
	require.NoError(t, e.Commit(context.Background(), db, "t1", "u1", TierPremium, now, Delta{CreditsUsed: 10}))
	require.NoError(t, e.Commit(context.Background(), db, "t1", "u1", TierStandard, now, Delta{CreditsUsed: 10}))

	_, err := e.Preflight(context.Background(), PreflightRequest{
		TenantID: "t1", UserID: "u1",
		EstimatedInputTokens: 10, MaxOutputTokens: 2,
		Catalog: catalog, Now: now,
	}, "gpt-5.2")
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestEngine_Preflight_KillSwitchSkipsTier(t *testing.T) {
	e, _ := newEngine(t)
	res, err := e.Preflight(context.Background(), PreflightRequest{
		TenantID: "t1", UserID: "u1",
		EstimatedInputTokens: 10, MaxOutputTokens: 2,
		Catalog:      catalog,
		KillSwitches: &KillSwitches{DisabledTiers: map[Tier]bool{TierPremium: true}},
		Now:          time.Now(),
	}, "gpt-5.2")
	require.NoError(t, err)
	assert.Equal(t, TierStandard, res.SelectedTier)
}

func TestEngine_Commit_OvershootIsCommittedInFull(t *testing.T) {
	e, db := newEngine(t)
	now := time.Now()
	require.NoError(t, e.Commit(context.Background(), db, "t1", "u1", TierPremium, now, Delta{CreditsUsed: 1000}))
	row, err := e.loadUsage(context.Background(), "t1", "u1", "daily", startOfDay(now), TierPremium)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), row.creditsUsed)
}

func TestReconcile_Completed(t *testing.T) {
	s := Reconcile(OutcomeCompleted, 100, 10, 10, 2, 0)
	assert.Equal(t, int64(12), s.ChargedTokens)
	assert.Equal(t, "actual", s.SettlementMethod)
}

func TestReconcile_AbortedNoUsage_ClampsToReserve(t *testing.T) {
	s := Reconcile(OutcomeAbortedNoUsage, 30, 10, 0, 0, 50)
	assert.Equal(t, int64(30), s.ChargedTokens) // 10+50=60, clamped to reserve=30
	assert.Equal(t, "estimated", s.SettlementMethod)
}

func TestReconcile_AbortedNoUsage_DefaultFloor(t *testing.T) {
	s := Reconcile(OutcomeAbortedNoUsage, 1000, 10, 0, 0, 0)
	assert.Equal(t, int64(60), s.ChargedTokens) // 10 + default floor 50
	assert.Equal(t, "estimated", s.SettlementMethod)
}

func TestReconcile_PreReserveFailure_NoSettlement(t *testing.T) {
	s := Reconcile(OutcomePreReserveFailure, 100, 10, 0, 0, 0)
	assert.Equal(t, int64(0), s.ChargedTokens)
	assert.Equal(t, "", s.SettlementMethod)
}

func TestReconcile_PostReservePreProvider_Released(t *testing.T) {
	s := Reconcile(OutcomePostReservePreProvider, 100, 10, 0, 0, 0)
	assert.Equal(t, int64(0), s.ChargedTokens)
	assert.Equal(t, "released", s.SettlementMethod)
}
