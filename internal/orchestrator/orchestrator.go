// Package orchestrator implements the Turn Orchestrator: the per-request
// algorithm of spec §4.5, and FinalizeTurn, the single atomic code path
// every terminal signal (provider done, provider error, client disconnect,
// orphan watchdog) funnels through. Style is grounded on the teacher's chat
// service (internal/service/chat/service.go): a service struct whose fields
// wire in the collaborators, debugf/errorf logging, and a per-chat running-turn
// guard analogous to its conversationQueue/isConversationBlocked pattern.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/viant/minichat/internal/authz"
	ctxplan "github.com/viant/minichat/internal/context"
	"github.com/viant/minichat/internal/model"
	"github.com/viant/minichat/internal/outbox"
	"github.com/viant/minichat/internal/quota"
	"github.com/viant/minichat/internal/relay"
	"github.com/viant/minichat/internal/turn"
)

// ErrorKind is the stable error taxonomy of spec §7. HTTP status and
// SSE-vs-JSON envelope selection both derive from this, so it is the single
// vocabulary the orchestrator and its callers share.
type ErrorKind string

const (
	ErrInvalidRequest         ErrorKind = "invalid_request"
	ErrWebSearchDisabled      ErrorKind = "web_search_disabled"
	ErrTooManyImages          ErrorKind = "too_many_images"
	ErrFeatureNotLicensed     ErrorKind = "feature_not_licensed"
	ErrInsufficientPermission ErrorKind = "insufficient_permissions"
	ErrChatNotFound           ErrorKind = "chat_not_found"
	ErrGenerationInProgress   ErrorKind = "generation_in_progress"
	ErrRequestIDConflict      ErrorKind = "request_id_conflict"
	ErrFileTooLarge           ErrorKind = "file_too_large"
	ErrImageBytesExceeded     ErrorKind = "image_bytes_exceeded"
	ErrUnsupportedFileType    ErrorKind = "unsupported_file_type"
	ErrUnsupportedMedia       ErrorKind = "unsupported_media"
	ErrQuotaExceeded          ErrorKind = "quota_exceeded"
	ErrRateLimited            ErrorKind = "rate_limited"
	ErrProviderError          ErrorKind = "provider_error"
	ErrProviderTimeout        ErrorKind = "provider_timeout"
)

// TurnError carries the minimum fields needed to render a client response
// (spec §9 "tagged result values"). PendingTurnID supplements
// generation_in_progress with the id of the turn already running, the way
// the teacher's isConversationBlocked surfaces which run blocked a new one.
type TurnError struct {
	Kind            ErrorKind
	Message         string
	QuotaScope      string // only set for ErrQuotaExceeded
	PendingTurnID   string // only set for ErrGenerationInProgress
}

func (e *TurnError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func newTurnErr(kind ErrorKind, msg string) *TurnError {
	return &TurnError{Kind: kind, Message: msg}
}

// ChatLoader resolves chat metadata under the predicates returned by authz.
type ChatLoader interface {
	LoadChat(ctx context.Context, chatID string, predicates map[string]string) (model.Chat, bool, error)
}

// CatalogView supplies the model catalog entries and kill switches the
// Quota Engine cascade needs; normally backed by catalog.Registry.Current(),
// whose *catalog.Snapshot implements this directly.
type CatalogView interface {
	CatalogEntries() []quota.ModelCatalogEntry
	CatalogKillSwitches() *quota.KillSwitches
}

// CancelRegistry is the subset of cancelreg.Registry the orchestrator uses.
type CancelRegistry interface {
	Register(chatID, turnID string, cancel context.CancelFunc)
	Complete(chatID, turnID string, cancel context.CancelFunc)
}

// MessageStore persists assistant messages and fetches stored ones for replay.
type MessageStore interface {
	InsertAssistantMessage(ctx context.Context, exec outbox.Execer, msg model.Message) error
	LoadMessage(ctx context.Context, messageID string) (model.Message, error)
}

// Request is a single POST .../messages:stream body (spec §6), plus the
// prompt-assembly inputs sourced from the collaborators spec §1 places out
// of scope (RAG retrieval policy, thread-summary compression): the caller
// resolves them and passes the results through untouched.
type Request struct {
	ChatID          string
	RequestID       string
	RequesterUserID string
	Content         string
	WebSearchEnabled bool
	MaxOutputTokens  int64
	ImageRefs        []string

	SystemPrompt      string
	ToolGuards        string
	ThreadSummary     string
	DocumentSummaries []string
	RetrievalExcerpts []string
}

// Service wires the Turn Store, Quota Engine, Outbox, Provider Relay, and
// Context Planner into the per-request algorithm of spec §4.5.
type Service struct {
	DB       *sql.DB
	Turn     *turn.Store
	Quota    *quota.Engine
	Outbox   *outbox.Store
	Messages MessageStore
	Chats    ChatLoader
	Planner  *ctxplan.Planner
	Adapter  relay.Adapter
	Audit    relay.AuditSink
	Authz    authz.Decider
	Cancel   CancelRegistry

	DefaultMaxOutputTokens int64
	DefaultMaxInputTokens  int64
	MinimalGenerationFloor int64
	OrphanTimeout          time.Duration
}

// PendingConflict names a chat and the turn running in it. Post does not
// return it: a generation_in_progress rejection carries the running turn's
// id in TurnError.PendingTurnID.
type PendingConflict struct {
	ChatID string
	TurnID string
}

// Post runs steps 1-9 of spec §4.5 and returns the running turn plus a
// channel of translated provider events the caller pumps to its SSE writer.
// Replay short-circuits to a synthetic stream and never calls the relay.
func (s *Service) Post(ctx context.Context, req Request, cat CatalogView) (model.ChatTurn, <-chan relay.StableEvent, error) {
	// 1. authz
	decision, err := s.Authz.Evaluate(ctx, req.RequesterUserID, "chat.post_message", req.ChatID)
	if err != nil {
		return model.ChatTurn{}, nil, newTurnErr(ErrInsufficientPermission, "authz evaluation failed")
	}
	if !decision.Allowed {
		if decision.ResourceKnown {
			return model.ChatTurn{}, nil, newTurnErr(ErrChatNotFound, "")
		}
		return model.ChatTurn{}, nil, newTurnErr(ErrInsufficientPermission, "")
	}

	// 2. scoped load
	chat, ok, err := s.Chats.LoadChat(ctx, req.ChatID, decision.Predicates)
	if err != nil {
		return model.ChatTurn{}, nil, fmt.Errorf("orchestrator: load chat: %w", err)
	}
	if !ok {
		return model.ChatTurn{}, nil, newTurnErr(ErrChatNotFound, "")
	}

	// 3. preflight validation (image/web-search checks delegated to caller-supplied
	// validators; this module owns only the kill-switch check explicitly named
	// in spec §4.5 step 3)
	if req.WebSearchEnabled && cat.CatalogKillSwitches().DisableWebSearch {
		return model.ChatTurn{}, nil, newTurnErr(ErrWebSearchDisabled, "")
	}

	// 4. parallel turn guard
	if running, ok, err := s.Turn.RunningForChat(ctx, req.ChatID); err != nil {
		return model.ChatTurn{}, nil, fmt.Errorf("orchestrator: running turn check: %w", err)
	} else if ok {
		return model.ChatTurn{}, nil, &TurnError{Kind: ErrGenerationInProgress, PendingTurnID: running.ID}
	}

	// 5. idempotency
	if existing, err := s.Turn.LoadByRequest(ctx, req.ChatID, req.RequestID); err == nil {
		return s.branchOnExisting(ctx, existing, chat)
	} else if !errors.Is(err, turn.ErrNotFound) {
		return model.ChatTurn{}, nil, fmt.Errorf("orchestrator: idempotency lookup: %w", err)
	}

	// 6. context plan. Budget depends on effective_model (spec §4.7 "Computed
	// after effective_model resolution"), which isn't known until step 7, so
	// the plan is first assembled unbounded: its EstimatedTokens feeds the
	// quota cascade's input-token estimate, and the budget is enforced
	// against the already-assembled plan once the cascade resolves a model.
	maxOutput := req.MaxOutputTokens
	if maxOutput <= 0 {
		maxOutput = s.DefaultMaxOutputTokens
	}
	plan, err := s.Planner.Plan(ctx, req.ChatID, ctxplan.Request{
		SystemPrompt:      req.SystemPrompt,
		ToolGuards:        req.ToolGuards,
		ThreadSummary:     req.ThreadSummary,
		DocumentSummaries: req.DocumentSummaries,
		RetrievalExcerpts: req.RetrievalExcerpts,
		UserMessage:       req.Content,
		ImageRefs:         req.ImageRefs,
	})
	if err != nil {
		return model.ChatTurn{}, nil, fmt.Errorf("orchestrator: context plan: %w", err)
	}

	// 7. quota preflight
	catalog := cat.CatalogEntries()
	pre, err := s.Quota.Preflight(ctx, quota.PreflightRequest{
		TenantID:             chat.TenantID,
		UserID:               chat.OwnerUserID,
		EstimatedInputTokens: int64(plan.EstimatedTokens),
		MaxOutputTokens:      maxOutput,
		Catalog:              catalog,
		KillSwitches:         cat.CatalogKillSwitches(),
		Now:                  time.Now(),
	}, chat.SelectedModel)
	if err != nil {
		scope := "tokens"
		if errors.Is(err, quota.ErrWebSearchExhausted) {
			scope = "web_search"
		}
		warnf("quota exhausted for tenant=%s user=%s scope=%s", chat.TenantID, chat.OwnerUserID, scope)
		return model.ChatTurn{}, nil, &TurnError{Kind: ErrQuotaExceeded, QuotaScope: scope}
	}

	// Budget enforcement now that effective_model is resolved. A budget
	// rejection here means no outbound call and no turn row (spec §4.7
	// "reject at preflight"); nothing has been persisted yet, so returning is
	// side-effect-free.
	if contextWindow := contextWindowFor(catalog, pre.EffectiveModel); contextWindow > 0 {
		budget := ctxplan.Budget(int(s.DefaultMaxInputTokens), contextWindow, int(maxOutput))
		if err := ctxplan.ApplyBudget(&plan, budget); err != nil {
			var budgetErr *ctxplan.ErrBudgetExceeded
			if errors.As(err, &budgetErr) {
				return model.ChatTurn{}, nil, newTurnErr(ErrInvalidRequest, err.Error())
			}
			return model.ChatTurn{}, nil, fmt.Errorf("orchestrator: apply budget: %w", err)
		}
	}

	// 8. turn insert
	reserve := pre.ReserveTokens
	created, err := s.Turn.CreateRunning(ctx, model.ChatTurn{
		ChatID:          req.ChatID,
		RequestID:       req.RequestID,
		RequesterType:   model.RequesterUser,
		RequesterUserID: req.RequesterUserID,
		ReserveTokens:   &reserve,
		EffectiveModel:  pre.EffectiveModel,
		QuotaDecision:   pre.QuotaDecision,
		DowngradeFrom:   pre.DowngradeFrom,
		DowngradeReason: pre.DowngradeReason,
	})
	if err != nil {
		if errors.Is(err, turn.ErrConflict) {
			return model.ChatTurn{}, nil, newTurnErr(ErrRequestIDConflict, "")
		}
		return model.ChatTurn{}, nil, fmt.Errorf("orchestrator: create running: %w", err)
	}
	debugf("turn %s running for chat=%s model=%s decision=%s reserve=%d", created.ID, req.ChatID, pre.EffectiveModel, pre.QuotaDecision, reserve)

	// 9. open upstream, pump
	turnCtx, cancel := context.WithCancel(ctx)
	s.Cancel.Register(req.ChatID, created.ID, cancel)

	providerEvents, err := s.Adapter.SendRequest(turnCtx, plan, pre.EffectiveModel, relay.Tools{WebSearch: req.WebSearchEnabled})
	if err != nil {
		cancel()
		s.Cancel.Complete(req.ChatID, created.ID, cancel)
		return created, nil, fmt.Errorf("orchestrator: send request: %w", err)
	}

	out := relay.NewChannel(32)
	go relay.Pump(turnCtx, providerEvents, out)
	go relay.Pings(turnCtx, out)

	return created, out, nil
}

func (s *Service) branchOnExisting(ctx context.Context, existing model.ChatTurn, chat model.Chat) (model.ChatTurn, <-chan relay.StableEvent, error) {
	switch existing.State {
	case model.TurnCompleted:
		if existing.AssistantMsgID == nil {
			return model.ChatTurn{}, nil, fmt.Errorf("orchestrator: completed turn %s missing assistant message id", existing.ID)
		}
		msg, err := s.Messages.LoadMessage(ctx, *existing.AssistantMsgID)
		if err != nil {
			return model.ChatTurn{}, nil, fmt.Errorf("orchestrator: load replay message: %w", err)
		}
		// Echo the turn's originally persisted decision verbatim; this is a
		// read-only replay, not a re-evaluation of current quota state.
		events := relay.Replay(msg, chat.SelectedModel, nil, existing.QuotaDecision, existing.DowngradeFrom, existing.DowngradeReason)
		out := make(chan relay.StableEvent, len(events))
		for _, e := range events {
			out <- e
		}
		close(out)
		return existing, out, nil
	case model.TurnRunning:
		return model.ChatTurn{}, nil, &TurnError{Kind: ErrGenerationInProgress, PendingTurnID: existing.ID}
	default:
		return model.ChatTurn{}, nil, newTurnErr(ErrRequestIDConflict, "")
	}
}

// FinalizeOutcome is the terminal outcome of a turn, used both to pick the
// CAS target state and the quota reconciliation formula. Reconcile names the
// settlement formula directly (spec §4.2) rather than having FinalizeTurn
// infer it: the caller (SSE pump terminal handler, cancellation path, or the
// Orphan Watchdog) always knows which of the four cases it is in.
type FinalizeOutcome struct {
	State              model.TurnState
	ErrorCode          string
	AssistantMessage   *model.Message // only set when Reconcile is OutcomeCompleted
	ActualInputTokens  int64
	ActualOutputTokens int64
	Reconcile          quota.ReconcileOutcome
}

// FinalizeTurn is the universal, single code path for leaving the running
// state (spec §4.5 "FinalizeTurn"). Every caller — the SSE pump's terminal
// handler, the cancellation path, and the Orphan Watchdog — calls this exact
// function. Losing the CAS race is not an error: it means another finalizer
// already won, so this call is a silent no-op.
//
// Every write (the CAS update, the assistant-message insert, the quota
// commit, and the outbox insert) runs inside a single *sql.Tx opened here and
// committed once at the end, so a crash anywhere in between leaves nothing
// durable: either all four land or none do (spec §4.5 "FinalizeTurn... atomic
// DB transaction"; the forbidden pattern is "inserting the outbox in a
// separate transaction"). This mirrors the teacher's sqlite service's
// BeginTx/defer-Rollback/Commit shape.
func (s *Service) FinalizeTurn(ctx context.Context, chatID, turnID string, reserveTokens, estimatedInputTokens int64, outcome FinalizeOutcome, ids Identifiers) error {
	var assistantMsgID *string
	if outcome.AssistantMessage != nil {
		assistantMsgID = &outcome.AssistantMessage.ID
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("orchestrator: finalize turn: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = s.Turn.FinalizeCAS(ctx, tx, turnID, outcome.State, turn.FinalizeFields{
		AssistantMessageID: assistantMsgID,
		ErrorCode:          outcome.ErrorCode,
	})
	if errors.Is(err, turn.ErrConflict) {
		// Lost the race: another finalizer already settled this turn.
		debugf("finalize turn %s: already settled by another caller", turnID)
		return nil
	}
	if err != nil {
		errorf("finalize cas turn %s: %v", turnID, err)
		return fmt.Errorf("orchestrator: finalize cas: %w", err)
	}

	if outcome.State == model.TurnCompleted && outcome.AssistantMessage != nil {
		if err := s.Messages.InsertAssistantMessage(ctx, tx, *outcome.AssistantMessage); err != nil {
			return fmt.Errorf("orchestrator: insert assistant message: %w", err)
		}
	}

	settlement := quota.Reconcile(outcome.Reconcile, reserveTokens, estimatedInputTokens, outcome.ActualInputTokens, outcome.ActualOutputTokens, s.MinimalGenerationFloor)
	if settlement.SettlementMethod != "" {
		if err := s.Quota.Commit(ctx, tx, ids.TenantID, ids.UserID, quota.Tier(ids.Tier), time.Now(), quota.Delta{
			CreditsUsed:  settlement.ChargedTokens,
			InputTokens:  outcome.ActualInputTokens,
			OutputTokens: outcome.ActualOutputTokens,
		}); err != nil {
			return fmt.Errorf("orchestrator: quota commit: %w", err)
		}
	}

	payload := model.OutboxPayload{
		Outcome:          string(outboxOutcome(outcome.State)),
		SettlementMethod: settlement.SettlementMethod,
		ChargedTokens:    settlement.ChargedTokens,
		ReserveTokens:    reserveTokens,
		InputTokens:      outcome.ActualInputTokens,
		OutputTokens:     outcome.ActualOutputTokens,
		EffectiveModel:   ids.EffectiveModel,
		SelectedModel:    ids.SelectedModel,
		QuotaDecision:    ids.QuotaDecision,
		DowngradeFrom:    ids.DowngradeFrom,
		DowngradeReason:  ids.DowngradeReason,
		TenantID:         ids.TenantID,
		UserID:           ids.UserID,
		ChatID:           chatID,
		TurnID:           turnID,
		RequestID:        ids.RequestID,
		ErrorCode:        outcome.ErrorCode,
	}
	dedupeKey := fmt.Sprintf("%s/%s/%s", ids.TenantID, turnID, ids.RequestID)
	if _, err := s.Outbox.Insert(ctx, tx, "mini-chat", "usage_snapshot", dedupeKey, payload); err != nil && !errors.Is(err, outbox.ErrAlreadyEmitted) {
		return fmt.Errorf("orchestrator: outbox insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("orchestrator: finalize turn: commit: %w", err)
	}

	if s.Cancel != nil {
		s.Cancel.Complete(chatID, turnID, nil)
	}
	if s.Audit != nil {
		s.Audit.RecordTurnFinalized(ctx, turnID, string(outboxOutcome(outcome.State)))
	}
	return nil
}

// Identifiers bundles the ids and model-decision metadata FinalizeTurn needs
// to populate the outbox payload.
type Identifiers struct {
	TenantID        string
	UserID          string
	RequestID       string
	Tier            string
	EffectiveModel  string
	SelectedModel   string
	QuotaDecision   string
	DowngradeFrom   string
	DowngradeReason string
}

// contextWindowFor returns the configured context window for modelName, or 0
// if the catalog carries no entry for it — callers skip budget enforcement
// in that case rather than deriving a nonsensical negative budget.
func contextWindowFor(catalog []quota.ModelCatalogEntry, modelName string) int {
	for _, e := range catalog {
		if e.Name == modelName {
			return e.ContextWindow
		}
	}
	return 0
}

func outboxOutcome(state model.TurnState) string {
	switch state {
	case model.TurnCompleted:
		return "completed"
	case model.TurnCancelled:
		return "aborted"
	default:
		return "failed"
	}
}

// NewTurnID is exposed so callers constructing FinalizeOutcome.AssistantMessage
// can mint a matching message id consistently with the rest of the module.
func NewTurnID() string { return uuid.New().String() }
