// Package context implements the Context Planner: deterministic assembly of
// a turn's prompt inputs against a fixed snapshot boundary, with a fixed
// truncation priority when the assembled plan exceeds the token budget
// (spec §4.7). Truncation drops whole sections in priority order, after the
// drop-lowest-priority-first idiom of the teacher's textclip package
// (genai/textclip/textclip.go); no section's text is clipped.
package ctxplan

import (
	"context"
	"fmt"
	"strings"

	"github.com/viant/minichat/internal/model"
)

// MessageLoader returns the recent messages of a chat bounded by boundary,
// in ascending created_at order, and the current snapshot boundary itself
// (captured once, per spec §4.7 "Snapshot boundary").
type MessageLoader interface {
	SnapshotBoundary(ctx context.Context, chatID string) (model.SnapshotBoundary, error)
	RecentMessages(ctx context.Context, chatID string, boundary model.SnapshotBoundary, limit int) ([]model.Message, error)
}

// Request bundles the planner's per-turn inputs that aren't sourced from the
// chat's own message history.
type Request struct {
	SystemPrompt      string
	ToolGuards        string
	ThreadSummary     string
	DocumentSummaries []string
	RetrievalExcerpts []string
	UserMessage       string
	ImageRefs         []string
	RecentMessageCap  int // default 6-10 per spec §4.7; 0 means "use default"
	TokenBudget       int
	ImageRefCap       int
}

const defaultRecentMessageCap = 8

// ErrBudgetExceeded is returned when even the never-truncated portion of the
// plan (system prompt + tool guards + thread summary + user message + image
// references) exceeds the budget
// (spec §4.7 "reject at preflight").
type ErrBudgetExceeded struct {
	Required int
	Budget   int
}

func (e *ErrBudgetExceeded) Error() string {
	return fmt.Sprintf("context: plan requires %d tokens, budget is %d", e.Required, e.Budget)
}

// EstimateTokens is a coarse, deterministic token estimator: spec §5 states
// "token estimation uses precomputed tables" rather than live tokenization;
// this module doesn't own a tokenizer, so it uses the conservative
// characters/4 approximation common to this class of estimator and keeps it
// a pure function of content length so planning stays deterministic.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

// Planner assembles a ContextPlan for a single turn.
type Planner struct {
	Messages MessageLoader
}

// New returns a Planner backed by loader.
func New(loader MessageLoader) *Planner {
	return &Planner{Messages: loader}
}

// Plan assembles a deterministic ContextPlan for chatID against a boundary
// captured once up front (spec §4.7 "all subsequent message selections use
// (created_at, id) ≤ boundary").
func (p *Planner) Plan(ctx context.Context, chatID string, req Request) (model.ContextPlan, error) {
	boundary, err := p.Messages.SnapshotBoundary(ctx, chatID)
	if err != nil {
		return model.ContextPlan{}, fmt.Errorf("context: snapshot boundary: %w", err)
	}

	recentCap := req.RecentMessageCap
	if recentCap <= 0 {
		recentCap = defaultRecentMessageCap
	}
	recent, err := p.Messages.RecentMessages(ctx, chatID, boundary, recentCap)
	if err != nil {
		return model.ContextPlan{}, fmt.Errorf("context: recent messages: %w", err)
	}

	imageRefs := req.ImageRefs
	if req.ImageRefCap > 0 && len(imageRefs) > req.ImageRefCap {
		imageRefs = imageRefs[:req.ImageRefCap]
	}

	plan := model.ContextPlan{
		SystemPrompt:      req.SystemPrompt,
		ToolGuards:        req.ToolGuards,
		ThreadSummary:     req.ThreadSummary,
		DocumentSummaries: append([]string(nil), req.DocumentSummaries...),
		RecentMessages:    recent,
		RetrievalExcerpts: append([]string(nil), req.RetrievalExcerpts...),
		UserMessage:       req.UserMessage,
		ImageRefs:         imageRefs,
		Boundary:          boundary,
	}

	if req.TokenBudget > 0 {
		if err := truncateToBudget(&plan, req.TokenBudget); err != nil {
			return model.ContextPlan{}, err
		}
	}
	plan.EstimatedTokens = estimatePlanTokens(plan)
	return plan, nil
}

// ApplyBudget re-applies the truncation cascade to an already-assembled plan
// against budget, re-estimating afterward. Spec §4.7 computes token_budget
// only after effective_model resolution, which happens after the plan's
// initial assembly (the orchestrator needs a pre-truncation estimate to feed
// the quota cascade); this lets the orchestrator tighten an existing plan
// once the winning tier's model — and therefore its context window — is
// known, without re-querying recent messages.
func ApplyBudget(plan *model.ContextPlan, budget int) error {
	if err := truncateToBudget(plan, budget); err != nil {
		return err
	}
	plan.EstimatedTokens = estimatePlanTokens(*plan)
	return nil
}

// truncateToBudget drops sections in the fixed priority order of spec §4.7,
// never touching the never-truncate-first group (system prompt + tool
// guards, thread summary, current user message + image references).
func truncateToBudget(plan *model.ContextPlan, budget int) error {
	floor := EstimateTokens(plan.SystemPrompt) + EstimateTokens(plan.ToolGuards) +
		EstimateTokens(plan.ThreadSummary) + EstimateTokens(plan.UserMessage) +
		len(plan.ImageRefs)*imageRefTokenCost
	if floor > budget {
		return &ErrBudgetExceeded{Required: floor, Budget: budget}
	}

	for estimatePlanTokens(*plan) > budget {
		switch {
		case len(plan.RecentMessages) > 0:
			// drop oldest first
			plan.RecentMessages = plan.RecentMessages[1:]
		case len(plan.DocumentSummaries) > 0:
			// least relevant first == last in assembly order by convention
			plan.DocumentSummaries = plan.DocumentSummaries[:len(plan.DocumentSummaries)-1]
		case len(plan.RetrievalExcerpts) > 0:
			// lowest-ranked chunks first == last in assembly order by convention
			plan.RetrievalExcerpts = plan.RetrievalExcerpts[:len(plan.RetrievalExcerpts)-1]
		default:
			// Nothing left to drop; the never-truncate floor already fits
			// (checked above), so this only happens if floor computation and
			// estimatePlanTokens disagree, which would be a bug, not recoverable
			// here.
			return &ErrBudgetExceeded{Required: estimatePlanTokens(*plan), Budget: budget}
		}
	}
	return nil
}

const imageRefTokenCost = 85 // flat per-image token cost, matching common vision-input pricing tables

func estimatePlanTokens(plan model.ContextPlan) int {
	total := EstimateTokens(plan.SystemPrompt) + EstimateTokens(plan.ToolGuards) + EstimateTokens(plan.ThreadSummary) + EstimateTokens(plan.UserMessage)
	for _, m := range plan.RecentMessages {
		total += EstimateTokens(m.Content)
	}
	for _, d := range plan.DocumentSummaries {
		total += EstimateTokens(d)
	}
	for _, r := range plan.RetrievalExcerpts {
		total += EstimateTokens(r)
	}
	total += len(plan.ImageRefs) * imageRefTokenCost
	return total
}

// Budget computes token_budget per spec §4.7: the lesser of the configured
// cap and the effective model's context window minus reserved output
// tokens, evaluated after effective_model resolution.
func Budget(configuredMaxInputTokens, contextWindow, reservedOutputTokens int) int {
	remaining := contextWindow - reservedOutputTokens
	if configuredMaxInputTokens < remaining {
		return configuredMaxInputTokens
	}
	return remaining
}

// AssembledText renders the plan in the fixed assembly order of spec §4.7,
// primarily for determinism testing and for feeding the provider relay's
// prompt construction.
func AssembledText(plan model.ContextPlan) string {
	var b strings.Builder
	writeSection(&b, plan.SystemPrompt)
	writeSection(&b, plan.ToolGuards)
	writeSection(&b, plan.ThreadSummary)
	for _, d := range plan.DocumentSummaries {
		writeSection(&b, d)
	}
	for _, m := range plan.RecentMessages {
		writeSection(&b, m.Content)
	}
	for _, r := range plan.RetrievalExcerpts {
		writeSection(&b, r)
	}
	writeSection(&b, plan.UserMessage)
	return b.String()
}

func writeSection(b *strings.Builder, s string) {
	if s == "" {
		return
	}
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString(s)
}
