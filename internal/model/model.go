// Package model holds the shared domain types of the turn-execution core:
// Chat, Message, ChatTurn, QuotaUsage, OutboxEvent and ContextPlan.
package model

import "time"

// RequesterType identifies who initiated a turn.
type RequesterType string

const (
	RequesterUser   RequesterType = "user"
	RequesterSystem RequesterType = "system"
)

// TurnState is the lifecycle state of a ChatTurn.
type TurnState string

const (
	TurnRunning   TurnState = "running"
	TurnCompleted TurnState = "completed"
	TurnFailed    TurnState = "failed"
	TurnCancelled TurnState = "cancelled"
)

// Terminal reports whether the state is one of the terminal states.
func (s TurnState) Terminal() bool {
	switch s {
	case TurnCompleted, TurnFailed, TurnCancelled:
		return true
	default:
		return false
	}
}

// Chat identifies a conversation. The selected model is immutable after creation.
type Chat struct {
	ID             string
	TenantID       string
	OwnerUserID    string
	SelectedModel  string
	Title          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SoftDeletedAt  *time.Time
}

// MessageRole enumerates the three supported message roles.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message is a single persisted turn entry.
type Message struct {
	ID               string
	ChatID           string
	Role             MessageRole
	Content          string
	TokenEstimate    int
	RequestID        string // optional correlation id
	EffectiveModel   string // assistant role only
	InputTokens      int
	OutputTokens     int
	Compressed       bool
	CreatedAt        time.Time
}

// ChatTurn is the lifecycle record central to this module. See spec.md §3.
type ChatTurn struct {
	ID                string
	ChatID            string
	RequestID         string
	RequesterType     RequesterType
	RequesterUserID   string
	State             TurnState
	ReserveTokens     *int64 // NULL only for pre-reserve failures; this module never inserts those rows (see DESIGN.md)
	AssistantMsgID    *string
	ErrorCode         string
	ProviderRespID    string
	// EffectiveModel, QuotaDecision, DowngradeFrom, and DowngradeReason are the
	// preflight cascade's decision for this turn, fixed at CreateRunning time
	// and never recomputed. A replay of a completed turn echoes QuotaDecision,
	// DowngradeFrom, and DowngradeReason verbatim instead of re-deriving them
	// from current quota state (spec §4.4 "Replay path"); the replayed
	// effective model is taken from the stored assistant message's
	// EffectiveModel, not from this field.
	EffectiveModel    string
	QuotaDecision     string
	DowngradeFrom     string
	DowngradeReason   string
	StartedAt         time.Time
	CompletedAt       *time.Time
	UpdatedAt         time.Time
	SoftDeletedAt     *time.Time
	ReplacedByTurnID  *string
}

// PeriodType enumerates the quota counting windows.
type PeriodType string

const (
	PeriodDaily   PeriodType = "daily"
	PeriodMonthly PeriodType = "monthly"
)

// QuotaUsage is a per-(tenant,user,period,tier) credit counter row.
type QuotaUsage struct {
	TenantID        string
	UserID          string
	PeriodType      PeriodType
	PeriodStart     time.Time
	Tier            string
	InputTokens     int64
	OutputTokens    int64
	CreditsUsed     int64
	ToolCalls       map[string]int64 // by tool name (file_search, web_search)
	ImageInputs     int64
	ImageUploadByte int64
	UpdatedAt       time.Time
}

// OutboxStatus enumerates the outbox event lifecycle.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxDelivered  OutboxStatus = "delivered"
	OutboxDead       OutboxStatus = "dead"
)

// OutboxPayload is the structured billing event payload (spec §6).
type OutboxPayload struct {
	Outcome           string `json:"outcome"`
	SettlementMethod  string `json:"settlement_method"`
	ChargedTokens     int64  `json:"charged_tokens"`
	ReserveTokens     int64  `json:"reserve_tokens"`
	InputTokens       int64  `json:"input_tokens"`
	OutputTokens      int64  `json:"output_tokens"`
	EffectiveModel    string `json:"effective_model"`
	SelectedModel     string `json:"selected_model"`
	QuotaDecision     string `json:"quota_decision"`
	DowngradeFrom     string `json:"downgrade_from,omitempty"`
	DowngradeReason   string `json:"downgrade_reason,omitempty"`
	TenantID          string `json:"tenant_id"`
	UserID            string `json:"user_id"`
	ChatID            string `json:"chat_id"`
	TurnID            string `json:"turn_id"`
	RequestID         string `json:"request_id"`
	ErrorCode         string `json:"error_code,omitempty"`
}

// OutboxEvent is a row of the transactional outbox table.
type OutboxEvent struct {
	ID            string
	Namespace     string
	Topic         string
	DedupeKey     string
	Payload       OutboxPayload
	Status        OutboxStatus
	Attempts      int
	NextAttemptAt time.Time
	LockedBy      string
	LockedUntil   *time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SnapshotBoundary fixes the set of messages visible to a turn (spec §4.7, §GLOSSARY).
type SnapshotBoundary struct {
	MaxCreatedAt time.Time
	MaxID        string
}

// ContextPlan is the transient per-request artifact assembled by the Context Planner.
type ContextPlan struct {
	SystemPrompt      string
	ToolGuards        string
	ThreadSummary     string
	DocumentSummaries []string
	RecentMessages    []Message
	RetrievalExcerpts []string
	UserMessage       string
	ImageRefs         []string
	Boundary          SnapshotBoundary
	EstimatedTokens   int
}
