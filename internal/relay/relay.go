// Package relay implements the Provider Relay: translation of a provider's
// streaming events into the stable client SSE protocol, pumped through a
// bounded channel so every stage reads one event and forwards it immediately
// (spec §4.4 "no-buffering rule"), plus the hard-cancellation path and the
// read-only replay path. The channel-based producer/consumer shape is
// adapted from the teacher's llm.StreamingModel/StreamEvent contract
// (genai/llm/stream.go, genai/llm/provider/openai/stream.go).
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/viant/minichat/internal/model"
)

// ProviderEventKind enumerates the upstream events the teacher's provider
// clients emit, prior to translation.
type ProviderEventKind string

const (
	ProviderTextDelta       ProviderEventKind = "text_delta"
	ProviderFileSearchStart ProviderEventKind = "file_search_start"
	ProviderFileSearchDone  ProviderEventKind = "file_search_done"
	ProviderWebSearchStart  ProviderEventKind = "web_search_start"
	ProviderWebSearchDone   ProviderEventKind = "web_search_done"
	ProviderCitations       ProviderEventKind = "citations"
	ProviderCompleted       ProviderEventKind = "completed"
	ProviderError           ProviderEventKind = "error"
)

// ProviderEvent is one event off the upstream SSE connection, before
// translation to the stable client protocol.
type ProviderEvent struct {
	Kind    ProviderEventKind
	Text    string
	Citations []Citation
	Usage        Usage
	EffectiveModel string
	SelectedModel  string
	QuotaDecision  string
	DowngradeFrom   string
	DowngradeReason string
	MessageID       string
	ErrCode string
	ErrMsg  string
}

// Citation mirrors the client-facing citation shape of spec §4.4.
type Citation struct {
	Source string
	Title  string
	URL    string
	Snippet string
	Score   *float64
	Span    string
}

// Usage is the input/output token pair a completed stream reports.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// StableEventKind enumerates the immutable client-facing SSE event types of
// spec §4.4's translation table.
type StableEventKind string

const (
	EventPing      StableEventKind = "ping"
	EventDelta     StableEventKind = "delta"
	EventTool      StableEventKind = "tool"
	EventCitations StableEventKind = "citations"
	EventDone      StableEventKind = "done"
	EventError     StableEventKind = "error"
)

// StableEvent is what crosses the wire to the client. Exactly one terminal
// event (done|error) closes a stream; ordering is ping* delta* tool*
// citations? (done|error).
type StableEvent struct {
	Kind StableEventKind

	// delta
	DeltaText string

	// tool
	ToolName  string
	ToolPhase string // "start" | "done"

	// citations
	Citations []Citation

	// done
	MessageID       string
	Usage           Usage
	EffectiveModel  string
	SelectedModel   string
	QuotaDecision   string
	DowngradeFrom   string
	DowngradeReason string

	// error
	ErrorCode    string
	ErrorMessage string
	QuotaScope   string
}

// Translate maps one provider event to the stable client event, per the
// table in spec §4.4. file_search/web_search lifecycle events both collapse
// to the same "tool" stable shape, distinguished only by name.
func Translate(ev ProviderEvent) StableEvent {
	switch ev.Kind {
	case ProviderTextDelta:
		return StableEvent{Kind: EventDelta, DeltaText: ev.Text}
	case ProviderFileSearchStart:
		return StableEvent{Kind: EventTool, ToolName: "file_search", ToolPhase: "start"}
	case ProviderFileSearchDone:
		return StableEvent{Kind: EventTool, ToolName: "file_search", ToolPhase: "done"}
	case ProviderWebSearchStart:
		return StableEvent{Kind: EventTool, ToolName: "web_search", ToolPhase: "start"}
	case ProviderWebSearchDone:
		return StableEvent{Kind: EventTool, ToolName: "web_search", ToolPhase: "done"}
	case ProviderCitations:
		return StableEvent{Kind: EventCitations, Citations: ev.Citations}
	case ProviderCompleted:
		return StableEvent{
			Kind:            EventDone,
			MessageID:       ev.MessageID,
			Usage:           ev.Usage,
			EffectiveModel:  ev.EffectiveModel,
			SelectedModel:   ev.SelectedModel,
			QuotaDecision:   ev.QuotaDecision,
			DowngradeFrom:   ev.DowngradeFrom,
			DowngradeReason: ev.DowngradeReason,
		}
	case ProviderError:
		return StableEvent{Kind: EventError, ErrorCode: sanitizeCode(ev.ErrCode), ErrorMessage: sanitizeMessage(ev.ErrMsg)}
	default:
		return StableEvent{Kind: EventError, ErrorCode: "provider_error", ErrorMessage: "unrecognized upstream event"}
	}
}

// sanitizeCode/sanitizeMessage exist as the single choke point enforcing the
// provider-identifier non-exposure invariant (spec §6): callers of Translate
// must not hand it raw provider error text containing ids. This package
// cannot itself know what a provider id looks like, so the filtering lives
// with the Adapter implementation. sanitizeCode only substitutes
// "provider_error" for an empty code; sanitizeMessage returns the message
// unchanged and removes nothing from it.
func sanitizeCode(code string) string {
	if code == "" {
		return "provider_error"
	}
	return code
}

func sanitizeMessage(msg string) string {
	return msg
}

// Adapter is the capability contract a provider integration implements
// (spec §9 "dynamic polymorphism ... expressed as a capability contract").
// Two adapters (OpenAI, Azure OpenAI) share this surface; this module never
// imports a concrete provider SDK, since credential handling and
// provider-endpoint routing are delegated to an outbound gateway (spec §1).
type Adapter interface {
	SendRequest(ctx context.Context, plan model.ContextPlan, effectiveModel string, tools Tools) (<-chan ProviderEvent, error)
}

// Tools describes which optional tools this turn may invoke.
type Tools struct {
	FileSearch bool
	WebSearch  bool
}

// AuditSink records an audit event outside the finalization transaction
// (spec §4.5 step g). Audit sink implementation is out of scope (spec §1);
// this is the narrow interface the orchestrator depends on.
type AuditSink interface {
	RecordTurnFinalized(ctx context.Context, turnID, outcome string)
}

// Pump relays provider events, translated, onto out, honoring cancellation
// and the bounded-channel no-buffering rule: it reads one event, translates
// it, and blocks sending to out until the consumer accepts it. The channel
// capacity (16-64 per spec §4.4) is the caller's responsibility via
// NewChannel.
func Pump(ctx context.Context, in <-chan ProviderEvent, out chan<- StableEvent) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			stable := Translate(ev)
			select {
			case out <- stable:
			case <-ctx.Done():
				return
			}
			if stable.Kind == EventDone || stable.Kind == EventError {
				return
			}
		}
	}
}

// NewChannel returns a bounded channel sized within spec §4.4's 16-64 event
// window.
func NewChannel(size int) chan StableEvent {
	if size < 16 {
		size = 16
	}
	if size > 64 {
		size = 64
	}
	return make(chan StableEvent, size)
}

// PingInterval is the keepalive cadence target of spec §4.4 (every 15-30s).
const PingInterval = 20 * time.Second

// Pings sends a ping event on out every PingInterval until ctx is done. It is
// meant to run in its own goroutine alongside Pump, sharing the same out
// channel; the orchestrator's SSE writer distinguishes ping from real
// content by Kind.
func Pings(ctx context.Context, out chan<- StableEvent) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case out <- StableEvent{Kind: EventPing}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Replay constructs the synthetic stream of spec §4.4 "Replay path": one
// delta carrying the full stored text, optional citations, then done. It
// performs no reserve, no commit, no outbox write, no audit — the caller
// must not invoke any of those for a replayed turn. selectedModel is the
// chat's immutable selected model (not necessarily the model that actually
// generated the reply, which is msg.EffectiveModel); quotaDecision,
// downgradeFrom, and downgradeReason are the turn's originally persisted
// preflight decision, echoed verbatim rather than re-derived.
func Replay(msg model.Message, selectedModel string, citations []Citation, quotaDecision, downgradeFrom, downgradeReason string) []StableEvent {
	events := []StableEvent{{Kind: EventDelta, DeltaText: msg.Content}}
	if len(citations) > 0 {
		events = append(events, StableEvent{Kind: EventCitations, Citations: citations})
	}
	events = append(events, StableEvent{
		Kind:            EventDone,
		MessageID:       msg.ID,
		Usage:           Usage{InputTokens: int64(msg.InputTokens), OutputTokens: int64(msg.OutputTokens)},
		EffectiveModel:  msg.EffectiveModel,
		SelectedModel:   selectedModel,
		QuotaDecision:   quotaDecision,
		DowngradeFrom:   downgradeFrom,
		DowngradeReason: downgradeReason,
	})
	return events
}

// ErrHardCancelTimeout is returned by CancelAndWait if the upstream
// connection didn't close within the target window (spec "target
// time-from-trigger-to-upstream-connection-close p99 < 200ms"); callers
// still proceed to finalize with outcome=cancelled regardless.
var ErrHardCancelTimeout = fmt.Errorf("relay: upstream close exceeded target window")

// CancelAndWait invokes cancel and waits up to deadline for closed to be
// signalled by the adapter's underlying HTTP transport. This is the
// synchronization point spec §4.4 measures for the p99 < 200ms target.
func CancelAndWait(cancel context.CancelFunc, closed <-chan struct{}, deadline time.Duration) error {
	cancel()
	select {
	case <-closed:
		return nil
	case <-time.After(deadline):
		return ErrHardCancelTimeout
	}
}
