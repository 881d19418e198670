package proto

import (
	"encoding/json"
	"fmt"
)

// SchemaVersion is the current envelope schema version stamped on every
// event this daemon writes. See internal/eventlog for the on-disk schema
// version check that gates reads against newer-than-supported data.
const SchemaVersion = "1"

// Closed set of event types.
const (
	EventProviderThreadStarted     = "provider-thread-started"
	EventProviderTurnStarted       = "provider-turn-started"
	EventProviderTurnCompleted     = "provider-turn-completed"
	EventProviderTurnFailed        = "provider-turn-failed"
	EventProviderTurnInterrupted   = "provider-turn-interrupted"
	EventProviderDiffUpdated       = "provider-diff-updated"
	EventProviderTextDelta         = "provider-text-delta"
	EventProviderToolCallStarted   = "provider-tool-call-started"
	EventProviderToolCallCompleted = "provider-tool-call-completed"
	EventMetaAttentionRaised       = "meta-attention-raised"
	EventMetaAttentionCleared      = "meta-attention-cleared"
	EventMetaQueueUpdated          = "meta-queue-updated"
	EventMetaNotifyObserved        = "meta-notify-observed"
	EventMetaConversationHandoff   = "meta-conversation-handoff"
	EventSessionStatus             = "session-status"
	EventSessionKeyEvent           = "session-key-event"
	EventSessionTelemetry          = "session-telemetry"
	EventSessionControl            = "session-control"
	EventDirectoryUpserted         = "directory-upserted"
)

// Source identifies who produced an event.
const (
	SourceProvider = "provider"
	SourceMeta     = "meta"
)

// Scope identifies an event's lineage.
type Scope struct {
	TenantID       string `json:"tenantId"`
	UserID         string `json:"userId"`
	WorkspaceID    string `json:"workspaceId,omitempty"`
	WorktreeID     string `json:"worktreeId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	TurnID         string `json:"turnId,omitempty"`
}

// Envelope is the normalized event record, round-tripped verbatim between
// the wire protocol and the event log. RowID is populated by the store on
// read and is zero for events not yet appended.
type Envelope struct {
	SchemaVersion string  `json:"schemaVersion"`
	EventID       string  `json:"eventId"`
	Source        string  `json:"source"`
	Type          string  `json:"type"`
	Ts            string  `json:"ts"`
	Scope         Scope   `json:"scope"`
	Payload       Payload `json:"payload"`
	RowID         int64   `json:"rowId,omitempty"`
}

// Payload is a closed tagged union discriminated by Kind. Exactly one of
// the pointer fields is non-nil for a well-formed payload; Unmarshal
// rejects payloads whose Kind names a variant with no matching field, or
// whose Kind is not one of the known values, so storage can never round
// trip an illegal envelope.
type Payload struct {
	Kind string `json:"kind"`

	Thread      *ThreadPayload      `json:"thread,omitempty"`
	Turn        *TurnPayload        `json:"turn,omitempty"`
	TextDelta   *TextDeltaPayload   `json:"textDelta,omitempty"`
	DiffUpdated *DiffUpdatedPayload `json:"diffUpdated,omitempty"`
	Tool        *ToolPayload        `json:"tool,omitempty"`
	Attention   *AttentionPayload   `json:"attention,omitempty"`
	Queue       *QueuePayload       `json:"queue,omitempty"`
	Notify      *NotifyPayload      `json:"notify,omitempty"`
	Status      *StatusPayload      `json:"status,omitempty"`
	Controller  *ControllerPayload  `json:"controller,omitempty"`
}

const (
	PayloadKindThread      = "thread"
	PayloadKindTurn        = "turn"
	PayloadKindTextDelta   = "text-delta"
	PayloadKindDiffUpdated = "diff-updated"
	PayloadKindTool        = "tool"
	PayloadKindAttention   = "attention"
	PayloadKindQueue       = "queue"
	PayloadKindNotify      = "notify"
	PayloadKindStatus      = "status"
	PayloadKindController  = "controller"
)

// StatusPayload carries a session's C6 state-machine phase, for
// session-status events.
type StatusPayload struct {
	Phase      string `json:"phase"`
	DetailText string `json:"detailText,omitempty"`
}

// ControllerPayload carries a claim/release/reclaim outcome, for
// session-control events.
type ControllerPayload struct {
	Action          string `json:"action"` // claimed | released | reclaimed
	ControllerID    string `json:"controllerId"`
	ControllerType  string `json:"controllerType,omitempty"`
	ControllerLabel string `json:"controllerLabel,omitempty"`
}

type ThreadPayload struct {
	ThreadID string `json:"threadId"`
	Title    string `json:"title,omitempty"`
}

type TurnPayload struct {
	TurnID string `json:"turnId"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

type TextDeltaPayload struct {
	Text string `json:"text"`
	Role string `json:"role,omitempty"`
}

type DiffUpdatedPayload struct {
	Path        string `json:"path"`
	UnifiedHunk string `json:"unifiedHunk,omitempty"`
}

type ToolPayload struct {
	ToolName string `json:"toolName"`
	CallID   string `json:"callId"`
	Status   string `json:"status,omitempty"`
	Summary  string `json:"summary,omitempty"`
}

type AttentionPayload struct {
	Reason string `json:"reason"`
	Raised bool   `json:"raised"`
}

type QueuePayload struct {
	Depth int `json:"depth"`
}

type NotifyPayload struct {
	Title   string `json:"title"`
	Message string `json:"message,omitempty"`
}

// UnmarshalJSON enforces the closed tagged-union invariant on decode: Kind
// must be known and its matching field must be present and non-nil.
func (p *Payload) UnmarshalJSON(data []byte) error {
	type alias Payload
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	present := func(ok bool) error {
		if !ok {
			return fmt.Errorf("proto: payload kind %q missing its variant field", a.Kind)
		}
		return nil
	}
	switch a.Kind {
	case PayloadKindThread:
		if err := present(a.Thread != nil); err != nil {
			return err
		}
	case PayloadKindTurn:
		if err := present(a.Turn != nil); err != nil {
			return err
		}
	case PayloadKindTextDelta:
		if err := present(a.TextDelta != nil); err != nil {
			return err
		}
	case PayloadKindDiffUpdated:
		if err := present(a.DiffUpdated != nil); err != nil {
			return err
		}
	case PayloadKindTool:
		if err := present(a.Tool != nil); err != nil {
			return err
		}
	case PayloadKindAttention:
		if err := present(a.Attention != nil); err != nil {
			return err
		}
	case PayloadKindQueue:
		if err := present(a.Queue != nil); err != nil {
			return err
		}
	case PayloadKindNotify:
		if err := present(a.Notify != nil); err != nil {
			return err
		}
	case PayloadKindStatus:
		if err := present(a.Status != nil); err != nil {
			return err
		}
	case PayloadKindController:
		if err := present(a.Controller != nil); err != nil {
			return err
		}
	default:
		return fmt.Errorf("proto: unknown payload kind %q", a.Kind)
	}
	*p = Payload(a)
	return nil
}
