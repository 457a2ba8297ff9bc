package eventlog

import (
	"time"

	"github.com/nexus-cli/nexus/internal/action"
)

// SchemaVersion is written into every record's "v" field.
const SchemaVersion = "nexus/1"

// Standard event types. Readers must tolerate types they do not know.
const (
	TypeRunStarted       = "run.started"
	TypeRunCompleted     = "run.completed"
	TypeActionProposed   = "action.proposed"
	TypePermissionGrant  = "permission.granted"
	TypePermissionDenied = "permission.denied"
	TypeToolExecuted     = "tool.executed"
	TypeToolFailed       = "tool.failed"
	TypeToolCancelled    = "tool.cancelled"
)

// Actor records who caused an event.
type Actor struct {
	Agent    action.AgentRole `json:"agent,omitempty"`
	Provider string           `json:"provider,omitempty"`
	Model    string           `json:"model,omitempty"`
}

// Trace carries correlation identifiers across events.
type Trace struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	SpanID        string `json:"span_id,omitempty"`
	ParentSpanID  string `json:"parent_span_id,omitempty"`
}

// PayloadRef points at externally stored payload data too large to
// inline in a log line.
type PayloadRef struct {
	URI       string `json:"uri"`
	MIME      string `json:"mime,omitempty"`
	SHA256    string `json:"sha256,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	Label     string `json:"label,omitempty"`
}

// RunEvent is one append-only log record. EventSeq is assigned by the
// writer, never by the caller.
type RunEvent struct {
	V          string         `json:"v"`
	RunID      string         `json:"run_id"`
	EventSeq   uint64         `json:"event_seq,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	NodeID     string         `json:"node_id,omitempty"`
	Type       string         `json:"type"`
	Time       time.Time      `json:"time"`
	Trace      *Trace         `json:"trace,omitempty"`
	Actor      *Actor         `json:"actor,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	PayloadRef *PayloadRef    `json:"payload_ref,omitempty"`
}

// NewEvent creates a minimal event stamped with the current UTC time.
func NewEvent(runID, eventType string) RunEvent {
	return RunEvent{
		V:     SchemaVersion,
		RunID: runID,
		Type:  eventType,
		Time:  time.Now().UTC(),
	}
}

// WithActor sets the actor and returns the event for chaining.
func (e RunEvent) WithActor(actor Actor) RunEvent {
	e.Actor = &actor
	return e
}

// WithPayload sets the payload and returns the event for chaining.
func (e RunEvent) WithPayload(payload map[string]any) RunEvent {
	e.Payload = payload
	return e
}

func toolActor() Actor {
	return Actor{Agent: action.RoleTool}
}

// RunStarted builds the run.started event.
func RunStarted(runID, task string) RunEvent {
	return NewEvent(runID, TypeRunStarted).
		WithActor(toolActor()).
		WithPayload(map[string]any{"task": task})
}

// RunCompleted builds the run.completed event.
func RunCompleted(runID, status string, actionsApplied int) RunEvent {
	return NewEvent(runID, TypeRunCompleted).
		WithActor(toolActor()).
		WithPayload(map[string]any{"status": status, "actions_applied": actionsApplied})
}

// ActionProposed builds the action.proposed event.
func ActionProposed(runID string, a *action.ProposedAction) RunEvent {
	actor := toolActor()
	if a.CreatedBy != nil {
		actor = Actor{Agent: a.CreatedBy.Agent, Provider: a.CreatedBy.Provider, Model: a.CreatedBy.Model}
	}
	return NewEvent(runID, TypeActionProposed).
		WithActor(actor).
		WithPayload(map[string]any{
			"action_id": a.ID,
			"kind":      string(a.Kind),
			"summary":   a.Summary,
			"risk":      a.Risk,
		})
}

// PermissionGranted builds the permission.granted event.
func PermissionGranted(runID, actionID, rule, scope string) RunEvent {
	return NewEvent(runID, TypePermissionGrant).
		WithActor(toolActor()).
		WithPayload(map[string]any{"action_id": actionID, "rule": rule, "scope": scope})
}

// PermissionDenied builds the permission.denied event.
func PermissionDenied(runID, actionID, reason string) RunEvent {
	return NewEvent(runID, TypePermissionDenied).
		WithActor(toolActor()).
		WithPayload(map[string]any{"action_id": actionID, "reason": reason})
}

// ToolExecuted builds the tool.executed terminal event.
func ToolExecuted(runID, actionID string, payload map[string]any) RunEvent {
	merged := map[string]any{"action_id": actionID, "success": true}
	for k, v := range payload {
		merged[k] = v
	}
	return NewEvent(runID, TypeToolExecuted).WithActor(toolActor()).WithPayload(merged)
}

// ToolFailed builds the tool.failed terminal event.
func ToolFailed(runID, actionID, errMsg string) RunEvent {
	return NewEvent(runID, TypeToolFailed).
		WithActor(toolActor()).
		WithPayload(map[string]any{"action_id": actionID, "success": false, "error": errMsg})
}

// ToolCancelled builds the tool.cancelled terminal event.
func ToolCancelled(runID, actionID, reason string) RunEvent {
	return NewEvent(runID, TypeToolCancelled).
		WithActor(toolActor()).
		WithPayload(map[string]any{"action_id": actionID, "reason": reason})
}

// TerminalTypes maps event types that end an action's lifecycle.
var TerminalTypes = map[string]bool{
	TypePermissionDenied: true,
	TypeToolExecuted:     true,
	TypeToolFailed:       true,
	TypeToolCancelled:    true,
}
