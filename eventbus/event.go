// Package eventbus implements the in-process publish/subscribe bus
// (spec.md §4.3): per-session subscriber queues, durable replay on
// reconnect, drop-oldest overflow handling. Generalized from the teacher's
// emit.Emitter family (graph/emit) into true multi-subscriber pub/sub —
// the teacher's Emitter is a single observability sink; this bus fans out
// to N independently-paced subscribers per session and backs replay with
// the State Store's event log.
package eventbus

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the complete event catalog from spec.md §6.
type Type string

const (
	TypeWorkflowCreated          Type = "workflow_created"
	TypeNodeDecided              Type = "node_decided"
	TypeAwaitingFeedback         Type = "awaiting_feedback"
	TypeArtifactsReady           Type = "artifacts_ready"
	TypeArtifactsExported        Type = "artifacts_exported"
	TypeEmailDraft               Type = "email_draft"
	TypeProgressUpdate           Type = "progress_update"
	TypeErrorOccurred            Type = "error_occurred"
	TypeManualInterventionNeeded Type = "manual_intervention_required"
	TypeWorkflowCompleted        Type = "workflow_completed"
	TypeQueueOverflow            Type = "queue_overflow"
	TypeServerShutdown           Type = "server_shutdown"
)

// StageEventType builds the "*_started" / "*_completed" / "*_failed"
// placeholder types the catalog describes per fixed stage name.
func StageEventType(stage, suffix string) Type {
	return Type(stage + "_" + suffix)
}

// Event is one entry in a session's durable, totally-ordered event log.
// ID is assigned by the bus at publish time and is monotonically
// increasing within a session (spec.md §3's Event invariant).
type Event struct {
	ID         int64
	WorkflowID uuid.UUID
	SessionKey string
	Type       Type
	Payload    map[string]any
	CreatedAt  time.Time
}

// MarshalPayload renders Payload as compact JSON for storage or the wire
// format described in spec.md §6 ("data: <json>").
func (e Event) MarshalPayload() (json.RawMessage, error) {
	if e.Payload == nil {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(e.Payload)
}

// SSE renders the event in the wire format spec.md §6 mandates:
// "id: <monotonic>\nevent: <type>\ndata: <json>\n\n".
func (e Event) SSE() (string, error) {
	payload, err := e.MarshalPayload()
	if err != nil {
		return "", err
	}
	return "id: " + strconv.FormatInt(e.ID, 10) + "\n" +
		"event: " + string(e.Type) + "\n" +
		"data: " + string(payload) + "\n\n", nil
}
