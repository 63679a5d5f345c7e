package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the orchestrator.
const (
	ProjectCreated      = "project.created"
	ProjectPaused       = "project.paused"
	ProjectResumed      = "project.resumed"
	ProjectCompleted    = "project.completed"
	ProjectFailed       = "project.failed"
	ProjectCancelled    = "project.cancelled"
	ProjectCancelAsked  = "project.cancel_requested"
	StageStarted        = "stage.started"
	StageAttempted      = "stage.attempted"
	StageRetryRequested = "stage.retry_requested"
	StageAccepted       = "stage.accepted"
	StageEscalated      = "stage.escalated"
	FactsCommitted      = "facts.committed"
	ConflictDetected    = "conflict.detected"
	ConflictResolved    = "conflict.resolved"
	DecisionCreated     = "decision.created"
	DecisionResolved    = "decision.resolved"
	SafetyLimitExceeded = "safety.limit_exceeded"
	ContextDegraded     = "context.degraded"
	OutputMalformed     = "generation.malformed"
	GenerationFailed    = "generation.failed"
)

// Record is one entry of the append-only event log.
type Record struct {
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    Payload
}

type Payload map[string]any

type Writer struct {
	Now func() time.Time
}

// Append writes rec inside tx so the event commits or rolls back together
// with the state change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	payload := rec.Payload
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	actor := rec.ActorID
	if actor == "" {
		actor = "orchestrator"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), rec.Type, nullable(rec.ProjectID), rec.EntityKind, nullable(rec.EntityID), actor, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", rec.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
