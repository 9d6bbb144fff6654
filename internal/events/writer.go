package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by stageline mutations.
const (
	RequestCreated   = "request.created"
	RequestStaged    = "request.staged"
	RequestUnstaged  = "request.unstaged"
	RequestState     = "request.state"
	RequestAccepted  = "request.accepted"
	ReviewAdded      = "review.added"
	ReviewState      = "review.state"
	ReviewAccepted   = "review.accepted"
	StagingCreated   = "staging.created"
	StagingAccepted  = "staging.accepted"
	WorkflowCreated  = "workflow.created"
	RoleGranted      = "relationship.granted"
	RoleRevoked      = "relationship.revoked"
	GroupMemberAdded = "group.member_added"
	AttribChanged    = "attrib.changed"
)

type Payload map[string]any

// Entry is one row of the append-only event log.
type Entry struct {
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    Payload
}

type Writer struct {
	Now func() time.Time
}

// Append writes the entry inside tx so it commits or rolls back with the
// mutation it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	payload := e.Payload
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), e.Type, nullable(e.ProjectID), e.EntityKind, nullable(e.EntityID), e.ActorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
