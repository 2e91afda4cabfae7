package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	KindEntry   = "entry"
	KindUser    = "user"
	KindProject = "project"
	KindAPIKey  = "api_key"
)

type Writer struct {
	Now func() time.Time
	Log *zap.Logger
}

type Payload map[string]any

// Event is one audit record. Events are written in the same transaction as
// the state change they describe.
type Event struct {
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    Payload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt Event) (int64, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if evt.Payload == nil {
		evt.Payload = Payload{}
	}
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evt.Type, nullable(evt.ProjectID), evt.EntityKind, nullable(evt.EntityID), evt.ActorID, string(data))
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()
	if w.Log != nil {
		w.Log.Debug("event appended",
			zap.Int64("event_id", id),
			zap.String("type", evt.Type),
			zap.String("entity_id", evt.EntityID),
			zap.String("actor_id", evt.ActorID))
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
