package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"apbdes/internal/domain"
)

// Writer appends workflow events inside the transaction of the mutation they
// describe, so the log never records a change that was rolled back.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt domain.Event, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := evt.TS
	if ts == "" {
		ts = now().UTC().Format(time.RFC3339)
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,village,fiscal_year,line_id,actor,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evt.Type, nullable(evt.Village), nullableInt(evt.FiscalYear), nullable(evt.LineID), evt.Actor, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}
