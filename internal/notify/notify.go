// Package notify carries workflow messages to district and village admins.
// Delivery is fire-and-forget: a failed notification is logged and never
// blocks or rolls back the transition that triggered it.
package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"apbdes/internal/domain"
)

// Dispatcher creates role-addressed or village-addressed messages.
type Dispatcher interface {
	NotifyRole(ctx context.Context, role domain.Role, message, link string, data map[string]any) error
	NotifyVillageAdmins(ctx context.Context, village, message, link string, data map[string]any) error
}

// Inbox is the default Dispatcher: it writes messages to the notifications
// table, where admins read them back through the API or CLI.
type Inbox struct {
	DB  *sql.DB
	Now func() time.Time
}

func (i Inbox) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

func (i Inbox) NotifyRole(ctx context.Context, role domain.Role, message, link string, data map[string]any) error {
	return i.insert(ctx, domain.Notification{Role: role, Message: message, Link: link}, data)
}

func (i Inbox) NotifyVillageAdmins(ctx context.Context, village, message, link string, data map[string]any) error {
	return i.insert(ctx, domain.Notification{Village: village, Message: message, Link: link}, data)
}

func (i Inbox) insert(ctx context.Context, n domain.Notification, data map[string]any) error {
	n.ID = uuid.New().String()
	n.CreatedAt = i.now().UTC().Format(time.RFC3339)
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal notification data: %w", err)
		}
		n.DataJSON = string(b)
	}
	_, err := i.DB.ExecContext(ctx, `INSERT INTO notifications(id,role,village,message,link,data_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		n.ID, nullable(string(n.Role)), nullable(n.Village), n.Message, nullable(n.Link), nullable(n.DataJSON), n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// List returns inbox messages for a role or a village, newest first.
func (i Inbox) List(ctx context.Context, role domain.Role, village string, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,COALESCE(role,''),COALESCE(village,''),message,COALESCE(link,''),COALESCE(data_json,''),created_at FROM notifications`
	var args []any
	switch {
	case role != "":
		query += ` WHERE role=?`
		args = append(args, string(role))
	case village != "":
		query += ` WHERE village=?`
		args = append(args, village)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := i.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var roleStr string
		if err := rows.Scan(&n.ID, &roleStr, &n.Village, &n.Message, &n.Link, &n.DataJSON, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Role = domain.Role(roleStr)
		res = append(res, n)
	}
	return res, rows.Err()
}

// Forward returns an event listener that translates workflow events into
// dispatcher calls. Errors are logged and swallowed.
func Forward(d Dispatcher, logger *log.Logger) func(domain.Event) {
	if logger == nil {
		logger = log.Default()
	}
	return func(evt domain.Event) {
		ctx := context.Background()
		var payload map[string]any
		if evt.Payload != "" {
			_ = json.Unmarshal([]byte(evt.Payload), &payload)
		}
		data := map[string]any{
			"line_id":     evt.LineID,
			"village":     evt.Village,
			"fiscal_year": evt.FiscalYear,
		}
		link := fmt.Sprintf("/villages/%s/budget/%s", evt.Village, evt.LineID)

		var err error
		switch evt.Type {
		case domain.EventLineSubmitted:
			msg := fmt.Sprintf("%s mengajukan %s sebesar %s untuk TA %d",
				evt.Village, payloadString(payload, "description"), payloadAmount(payload), evt.FiscalYear)
			err = d.NotifyRole(ctx, domain.RoleDistrictAdmin, msg, link, data)
		case domain.EventLineApproved:
			msg := fmt.Sprintf("Anggaran %s disetujui kecamatan", payloadString(payload, "description"))
			err = d.NotifyVillageAdmins(ctx, evt.Village, msg, link, data)
		case domain.EventLineRejected:
			msg := fmt.Sprintf("Anggaran %s ditolak kecamatan: %s",
				payloadString(payload, "description"), payloadString(payload, "reason"))
			err = d.NotifyVillageAdmins(ctx, evt.Village, msg, link, data)
		default:
			return
		}
		if err != nil {
			logger.Printf("notify: deliver %s for line %s failed: %v", evt.Type, evt.LineID, err)
		}
	}
}

// payloadAmount renders the amount field, which arrives as float64 after a
// JSON round trip.
func payloadAmount(payload map[string]any) string {
	switch v := payload["amount"].(type) {
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	}
	return "0"
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
