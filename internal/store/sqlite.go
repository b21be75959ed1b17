package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"apbdes/internal/domain"
	"apbdes/internal/events"
)

// DB is the SQLite-backed store. It implements LineStore, RealizationStore
// and EventLog.
type DB struct {
	Conn   *sql.DB
	Events events.Writer
	Now    func() time.Time
	hub    *hub
}

func New(conn *sql.DB) *DB {
	return &DB{
		Conn:   conn,
		Events: events.Writer{},
		Now:    time.Now,
		hub:    newHub(),
	}
}

func (s *DB) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *DB) CreateLine(ctx context.Context, line domain.BudgetLine, evt domain.Event, payload events.EventPayload) (domain.BudgetLine, error) {
	now := s.now().UTC().Format(time.RFC3339)
	line.ID = uuid.New().String()
	line.CreatedAt = now
	line.UpdatedAt = now

	tx, err := s.Conn.BeginTx(ctx, nil)
	if err != nil {
		return domain.BudgetLine{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO budget_lines(id,village,fiscal_year,kind,category,account_code,description,amount,status,rejection_reason,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		line.ID, line.Village, line.FiscalYear, string(line.Kind), line.Category, line.AccountCode, line.Description,
		line.Amount, string(line.Status), nullable(line.RejectionReason), line.CreatedAt, line.UpdatedAt); err != nil {
		return domain.BudgetLine{}, fmt.Errorf("insert budget line: %w", err)
	}
	evt.LineID = line.ID
	if err := s.Events.Append(ctx, tx, evt, payload); err != nil {
		return domain.BudgetLine{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BudgetLine{}, err
	}
	s.broadcast(ctx, line.Village, line.FiscalYear)
	return line, nil
}

func (s *DB) GetLine(ctx context.Context, id string) (domain.BudgetLine, error) {
	row := s.Conn.QueryRowContext(ctx, `SELECT id,village,fiscal_year,kind,category,account_code,description,amount,status,COALESCE(rejection_reason,''),created_at,updated_at
FROM budget_lines WHERE id=?`, id)
	return scanLine(row)
}

func (s *DB) UpdateLine(ctx context.Context, line domain.BudgetLine, expect []domain.Status, evt domain.Event, payload events.EventPayload) error {
	line.UpdatedAt = s.now().UTC().Format(time.RFC3339)

	tx, err := s.Conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	where, args := statusPredicate(expect)
	args = append([]any{
		string(line.Kind), line.Category, line.AccountCode, line.Description, line.Amount,
		string(line.Status), nullable(line.RejectionReason), line.UpdatedAt, line.ID,
	}, args...)
	res, err := tx.ExecContext(ctx, `UPDATE budget_lines SET kind=?,category=?,account_code=?,description=?,amount=?,status=?,rejection_reason=?,updated_at=? WHERE id=?`+where, args...)
	if err != nil {
		return fmt.Errorf("update budget line: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missOrRace(ctx, tx, line.ID)
	}
	evt.LineID = line.ID
	if err := s.Events.Append(ctx, tx, evt, payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.broadcast(ctx, line.Village, line.FiscalYear)
	return nil
}

func (s *DB) DeleteLineCascade(ctx context.Context, id string, expect []domain.Status, evt domain.Event, payload events.EventPayload) error {
	line, err := s.GetLine(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.Conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := deleteCascadeTx(ctx, tx, id, expect); err != nil {
		if err == errZeroRows {
			return s.missOrRace(ctx, tx, id)
		}
		return err
	}
	evt.LineID = id
	if err := s.Events.Append(ctx, tx, evt, payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.broadcast(ctx, line.Village, line.FiscalYear)
	return nil
}

var errZeroRows = fmt.Errorf("no rows deleted")

// deleteCascadeTx removes the realizations first and then the parent, all
// within the caller's transaction. The parent delete carries the status
// precondition, so a racing transition aborts the whole batch.
func deleteCascadeTx(ctx context.Context, tx *sql.Tx, id string, expect []domain.Status) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM realizations WHERE line_id=?`, id); err != nil {
		return fmt.Errorf("delete realizations: %w", err)
	}
	where, args := statusPredicate(expect)
	args = append([]any{id}, args...)
	res, err := tx.ExecContext(ctx, `DELETE FROM budget_lines WHERE id=?`+where, args...)
	if err != nil {
		return fmt.Errorf("delete budget line: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errZeroRows
	}
	return nil
}

// missOrRace distinguishes a vanished row from a lost precondition race.
func (s *DB) missOrRace(ctx context.Context, tx *sql.Tx, id string) error {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM budget_lines WHERE id=?`, id).Scan(&n)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrPreconditionFailed
}

func (s *DB) ListLines(ctx context.Context, village string, fiscalYear int) ([]domain.BudgetLine, error) {
	rows, err := s.Conn.QueryContext(ctx, `SELECT id,village,fiscal_year,kind,category,account_code,description,amount,status,COALESCE(rejection_reason,''),created_at,updated_at
FROM budget_lines WHERE village=? AND fiscal_year=? ORDER BY account_code ASC, created_at ASC, id ASC`, village, fiscalYear)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BudgetLine
	for rows.Next() {
		l, err := scanLineRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (s *DB) AddRealization(ctx context.Context, r domain.Realization) (domain.Realization, error) {
	if _, err := s.GetLine(ctx, r.LineID); err != nil {
		return domain.Realization{}, err
	}
	r.ID = uuid.New().String()
	r.CreatedAt = s.now().UTC().Format(time.RFC3339)
	_, err := s.Conn.ExecContext(ctx, `INSERT INTO realizations(id,line_id,amount,date,note,created_at) VALUES (?,?,?,?,?,?)`,
		r.ID, r.LineID, r.Amount, r.Date, nullable(r.Note), r.CreatedAt)
	if err != nil {
		return domain.Realization{}, fmt.Errorf("insert realization: %w", err)
	}
	return r, nil
}

func (s *DB) ListRealizations(ctx context.Context, lineID string) ([]domain.Realization, error) {
	rows, err := s.Conn.QueryContext(ctx, `SELECT id,line_id,amount,date,COALESCE(note,''),created_at FROM realizations WHERE line_id=? ORDER BY date ASC, id ASC`, lineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Realization
	for rows.Next() {
		var r domain.Realization
		if err := rows.Scan(&r.ID, &r.LineID, &r.Amount, &r.Date, &r.Note, &r.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func (s *DB) CountRealizations(ctx context.Context, lineID string) (int, error) {
	var n int
	err := s.Conn.QueryRowContext(ctx, `SELECT count(*) FROM realizations WHERE line_id=?`, lineID).Scan(&n)
	return n, err
}

func (s *DB) LatestEvents(ctx context.Context, limit int, village string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if village != "" {
		clauses = append(clauses, "village=?")
		args = append(args, village)
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(village,''),COALESCE(fiscal_year,0),COALESCE(line_id,''),actor,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	return s.queryEvents(ctx, query, args...)
}

func (s *DB) EventsAfter(ctx context.Context, limit int, cursor int64, village string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if village != "" {
		clauses = append(clauses, "village=?")
		args = append(args, village)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(village,''),COALESCE(fiscal_year,0),COALESCE(line_id,''),actor,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	return s.queryEvents(ctx, query, args...)
}

func (s *DB) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := s.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Village, &e.FiscalYear, &e.LineID, &e.Actor, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func statusPredicate(expect []domain.Status) (string, []any) {
	if len(expect) == 0 {
		return "", nil
	}
	marks := make([]string, len(expect))
	args := make([]any, len(expect))
	for i, st := range expect {
		marks[i] = "?"
		args[i] = string(st)
	}
	return " AND status IN (" + strings.Join(marks, ",") + ")", args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLine(row *sql.Row) (domain.BudgetLine, error) {
	l, err := scanLineRows(row)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func scanLineRows(row rowScanner) (domain.BudgetLine, error) {
	var l domain.BudgetLine
	var kind, status string
	err := row.Scan(&l.ID, &l.Village, &l.FiscalYear, &kind, &l.Category, &l.AccountCode, &l.Description,
		&l.Amount, &status, &l.RejectionReason, &l.CreatedAt, &l.UpdatedAt)
	l.Kind = domain.Kind(kind)
	l.Status = domain.Status(status)
	return l, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
