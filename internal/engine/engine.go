// Package engine owns the budget-line state machine:
//
//	draft --submit--> submitted --approve--> approved
//	  ^                   |
//	  |                reject
//	  |                   v
//	  +------ edit ---- rejected
//
// Every transition checks role and village before any store call, and the
// state precondition rides inside the store's conditional write, so two
// racing transitions resolve to exactly one winner.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"apbdes/internal/domain"
	"apbdes/internal/events"
	"apbdes/internal/store"
	"apbdes/internal/taxonomy"
)

type Engine struct {
	Lines        store.LineStore
	Realizations store.RealizationStore
	Catalog      taxonomy.Catalog
	// OnEvent is called after a committed mutation with the event that was
	// appended to the log. Nil is allowed.
	OnEvent func(domain.Event)
	Logger  *log.Logger
	Now     func() time.Time
}

func New(lines store.LineStore, realizations store.RealizationStore, catalog taxonomy.Catalog) Engine {
	return Engine{
		Lines:        lines,
		Realizations: realizations,
		Catalog:      catalog,
		Logger:       log.Default(),
		Now:          time.Now,
	}
}

// CreateOptions are the caller-supplied fields of a new budget line. The
// village is always taken from the caller identity, never from the payload.
type CreateOptions struct {
	FiscalYear int
	Kind       domain.Kind
	Category   string
	Amount     int64
}

func (e Engine) Create(ctx context.Context, ident domain.Identity, opts CreateOptions) (domain.BudgetLine, error) {
	if ident.Role != domain.RoleVillageAdmin {
		return domain.BudgetLine{}, AuthorizationError{Op: "create"}
	}
	if ident.Village == "" {
		return domain.BudgetLine{}, AuthorizationError{Op: "create"}
	}
	if opts.FiscalYear <= 0 {
		return domain.BudgetLine{}, ValidationError{Field: "fiscal_year", Reason: "must be positive"}
	}
	if opts.Amount < 0 {
		return domain.BudgetLine{}, ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	entry, err := e.derive(opts.Kind, opts.Category)
	if err != nil {
		return domain.BudgetLine{}, err
	}

	line := domain.BudgetLine{
		Village:     ident.Village,
		FiscalYear:  opts.FiscalYear,
		Kind:        opts.Kind,
		Category:    entry.Category,
		AccountCode: entry.Code,
		Description: entry.Description,
		Amount:      opts.Amount,
		Status:      domain.StatusDraft,
	}
	evt := e.event(domain.EventLineCreated, line, ident)
	payload := events.EventPayload{"description": line.Description, "amount": line.Amount, "status": string(line.Status)}
	created, err := e.Lines.CreateLine(ctx, line, evt, payload)
	if err != nil {
		return domain.BudgetLine{}, DependencyError{Op: "create budget line", Err: err}
	}
	evt.LineID = created.ID
	e.emit(evt, payload)
	return created, nil
}

// EditOptions carries partial updates; nil fields keep the stored value.
type EditOptions struct {
	Kind     *domain.Kind
	Category *string
	Amount   *int64
}

// Edit rewrites a draft or rejected line. Any successful edit re-queues the
// line as a fresh draft and clears the rejection reason.
func (e Engine) Edit(ctx context.Context, ident domain.Identity, lineID string, opts EditOptions) (domain.BudgetLine, error) {
	line, err := e.getOwned(ctx, ident, lineID, "edit")
	if err != nil {
		return domain.BudgetLine{}, err
	}
	if line.Status != domain.StatusDraft && line.Status != domain.StatusRejected {
		return domain.BudgetLine{}, InvalidStateError{LineID: lineID, Status: line.Status, Op: "edit"}
	}

	if opts.Kind != nil {
		line.Kind = *opts.Kind
	}
	if opts.Category != nil {
		line.Category = *opts.Category
	}
	if opts.Amount != nil {
		if *opts.Amount < 0 {
			return domain.BudgetLine{}, ValidationError{Field: "amount", Reason: "must not be negative"}
		}
		line.Amount = *opts.Amount
	}
	// Re-derive against the (possibly changed) kind. A category that does not
	// exist in the new taxonomy is rejected rather than silently cleared.
	entry, err := e.derive(line.Kind, line.Category)
	if err != nil {
		return domain.BudgetLine{}, err
	}
	line.Category = entry.Category
	line.AccountCode = entry.Code
	line.Description = entry.Description
	line.Status = domain.StatusDraft
	line.RejectionReason = ""

	evt := e.event(domain.EventLineUpdated, line, ident)
	payload := events.EventPayload{"description": line.Description, "amount": line.Amount, "status": string(line.Status)}
	if err := e.Lines.UpdateLine(ctx, line, []domain.Status{domain.StatusDraft, domain.StatusRejected}, evt, payload); err != nil {
		return domain.BudgetLine{}, e.storeErr(ctx, "edit", lineID, err)
	}
	e.emit(evt, payload)
	return line, nil
}

// Submit moves a draft or rejected line to submitted and notifies district
// admins.
func (e Engine) Submit(ctx context.Context, ident domain.Identity, lineID string) (domain.BudgetLine, error) {
	line, err := e.getOwned(ctx, ident, lineID, "submit")
	if err != nil {
		return domain.BudgetLine{}, err
	}
	if line.Status != domain.StatusDraft && line.Status != domain.StatusRejected {
		return domain.BudgetLine{}, InvalidStateError{LineID: lineID, Status: line.Status, Op: "submit"}
	}

	line.Status = domain.StatusSubmitted
	line.RejectionReason = ""
	evt := e.event(domain.EventLineSubmitted, line, ident)
	payload := events.EventPayload{"description": line.Description, "amount": line.Amount}
	if err := e.Lines.UpdateLine(ctx, line, []domain.Status{domain.StatusDraft, domain.StatusRejected}, evt, payload); err != nil {
		return domain.BudgetLine{}, e.storeErr(ctx, "submit", lineID, err)
	}
	e.emit(evt, payload)
	return line, nil
}

// Approve moves a submitted line to approved and notifies the owning
// village's admins.
func (e Engine) Approve(ctx context.Context, ident domain.Identity, lineID string) (domain.BudgetLine, error) {
	if ident.Role != domain.RoleDistrictAdmin {
		return domain.BudgetLine{}, AuthorizationError{Op: "approve"}
	}
	line, err := e.get(ctx, "approve", lineID)
	if err != nil {
		return domain.BudgetLine{}, err
	}
	if line.Status != domain.StatusSubmitted {
		return domain.BudgetLine{}, InvalidStateError{LineID: lineID, Status: line.Status, Op: "approve"}
	}

	line.Status = domain.StatusApproved
	line.RejectionReason = ""
	evt := e.event(domain.EventLineApproved, line, ident)
	payload := events.EventPayload{"description": line.Description, "amount": line.Amount}
	if err := e.Lines.UpdateLine(ctx, line, []domain.Status{domain.StatusSubmitted}, evt, payload); err != nil {
		return domain.BudgetLine{}, e.storeErr(ctx, "approve", lineID, err)
	}
	e.emit(evt, payload)
	return line, nil
}

// Reject moves a submitted line to rejected, recording the reason. The reason
// is validated before any store access.
func (e Engine) Reject(ctx context.Context, ident domain.Identity, lineID, reason string) (domain.BudgetLine, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.BudgetLine{}, ValidationError{Field: "reason", Reason: "must not be empty"}
	}
	if ident.Role != domain.RoleDistrictAdmin {
		return domain.BudgetLine{}, AuthorizationError{Op: "reject"}
	}
	line, err := e.get(ctx, "reject", lineID)
	if err != nil {
		return domain.BudgetLine{}, err
	}
	if line.Status != domain.StatusSubmitted {
		return domain.BudgetLine{}, InvalidStateError{LineID: lineID, Status: line.Status, Op: "reject"}
	}

	line.Status = domain.StatusRejected
	line.RejectionReason = reason
	evt := e.event(domain.EventLineRejected, line, ident)
	payload := events.EventPayload{"description": line.Description, "amount": line.Amount, "reason": reason}
	if err := e.Lines.UpdateLine(ctx, line, []domain.Status{domain.StatusSubmitted}, evt, payload); err != nil {
		return domain.BudgetLine{}, e.storeErr(ctx, "reject", lineID, err)
	}
	e.emit(evt, payload)
	return line, nil
}

// Delete removes a line and all of its realizations in one atomic batch.
// Village admins may delete only own-village lines still in draft or
// rejected; district admins may delete any line in any state.
func (e Engine) Delete(ctx context.Context, ident domain.Identity, lineID string) error {
	line, err := e.get(ctx, "delete", lineID)
	if err != nil {
		return err
	}

	var expect []domain.Status
	switch ident.Role {
	case domain.RoleDistrictAdmin:
		// Any state.
	case domain.RoleVillageAdmin:
		if line.Village != ident.Village {
			return AuthorizationError{Op: "delete", Village: line.Village}
		}
		if line.Status != domain.StatusDraft && line.Status != domain.StatusRejected {
			return InvalidStateError{LineID: lineID, Status: line.Status, Op: "delete"}
		}
		expect = []domain.Status{domain.StatusDraft, domain.StatusRejected}
	default:
		return AuthorizationError{Op: "delete"}
	}

	evt := e.event(domain.EventLineDeleted, line, ident)
	payload := events.EventPayload{"description": line.Description, "amount": line.Amount, "status": string(line.Status)}
	if err := e.Lines.DeleteLineCascade(ctx, lineID, expect, evt, payload); err != nil {
		return e.storeErr(ctx, "delete", lineID, err)
	}
	e.emit(evt, payload)
	return nil
}

// AddRealization records an actual income/expense entry under an approved
// line owned by the caller's village.
func (e Engine) AddRealization(ctx context.Context, ident domain.Identity, lineID string, amount int64, date, note string) (domain.Realization, error) {
	line, err := e.getOwned(ctx, ident, lineID, "realize")
	if err != nil {
		return domain.Realization{}, err
	}
	if line.Status != domain.StatusApproved {
		return domain.Realization{}, InvalidStateError{LineID: lineID, Status: line.Status, Op: "realize"}
	}
	if date == "" {
		return domain.Realization{}, ValidationError{Field: "date", Reason: "is required"}
	}
	r, err := e.Realizations.AddRealization(ctx, domain.Realization{
		LineID: lineID,
		Amount: amount,
		Date:   date,
		Note:   note,
	})
	if err != nil {
		return domain.Realization{}, DependencyError{Op: "add realization", Err: err}
	}
	return r, nil
}

func (e Engine) derive(kind domain.Kind, category string) (taxonomy.Entry, error) {
	if kind != domain.KindIncome && kind != domain.KindExpense {
		return taxonomy.Entry{}, ValidationError{Field: "kind", Reason: "must be income or expense"}
	}
	entry, ok := e.Catalog.Lookup(kind, category)
	if !ok {
		return taxonomy.Entry{}, ValidationError{Field: "category", Reason: "not in " + string(kind) + " taxonomy"}
	}
	return entry, nil
}

// getOwned loads the line and enforces the village-admin ownership rule.
func (e Engine) getOwned(ctx context.Context, ident domain.Identity, lineID, op string) (domain.BudgetLine, error) {
	if ident.Role != domain.RoleVillageAdmin {
		return domain.BudgetLine{}, AuthorizationError{Op: op}
	}
	line, err := e.get(ctx, op, lineID)
	if err != nil {
		return domain.BudgetLine{}, err
	}
	if line.Village != ident.Village {
		return domain.BudgetLine{}, AuthorizationError{Op: op, Village: line.Village}
	}
	return line, nil
}

func (e Engine) get(ctx context.Context, op, lineID string) (domain.BudgetLine, error) {
	line, err := e.Lines.GetLine(ctx, lineID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.BudgetLine{}, err
		}
		return domain.BudgetLine{}, DependencyError{Op: op, Err: err}
	}
	return line, nil
}

// storeErr maps a failed conditional write. A lost race reads the fresh
// status so the caller sees what actually happened.
func (e Engine) storeErr(ctx context.Context, op, lineID string, err error) error {
	switch {
	case errors.Is(err, store.ErrPreconditionFailed):
		ise := InvalidStateError{LineID: lineID, Op: op}
		if cur, gerr := e.Lines.GetLine(ctx, lineID); gerr == nil {
			ise.Status = cur.Status
		}
		return ise
	case errors.Is(err, store.ErrNotFound):
		return err
	default:
		return DependencyError{Op: op, Err: err}
	}
}

func (e Engine) event(evtType string, line domain.BudgetLine, ident domain.Identity) domain.Event {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	return domain.Event{
		TS:         now().UTC().Format(time.RFC3339),
		Type:       evtType,
		Village:    line.Village,
		FiscalYear: line.FiscalYear,
		LineID:     line.ID,
		Actor:      ident.Subject,
	}
}

func (e Engine) emit(evt domain.Event, payload events.EventPayload) {
	if e.OnEvent == nil {
		return
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			if e.Logger != nil {
				e.Logger.Printf("engine: marshal %s payload failed: %v", evt.Type, err)
			}
		} else {
			evt.Payload = string(b)
		}
	}
	e.OnEvent(evt)
}
