// Package store provides typed access to budget-line and realization
// records. Mutations append their workflow event in the same transaction,
// and state-precondition checks run inside the write itself so two racing
// transitions can never both succeed.
package store

import (
	"context"
	"errors"

	"apbdes/internal/domain"
	"apbdes/internal/events"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrPreconditionFailed = errors.New("precondition failed")
)

// LineStore is the budget-line adapter consumed by the workflow engine.
type LineStore interface {
	// CreateLine assigns an id and persists the line.
	CreateLine(ctx context.Context, line domain.BudgetLine, evt domain.Event, payload events.EventPayload) (domain.BudgetLine, error)
	GetLine(ctx context.Context, id string) (domain.BudgetLine, error)
	// UpdateLine rewrites the full row, but only while the stored status is
	// one of expect. A lost race surfaces as ErrPreconditionFailed; the row
	// is left untouched.
	UpdateLine(ctx context.Context, line domain.BudgetLine, expect []domain.Status, evt domain.Event, payload events.EventPayload) error
	// DeleteLineCascade removes the line and every realization under it in
	// one transaction. Either all documents disappear or none do. An empty
	// expect list allows deletion from any status.
	DeleteLineCascade(ctx context.Context, id string, expect []domain.Status, evt domain.Event, payload events.EventPayload) error
	ListLines(ctx context.Context, village string, fiscalYear int) ([]domain.BudgetLine, error)
	// Subscribe streams the full current result set for a village/year scope,
	// re-emitted after every commit that touches it. The returned cancel
	// function releases the subscription.
	Subscribe(village string, fiscalYear int) (<-chan []domain.BudgetLine, func())
}

// RealizationStore is the subledger adapter for realization records.
type RealizationStore interface {
	AddRealization(ctx context.Context, r domain.Realization) (domain.Realization, error)
	ListRealizations(ctx context.Context, lineID string) ([]domain.Realization, error)
	CountRealizations(ctx context.Context, lineID string) (int, error)
}

// EventLog reads back the append-only event history.
type EventLog interface {
	LatestEvents(ctx context.Context, limit int, village string) ([]domain.Event, error)
	EventsAfter(ctx context.Context, limit int, cursor int64, village string) ([]domain.Event, error)
}
