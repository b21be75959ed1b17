// Package summary derives display aggregates from a budget-line set.
package summary

import "apbdes/internal/domain"

// Totals holds the income/expense aggregates for one village and year.
// Surplus is TotalIncome minus TotalExpense and may be negative.
type Totals struct {
	TotalIncome  int64 `json:"total_income"`
	TotalExpense int64 `json:"total_expense"`
	Surplus      int64 `json:"surplus"`
}

// Calculate partitions lines by kind and sums amounts within each partition.
// Pure and order-independent; callers recompute it on every snapshot.
func Calculate(lines []domain.BudgetLine) Totals {
	var t Totals
	for _, l := range lines {
		switch l.Kind {
		case domain.KindIncome:
			t.TotalIncome += l.Amount
		case domain.KindExpense:
			t.TotalExpense += l.Amount
		}
	}
	t.Surplus = t.TotalIncome - t.TotalExpense
	return t
}
