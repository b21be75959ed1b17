package summary_test

import (
	"testing"

	"apbdes/internal/domain"
	"apbdes/internal/summary"
)

func TestCalculate(t *testing.T) {
	lines := []domain.BudgetLine{
		{Kind: domain.KindIncome, Amount: 10_000_000, Status: domain.StatusApproved},
		{Kind: domain.KindIncome, Amount: 2_500_000, Status: domain.StatusDraft},
		{Kind: domain.KindExpense, Amount: 7_000_000, Status: domain.StatusSubmitted},
		{Kind: domain.KindExpense, Amount: 1_000_000, Status: domain.StatusRejected},
	}
	got := summary.Calculate(lines)
	want := summary.Totals{TotalIncome: 12_500_000, TotalExpense: 8_000_000, Surplus: 4_500_000}
	if got != want {
		t.Fatalf("Calculate = %+v, want %+v", got, want)
	}
}

func TestCalculateOrderIndependent(t *testing.T) {
	a := []domain.BudgetLine{
		{Kind: domain.KindIncome, Amount: 5},
		{Kind: domain.KindExpense, Amount: 3},
		{Kind: domain.KindIncome, Amount: 2},
	}
	b := []domain.BudgetLine{a[2], a[0], a[1]}
	if summary.Calculate(a) != summary.Calculate(b) {
		t.Fatal("result depends on input order")
	}
}

func TestCalculateNegativeSurplus(t *testing.T) {
	got := summary.Calculate([]domain.BudgetLine{
		{Kind: domain.KindExpense, Amount: 9},
		{Kind: domain.KindIncome, Amount: 4},
	})
	if got.Surplus != -5 {
		t.Fatalf("surplus = %d, want -5", got.Surplus)
	}
}

func TestCalculateEmpty(t *testing.T) {
	if got := summary.Calculate(nil); got != (summary.Totals{}) {
		t.Fatalf("Calculate(nil) = %+v, want zero totals", got)
	}
}
