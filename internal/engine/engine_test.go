package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"apbdes/internal/db"
	"apbdes/internal/domain"
	"apbdes/internal/engine"
	"apbdes/internal/migrate"
	"apbdes/internal/store"
	"apbdes/internal/taxonomy"
)

type testEnv struct {
	Engine engine.Engine
	Store  *store.DB
	Ctx    context.Context
}

var (
	sukamaju = domain.Identity{Subject: "admin-sukamaju", Role: domain.RoleVillageAdmin, Village: "sukamaju"}
	mekarsar = domain.Identity{Subject: "admin-mekarsari", Role: domain.RoleVillageAdmin, Village: "mekarsari"}
	district = domain.Identity{Subject: "camat-1", Role: domain.RoleDistrictAdmin}
)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := store.New(conn)
	s.Now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng := engine.New(s, s, taxonomy.Default())
	eng.Now = s.Now
	return testEnv{Engine: eng, Store: s, Ctx: context.Background()}
}

func (env testEnv) mustCreate(t *testing.T, ident domain.Identity, kind domain.Kind, category string, amount int64) domain.BudgetLine {
	t.Helper()
	line, err := env.Engine.Create(env.Ctx, ident, engine.CreateOptions{
		FiscalYear: 2025,
		Kind:       kind,
		Category:   category,
		Amount:     amount,
	})
	if err != nil {
		t.Fatalf("create line: %v", err)
	}
	return line
}

func TestCreateDerivesFromTaxonomy(t *testing.T) {
	env := newTestEnv(t)
	line := env.mustCreate(t, sukamaju, domain.KindExpense, "Pembinaan Kemasyarakatan Desa", 5_000_000)
	if line.Status != domain.StatusDraft {
		t.Fatalf("new line status = %s, want draft", line.Status)
	}
	if line.AccountCode != "5.3" {
		t.Fatalf("account code = %s, want 5.3", line.AccountCode)
	}
	if line.Village != "sukamaju" {
		t.Fatalf("village = %s, want caller's village", line.Village)
	}
	if line.Description == "" {
		t.Fatalf("expected derived description")
	}
}

func TestCreateRejectsUnknownCategory(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Create(env.Ctx, sukamaju, engine.CreateOptions{
		FiscalYear: 2025,
		Kind:       domain.KindIncome,
		Category:   "Pembinaan Kemasyarakatan Desa", // expense category, income kind
		Amount:     100,
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateRequiresVillageAdmin(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Create(env.Ctx, district, engine.CreateOptions{
		FiscalYear: 2025,
		Kind:       domain.KindExpense,
		Category:   "Pembinaan Kemasyarakatan Desa",
		Amount:     100,
	})
	var ae engine.AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestSubmitFromDraft(t *testing.T) {
	env := newTestEnv(t)
	line := env.mustCreate(t, sukamaju, domain.KindExpense, "Pembinaan Kemasyarakatan Desa", 5_000_000)
	got, err := env.Engine.Submit(env.Ctx, sukamaju, line.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got.Status != domain.StatusSubmitted {
		t.Fatalf("status = %s, want submitted", got.Status)
	}
}

func TestSubmitFromApprovedFailsAndLeavesLineUnchanged(t *testing.T) {
	env := newTestEnv(t)
	line := env.mustCreate(t, sukamaju, domain.KindExpense, "Pembinaan Kemasyarakatan Desa", 5_000_000)
	if _, err := env.Engine.Submit(env.Ctx, sukamaju, line.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Approve(env.Ctx, district, line.ID); err != nil {
		t.Fatal(err)
	}

	_, err := env.Engine.Submit(env.Ctx, sukamaju, line.ID)
	var ise engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
	if ise.Status != domain.StatusApproved {
		t.Fatalf("reported status = %s, want approved", ise.Status)
	}
	cur, err := env.Store.GetLine(env.Ctx, line.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.Status != domain.StatusApproved {
		t.Fatalf("stored status = %s, want approved untouched", cur.Status)
	}
}

func TestRejectRequiresReason(t *testing.T) {
	env := newTestEnv(t)
	line := env.mustCreate(t, sukamaju, domain.KindExpense, "Pembinaan Kemasyarakatan Desa", 5_000_000)
	if _, err := env.Engine.Submit(env.Ctx, sukamaju, line.ID); err != nil {
		t.Fatal(err)
	}
	before := countEvents(t, env)

	_, err := env.Engine.Reject(env.Ctx, district, line.ID, "   ")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	cur, _ := env.Store.GetLine(env.Ctx, line.ID)
	if cur.Status != domain.StatusSubmitted {
		t.Fatalf("status = %s, want submitted untouched", cur.Status)
	}
	if after := countEvents(t, env); after != before {
		t.Fatalf("events grew from %d to %d on a rejected input", before, after)
	}
}

func TestRejectStoresReasonAndResubmitClearsIt(t *testing.T) {
	env := newTestEnv(t)
	line := env.mustCreate(t, sukamaju, domain.KindExpense, "Pembinaan Kemasyarakatan Desa", 5_000_000)
	if _, err := env.Engine.Submit(env.Ctx, sukamaju, line.ID); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Reject(env.Ctx, district, line.ID, "melebihi pagu")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got.Status != domain.StatusRejected || got.RejectionReason != "melebihi pagu" {
		t.Fatalf("got %s/%q, want rejected with reason", got.Status, got.RejectionReason)
	}

	// a rejected line may go straight back to submitted
	got, err = env.Engine.Submit(env.Ctx, sukamaju, line.ID)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if got.Status != domain.StatusSubmitted || got.RejectionReason != "" {
		t.Fatalf("got %s/%q, want submitted with cleared reason", got.Status, got.RejectionReason)
	}
}

func TestApproveOnlyFromSubmitted(t *testing.T) {
	env := newTestEnv(t)
	line := env.mustCreate(t, sukamaju, domain.KindExpense, "Pembinaan Kemasyarakatan Desa", 5_000_000)

	_, err := env.Engine.Approve(env.Ctx, district, line.ID)
	var ise engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("approve draft: expected invalid state error, got %v", err)
	}

	_, err = env.Engine.Approve(env.Ctx, sukamaju, line.ID)
	var ae engine.AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("approve as village admin: expected authorization error, got %v", err)
	}
}

func TestEditRejectedRevertsToDraft(t *testing.T) {
	env := newTestEnv(t)
	line := env.mustCreate(t, sukamaju, domain.KindExpense, "Pembinaan Kemasyarakatan Desa", 5_000_000)
	_, _ = env.Engine.Submit(env.Ctx, sukamaju, line.ID)
	_, _ = env.Engine.Reject(env.Ctx, district, line.ID, "melebihi pagu")

	amount := int64(3_000_000)
	got, err := env.Engine.Edit(env.Ctx, sukamaju, line.ID, engine.EditOptions{Amount: &amount})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if got.Status != domain.StatusDraft {
		t.Fatalf("status = %s, want draft after edit", got.Status)
	}
	if got.RejectionReason != "" {
		t.Fatalf("reason = %q, want cleared", got.RejectionReason)
	}
	if got.Amount != amount {
		t.Fatalf("amount = %d, want %d", got.Amount, amount)
	}
}

func TestEditSubmittedFailsWithoutMutation(t *testing.T) {
	env := newTestEnv(t)
	line := env.mustCreate(t, sukamaju, domain.KindExpense, "Pembinaan Kemasyarakatan Desa", 5_000_000)
	_, _ = env.Engine.Submit(env.Ctx, sukamaju, line.ID)

	amount := int64(1)
	_, err := env.Engine.Edit(env.Ctx, sukamaju, line.ID, engine.EditOptions{Amount: &amount})
	var ise engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
	cur, _ := env.Store.GetLine(env.Ctx, line.ID)
	if cur.Amount != 5_000_000 || cur.Status != domain.StatusSubmitted {
		t.Fatalf("line mutated: amount=%d status=%s", cur.Amount, cur.Status)
	}
}

func TestEditRederivesAgainstChangedKind(t *testing.T) {
	env := newTestEnv(t)
	line := env.mustCreate(t, sukamaju, domain.KindExpense, "Pembinaan Kemasyarakatan Desa", 5_000_000)

	kind := domain.KindIncome
	_, err := env.Engine.Edit(env.Ctx, sukamaju, line.ID, engine.EditOptions{Kind: &kind})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error when category absent from new kind, got %v", err)
	}

	category := "Pendapatan Transfer"
	got, err := env.Engine.Edit(env.Ctx, sukamaju, line.ID, engine.EditOptions{Kind: &kind, Category: &category})
	if err != nil {
		t.Fatalf("edit with matching category: %v", err)
	}
	if got.AccountCode != "4.2" {
		t.Fatalf("account code = %s, want re-derived 4.2", got.AccountCode)
	}
}

func TestCrossVillageAccessDenied(t *testing.T) {
	env := newTestEnv(t)
	line := env.mustCreate(t, sukamaju, domain.KindExpense, "Pembinaan Kemasyarakatan Desa", 5_000_000)

	var ae engine.AuthorizationError
	if _, err := env.Engine.Submit(env.Ctx, mekarsar, line.ID); !errors.As(err, &ae) {
		t.Fatalf("submit: expected authorization error, got %v", err)
	}
	if err := env.Engine.Delete(env.Ctx, mekarsar, line.ID); !errors.As(err, &ae) {
		t.Fatalf("delete: expected authorization error, got %v", err)
	}
	if _, err := env.Store.GetLine(env.Ctx, line.ID); err != nil {
		t.Fatalf("line should still exist: %v", err)
	}
}

func TestDeleteCascadesRealizations(t *testing.T) {
	env := newTestEnv(t)
	line := env.mustCreate(t, sukamaju, domain.KindExpense, "Pembinaan Kemasyarakatan Desa", 5_000_000)
	_, _ = env.Engine.Submit(env.Ctx, sukamaju, line.ID)
	_, _ = env.Engine.Approve(env.Ctx, district, line.ID)
	for i := 0; i < 3; i++ {
		if _, err := env.Engine.AddRealization(env.Ctx, sukamaju, line.ID, 100_000, "2025-03-01", "tahap"); err != nil {
			t.Fatalf("add realization: %v", err)
		}
	}

	// approved lines are out of reach for the village admin
	var ise engine.InvalidStateError
	if err := env.Engine.Delete(env.Ctx, sukamaju, line.ID); !errors.As(err, &ise) {
		t.Fatalf("village delete of approved line: expected invalid state error, got %v", err)
	}

	if err := env.Engine.Delete(env.Ctx, district, line.ID); err != nil {
		t.Fatalf("district delete: %v", err)
	}
	if _, err := env.Store.GetLine(env.Ctx, line.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected line gone, got %v", err)
	}
	n, err := env.Store.CountRealizations(env.Ctx, line.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected 0 realizations after cascade, got %d", n)
	}
}

func TestRealizationRequiresApprovedLine(t *testing.T) {
	env := newTestEnv(t)
	line := env.mustCreate(t, sukamaju, domain.KindExpense, "Pembinaan Kemasyarakatan Desa", 5_000_000)

	var ise engine.InvalidStateError
	if _, err := env.Engine.AddRealization(env.Ctx, sukamaju, line.ID, 100, "2025-03-01", ""); !errors.As(err, &ise) {
		t.Fatalf("expected invalid state error, got %v", err)
	}

	_, _ = env.Engine.Submit(env.Ctx, sukamaju, line.ID)
	_, _ = env.Engine.Approve(env.Ctx, district, line.ID)

	var ve engine.ValidationError
	if _, err := env.Engine.AddRealization(env.Ctx, sukamaju, line.ID, 100, "", ""); !errors.As(err, &ve) {
		t.Fatalf("expected validation error for missing date, got %v", err)
	}
	r, err := env.Engine.AddRealization(env.Ctx, sukamaju, line.ID, 100, "2025-03-01", "tahap pertama")
	if err != nil {
		t.Fatalf("add realization: %v", err)
	}
	if r.ID == "" {
		t.Fatalf("expected realization id")
	}
}

func TestUnknownLineReturnsNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Submit(env.Ctx, sukamaju, "no-such-line")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

// The full review loop: draft, submit, reject, revise, resubmit, approve.
func TestReviewLoopEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	line := env.mustCreate(t, sukamaju, domain.KindExpense, "Pembinaan Kemasyarakatan Desa", 5_000_000)

	if _, err := env.Engine.Submit(env.Ctx, sukamaju, line.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.Reject(env.Ctx, district, line.ID, "melebihi pagu kecamatan"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	amount := int64(3_000_000)
	got, err := env.Engine.Edit(env.Ctx, sukamaju, line.ID, engine.EditOptions{Amount: &amount})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if got.Status != domain.StatusDraft || got.RejectionReason != "" {
		t.Fatalf("after edit: %s/%q, want fresh draft", got.Status, got.RejectionReason)
	}
	if _, err := env.Engine.Submit(env.Ctx, sukamaju, line.ID); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	got, err = env.Engine.Approve(env.Ctx, district, line.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got.Status != domain.StatusApproved || got.Amount != amount {
		t.Fatalf("final line %s/%d, want approved/%d", got.Status, got.Amount, amount)
	}
}

// Two reviewers race to decide the same submitted line. The conditional
// write lets exactly one through; the loser sees the fresh status.
func TestConcurrentDecisionsHaveOneWinner(t *testing.T) {
	env := newTestEnv(t)
	line := env.mustCreate(t, sukamaju, domain.KindExpense, "Pembinaan Kemasyarakatan Desa", 5_000_000)
	if _, err := env.Engine.Submit(env.Ctx, sukamaju, line.ID); err != nil {
		t.Fatal(err)
	}

	other := domain.Identity{Subject: "camat-2", Role: domain.RoleDistrictAdmin}
	_, err1 := env.Engine.Approve(env.Ctx, district, line.ID)
	_, err2 := env.Engine.Reject(env.Ctx, other, line.ID, "sudah diputuskan")

	if err1 != nil {
		t.Fatalf("first decision should win: %v", err1)
	}
	var ise engine.InvalidStateError
	if !errors.As(err2, &ise) {
		t.Fatalf("second decision: expected invalid state error, got %v", err2)
	}
	if ise.Status != domain.StatusApproved {
		t.Fatalf("loser saw status %s, want approved", ise.Status)
	}
	cur, _ := env.Store.GetLine(env.Ctx, line.ID)
	if cur.Status != domain.StatusApproved || cur.RejectionReason != "" {
		t.Fatalf("stored %s/%q, want approved with no reason", cur.Status, cur.RejectionReason)
	}

	// a duplicate approve also loses
	if _, err := env.Engine.Approve(env.Ctx, other, line.ID); !errors.As(err, &ise) {
		t.Fatalf("double approve: expected invalid state error, got %v", err)
	}
}

func TestEventAppendedPerTransition(t *testing.T) {
	env := newTestEnv(t)
	line := env.mustCreate(t, sukamaju, domain.KindExpense, "Pembinaan Kemasyarakatan Desa", 5_000_000)
	_, _ = env.Engine.Submit(env.Ctx, sukamaju, line.ID)
	_, _ = env.Engine.Approve(env.Ctx, district, line.ID)

	evts, err := env.Store.LatestEvents(env.Ctx, 10, "sukamaju")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 3 {
		t.Fatalf("expected 3 events, got %d", len(evts))
	}
	// newest first
	want := []string{domain.EventLineApproved, domain.EventLineSubmitted, domain.EventLineCreated}
	for i, w := range want {
		if evts[i].Type != w {
			t.Fatalf("event[%d] = %s, want %s", i, evts[i].Type, w)
		}
	}
}

func TestOnEventFiresAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	var seen []string
	env.Engine.OnEvent = func(evt domain.Event) { seen = append(seen, evt.Type) }

	line := env.mustCreate(t, sukamaju, domain.KindExpense, "Pembinaan Kemasyarakatan Desa", 5_000_000)
	_, _ = env.Engine.Submit(env.Ctx, sukamaju, line.ID)

	// a failed transition must not fire
	_, _ = env.Engine.Submit(env.Ctx, sukamaju, line.ID)

	if len(seen) != 2 || seen[0] != domain.EventLineCreated || seen[1] != domain.EventLineSubmitted {
		t.Fatalf("seen = %v, want created then submitted", seen)
	}
}

func countEvents(t *testing.T, env testEnv) int {
	t.Helper()
	var n int
	if err := env.Store.Conn.QueryRowContext(env.Ctx, `SELECT count(*) FROM events`).Scan(&n); err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}
