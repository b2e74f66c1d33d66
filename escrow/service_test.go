package escrow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

func newTestService() (*Service, *fakeStore) {
	store := newFakeStore("project-1")
	svc := NewService(&fakePool{}, store)
	return svc, store
}

func mustDeposit(t *testing.T, svc *Service, amount, ref string) Entry {
	t.Helper()
	entry, err := svc.Deposit(context.Background(), DepositParams{
		ProjectID:        "project-1",
		PayerID:          "payer-1",
		Amount:           decimal.RequireFromString(amount),
		Currency:         "USD",
		GatewayReference: ref,
	})
	if err != nil {
		t.Fatalf("deposit %s: %v", amount, err)
	}
	return entry
}

func available(t *testing.T, svc *Service) decimal.Decimal {
	t.Helper()
	sum, err := svc.GetSummary(context.Background(), "project-1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	return sum.Available
}

func TestDepositThenPercentageRelease(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	deposit := mustDeposit(t, svc, "1000.00", "ref-1")

	pct := decimal.NewFromInt(25)
	release, err := svc.Release(ctx, ReleaseParams{EntryID: deposit.ID, Percentage: &pct})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !release.Amount.Equal(decimal.RequireFromString("250.00")) {
		t.Fatalf("expected release of 250.00, got %s", release.Amount)
	}
	if release.Type != TypeRelease {
		t.Fatalf("expected release type, got %s", release.Type)
	}
	if release.ParentEntryID == nil || *release.ParentEntryID != deposit.ID {
		t.Fatal("release must trace its origin deposit")
	}

	if got := available(t, svc); !got.Equal(decimal.RequireFromString("750.00")) {
		t.Fatalf("expected available 750.00, got %s", got)
	}
}

func TestDepositCurrencyMismatch(t *testing.T) {
	svc, store := newTestService()

	_, err := svc.Deposit(context.Background(), DepositParams{
		ProjectID:        "project-1",
		PayerID:          "payer-1",
		Amount:           decimal.RequireFromString("1000"),
		Currency:         "JPY",
		GatewayReference: "ref-jpy",
	})
	if !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("expected ErrCurrencyMismatch, got %v", err)
	}
	if store.entryCount() != 0 {
		t.Fatal("rejected deposit must leave no ledger entry")
	}
}

func TestReleaseInvalidPercentage(t *testing.T) {
	svc, _ := newTestService()
	deposit := mustDeposit(t, svc, "1000.00", "ref-1")

	pct := decimal.NewFromInt(150)
	if _, err := svc.Release(context.Background(), ReleaseParams{EntryID: deposit.ID, Percentage: &pct}); !errors.Is(err, ErrInvalidPercentage) {
		t.Fatalf("expected ErrInvalidPercentage, got %v", err)
	}

	if got := available(t, svc); !got.Equal(decimal.RequireFromString("1000.00")) {
		t.Fatalf("balance must be unchanged, got %s", got)
	}
}

func TestReleaseInsufficientFunds(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	deposit := mustDeposit(t, svc, "1000.00", "ref-1")

	if _, err := svc.Release(ctx, ReleaseParams{EntryID: deposit.ID}); err != nil {
		t.Fatalf("full release: %v", err)
	}
	if _, err := svc.Release(ctx, ReleaseParams{EntryID: deposit.ID}); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := available(t, svc); !got.IsZero() {
		t.Fatalf("expected zero balance, got %s", got)
	}
}

func TestRefundOverBalance(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	deposit := mustDeposit(t, svc, "2000.00", "ref-1")

	half := decimal.NewFromInt(50)
	if _, err := svc.Release(ctx, ReleaseParams{EntryID: deposit.ID, Percentage: &half}); err != nil {
		t.Fatalf("release half: %v", err)
	}
	if got := available(t, svc); !got.Equal(decimal.RequireFromString("1000.00")) {
		t.Fatalf("expected available 1000.00, got %s", got)
	}

	// A full refund of the 2000.00 deposit exceeds the remaining 1000.00.
	_, err := svc.Refund(ctx, RefundParams{EntryID: deposit.ID, Reason: "project cancelled"})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := available(t, svc); !got.Equal(decimal.RequireFromString("1000.00")) {
		t.Fatalf("balance must remain 1000.00, got %s", got)
	}
}

func TestRefundRequiresReason(t *testing.T) {
	svc, _ := newTestService()
	deposit := mustDeposit(t, svc, "100.00", "ref-1")

	if _, err := svc.Refund(context.Background(), RefundParams{EntryID: deposit.ID}); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}
}

func TestPartialRefundType(t *testing.T) {
	svc, _ := newTestService()
	deposit := mustDeposit(t, svc, "100.00", "ref-1")

	pct := decimal.NewFromInt(40)
	refund, err := svc.Refund(context.Background(), RefundParams{
		EntryID:    deposit.ID,
		Reason:     "partial delivery",
		Percentage: &pct,
	})
	if err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	if refund.Type != TypePartialRefund {
		t.Fatalf("expected partial_refund, got %s", refund.Type)
	}
	if !refund.Amount.Equal(decimal.RequireFromString("40.00")) {
		t.Fatalf("expected 40.00, got %s", refund.Amount)
	}
}

func TestDuplicateGatewayReference(t *testing.T) {
	svc, store := newTestService()
	mustDeposit(t, svc, "500.00", "ref-dup")

	_, err := svc.Deposit(context.Background(), DepositParams{
		ProjectID:        "project-1",
		PayerID:          "payer-1",
		Amount:           decimal.RequireFromString("500.00"),
		Currency:         "USD",
		GatewayReference: "ref-dup",
	})
	if !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
	if n := store.entryCount(); n != 1 {
		t.Fatalf("expected a single ledger entry, got %d", n)
	}
}

func TestDisputeLifecycle(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	mustDeposit(t, svc, "1000.00", "ref-1")
	disputed := mustDeposit(t, svc, "500.00", "ref-2")

	if _, err := svc.InitiateDispute(ctx, disputed.ID, "chargeback claim"); err != nil {
		t.Fatalf("initiate dispute: %v", err)
	}

	sum, err := svc.GetSummary(ctx, "project-1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !sum.Available.Equal(decimal.RequireFromString("1000.00")) {
		t.Fatalf("expected available 1000.00 while disputed, got %s", sum.Available)
	}
	if !sum.Disputed.Equal(decimal.RequireFromString("500.00")) {
		t.Fatalf("expected disputed 500.00, got %s", sum.Disputed)
	}

	if _, err := svc.ResolveDispute(ctx, ResolveDisputeParams{
		EntryID:    disputed.ID,
		ResolverID: "admin-1",
		Resolution: DisputeResolvedRefund,
		Notes:      "refund the payer",
	}); err != nil {
		t.Fatalf("resolve dispute: %v", err)
	}

	sum, err = svc.GetSummary(ctx, "project-1")
	if err != nil {
		t.Fatalf("summary after resolution: %v", err)
	}
	// Deposit counts again, refund cancels it: conservation restored.
	if !sum.Available.Equal(decimal.RequireFromString("1000.00")) {
		t.Fatalf("expected available 1000.00 after refund resolution, got %s", sum.Available)
	}
	if !sum.Disputed.IsZero() {
		t.Fatalf("expected zero disputed after resolution, got %s", sum.Disputed)
	}
	if !sum.Refunds.Equal(decimal.RequireFromString("500.00")) {
		t.Fatalf("expected refunds 500.00, got %s", sum.Refunds)
	}
}

func TestResolveDisputeTwice(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	deposit := mustDeposit(t, svc, "500.00", "ref-1")
	if _, err := svc.InitiateDispute(ctx, deposit.ID, "claim"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := svc.ResolveDispute(ctx, ResolveDisputeParams{
		EntryID: deposit.ID, ResolverID: "admin-1", Resolution: DisputeResolvedRelease,
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	_, err := svc.ResolveDispute(ctx, ResolveDisputeParams{
		EntryID: deposit.ID, ResolverID: "admin-1", Resolution: DisputeResolvedRefund,
	})
	if !errors.Is(err, ErrDisputeState) {
		t.Fatalf("expected ErrDisputeState on double resolution, got %v", err)
	}
}

func TestDisputeOnReleasedDeposit(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	deposit := mustDeposit(t, svc, "500.00", "ref-1")
	pct := decimal.NewFromInt(80)
	if _, err := svc.Release(ctx, ReleaseParams{EntryID: deposit.ID, Percentage: &pct}); err != nil {
		t.Fatalf("release: %v", err)
	}

	// Freezing the full 500.00 would leave the ledger at -400.00.
	if _, err := svc.InitiateDispute(ctx, deposit.ID, "claim"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestMilestoneReleaseRequiresVerified(t *testing.T) {
	svc, _ := newTestService()
	deposit := mustDeposit(t, svc, "1000.00", "ref-1")

	pct := decimal.NewFromInt(25)
	_, err := svc.Release(context.Background(), ReleaseParams{
		EntryID:    deposit.ID,
		Percentage: &pct,
		Milestone:  &MilestoneClaim{ID: "ms-1", Verified: false},
	})
	if !errors.Is(err, ErrMilestoneNotReady) {
		t.Fatalf("expected ErrMilestoneNotReady, got %v", err)
	}
}

func TestMilestoneAllowanceExhaustion(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	deposit := mustDeposit(t, svc, "1000.00", "ref-1")

	sixty := decimal.NewFromInt(60)
	release, err := svc.Release(ctx, ReleaseParams{
		EntryID:    deposit.ID,
		Percentage: &sixty,
		Milestone:  &MilestoneClaim{ID: "ms-1", Verified: true},
	})
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if release.Type != TypeMilestoneRelease {
		t.Fatalf("expected milestone_release, got %s", release.Type)
	}

	fifty := decimal.NewFromInt(50)
	_, err = svc.Release(ctx, ReleaseParams{
		EntryID:    deposit.ID,
		Percentage: &fifty,
		Milestone:  &MilestoneClaim{ID: "ms-2", Verified: true},
	})
	if !errors.Is(err, ErrAllowanceExceeded) {
		t.Fatalf("expected ErrAllowanceExceeded, got %v", err)
	}

	forty := decimal.NewFromInt(40)
	if _, err := svc.Release(ctx, ReleaseParams{
		EntryID:    deposit.ID,
		Percentage: &forty,
		Milestone:  &MilestoneClaim{ID: "ms-2", Verified: true},
	}); err != nil {
		t.Fatalf("remaining claim: %v", err)
	}
}

func TestConservationAcrossSequence(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	d1 := mustDeposit(t, svc, "1000.00", "ref-1")
	d2 := mustDeposit(t, svc, "250.50", "ref-2")

	ten := decimal.NewFromInt(10)
	if _, err := svc.Release(ctx, ReleaseParams{EntryID: d1.ID, Percentage: &ten}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := svc.Refund(ctx, RefundParams{EntryID: d2.ID, Reason: "payer request", Percentage: &ten}); err != nil {
		t.Fatalf("refund: %v", err)
	}

	sum, err := svc.GetSummary(ctx, "project-1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	want := sum.Deposits.Sub(sum.Releases).Sub(sum.Refunds)
	if !sum.Available.Equal(want) {
		t.Fatalf("conservation broken: available %s, deposits-releases-refunds %s", sum.Available, want)
	}
	if sum.Available.IsNegative() {
		t.Fatalf("available balance went negative: %s", sum.Available)
	}
}

// fakeStore is an in-memory ledger implementing Store. Transactions are not
// simulated; every test failure path fails before its first write. Projects
// map to their ledger currency, USD unless a test says otherwise.
type fakeStore struct {
	projects map[string]string
	entries  map[string]*Entry
	order    []string
	nextID   int
}

func newFakeStore(projectIDs ...string) *fakeStore {
	projects := make(map[string]string, len(projectIDs))
	for _, id := range projectIDs {
		projects[id] = "USD"
	}
	return &fakeStore{
		projects: projects,
		entries:  make(map[string]*Entry),
		nextID:   1,
	}
}

func (f *fakeStore) entryCount() int { return len(f.entries) }

func (f *fakeStore) LockProject(ctx context.Context, tx pgx.Tx, projectID string) (string, error) {
	currency, ok := f.projects[projectID]
	if !ok {
		return "", ErrProjectNotFound
	}
	return currency, nil
}

func (f *fakeStore) AvailableBalance(ctx context.Context, tx pgx.Tx, projectID string) (decimal.Decimal, error) {
	sum, err := f.Summary(ctx, projectID)
	if err != nil {
		return decimal.Zero, err
	}
	return sum.Available, nil
}

func (f *fakeStore) InsertEntry(ctx context.Context, tx pgx.Tx, e Entry) (Entry, error) {
	if e.GatewayReference != nil {
		for _, existing := range f.entries {
			if existing.GatewayReference != nil && *existing.GatewayReference == *e.GatewayReference {
				return Entry{}, ErrDuplicateReference
			}
		}
	}
	e.ID = fmt.Sprintf("entry-%d", f.nextID)
	f.nextID++
	e.CreatedAt = time.Now().UTC()
	e.UpdatedAt = e.CreatedAt
	stored := e
	f.entries[e.ID] = &stored
	f.order = append(f.order, e.ID)
	return e, nil
}

func (f *fakeStore) GetEntryForUpdate(ctx context.Context, tx pgx.Tx, entryID string) (Entry, error) {
	e, ok := f.entries[entryID]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return *e, nil
}

func (f *fakeStore) GetEntry(ctx context.Context, entryID string) (Entry, error) {
	return f.GetEntryForUpdate(ctx, nil, entryID)
}

func (f *fakeStore) AddReleasedPercentage(ctx context.Context, tx pgx.Tx, entryID string, claim decimal.Decimal) error {
	e, ok := f.entries[entryID]
	if !ok {
		return ErrEntryNotFound
	}
	e.ReleasedPercentage = e.ReleasedPercentage.Add(claim)
	return nil
}

func (f *fakeStore) MarkDisputed(ctx context.Context, tx pgx.Tx, entryID, reason string) error {
	e, ok := f.entries[entryID]
	if !ok {
		return ErrEntryNotFound
	}
	e.Status = StatusDisputed
	e.DisputeStatus = DisputePending
	e.DisputeReason = &reason
	return nil
}

func (f *fakeStore) ResolveDispute(ctx context.Context, tx pgx.Tx, entryID string, resolution DisputeStatus, resolverID, notes string) error {
	e, ok := f.entries[entryID]
	if !ok {
		return ErrEntryNotFound
	}
	e.Status = StatusCompleted
	e.DisputeStatus = resolution
	e.DisputeNotes = &notes
	e.DisputeResolvedBy = &resolverID
	return nil
}

func (f *fakeStore) ListCompletedDeposits(ctx context.Context, projectID string) ([]Entry, error) {
	out := make([]Entry, 0, len(f.order))
	for _, id := range f.order {
		e := f.entries[id]
		if e.ProjectID == projectID && e.Type == TypeDeposit && e.Status == StatusCompleted {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeStore) Summary(ctx context.Context, projectID string) (Summary, error) {
	s := Summary{
		Deposits: decimal.Zero,
		Releases: decimal.Zero,
		Refunds:  decimal.Zero,
		Disputed: decimal.Zero,
	}
	for _, e := range f.entries {
		if e.ProjectID != projectID {
			continue
		}
		switch {
		case e.Status == StatusDisputed && e.DisputeStatus == DisputePending:
			s.Disputed = s.Disputed.Add(e.Amount)
		case e.Status != StatusCompleted:
		case e.Type == TypeDeposit:
			s.Deposits = s.Deposits.Add(e.Amount)
		case e.Type == TypeRelease || e.Type == TypeMilestoneRelease:
			s.Releases = s.Releases.Add(e.Amount)
		case e.Type == TypeRefund || e.Type == TypePartialRefund:
			s.Refunds = s.Refunds.Add(e.Amount)
		}
	}
	s.Available = s.Deposits.Sub(s.Releases).Sub(s.Refunds)
	return s, nil
}

type fakePool struct{}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	return &fakeTx{}, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
