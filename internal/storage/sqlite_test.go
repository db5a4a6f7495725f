package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pesatrack/internal/core"
	"pesatrack/internal/services"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func sampleTx(id string, day int, cents int64) core.Transaction {
	now := time.Now().UTC()
	return core.Transaction{
		ID:                  id,
		RecipientIdentifier: "0712345678",
		RecipientName:       "JOHN DOE",
		Amount:              core.Money{Cents: cents},
		Direction:           core.Debit,
		Category:            core.CategoryOther,
		TransactionDate:     time.Date(2024, 3, day, 10, 0, 0, 0, time.UTC),
		Source:              core.SourceSMS,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func TestMigrationsRerunIsNoOp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	if err := RunMigrations(path); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := RunMigrations(path); err != nil {
		t.Fatalf("rerun: %v", err)
	}
}

func TestMarkProcessedIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	fresh, err := repo.MarkProcessed(ctx, "ref:ABC123")
	if err != nil || !fresh {
		t.Fatalf("first mark: fresh=%v err=%v", fresh, err)
	}
	fresh, err = repo.MarkProcessed(ctx, "ref:ABC123")
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if fresh {
		t.Error("second mark reported fresh")
	}
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	wantErr := errors.New("boom")
	err := repo.RunInTx(ctx, func(s services.Store) error {
		if err := s.CreateTransaction(ctx, sampleTx("tx-1", 1, 10000)); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("RunInTx err = %v, want wrapped boom", err)
	}

	txs, err := repo.ListTransactions(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txs) != 0 {
		t.Errorf("rollback left %d transactions", len(txs))
	}
}

func TestTransactionsNewestFirst(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i, day := range []int{5, 1, 9} {
		tx := sampleTx([]string{"tx-a", "tx-b", "tx-c"}[i], day, 10000)
		if err := repo.CreateTransaction(ctx, tx); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	txs, err := repo.ListTransactionsByRecipient(ctx, "0712345678", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("len = %d, want 2", len(txs))
	}
	if txs[0].ID != "tx-c" || txs[1].ID != "tx-a" {
		t.Errorf("order = %s, %s; want tx-c, tx-a", txs[0].ID, txs[1].ID)
	}
}

func TestCategoryStats(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i, cents := range []int64{10000, 20000, 30000} {
		tx := sampleTx([]string{"tx-a", "tx-b", "tx-c"}[i], i+1, cents)
		if err := repo.CreateTransaction(ctx, tx); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	mean, samples, err := repo.CategoryStats(ctx, core.CategoryOther, core.Debit)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if samples != 3 {
		t.Errorf("samples = %d, want 3", samples)
	}
	if mean.Cents != 20000 {
		t.Errorf("mean = %d, want 20000", mean.Cents)
	}

	_, samples, err = repo.CategoryStats(ctx, core.CategoryOther, core.Credit)
	if err != nil || samples != 0 {
		t.Errorf("credit stats: samples=%d err=%v, want 0", samples, err)
	}
}

func TestLatestBalance(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	balance, err := repo.LatestBalance(ctx)
	if err != nil || balance != nil {
		t.Fatalf("empty store: balance=%v err=%v", balance, err)
	}

	older := sampleTx("tx-a", 1, 10000)
	older.BalanceAfter = &core.Money{Cents: 99999}
	newer := sampleTx("tx-b", 8, 10000)
	newer.BalanceAfter = &core.Money{Cents: 50000}
	noBalance := sampleTx("tx-c", 9, 10000)
	for _, tx := range []core.Transaction{older, newer, noBalance} {
		if err := repo.CreateTransaction(ctx, tx); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	balance, err = repo.LatestBalance(ctx)
	if err != nil {
		t.Fatalf("latest balance: %v", err)
	}
	if balance == nil || balance.Cents != 50000 {
		t.Errorf("balance = %v, want 50000 cents from newest balance-bearing row", balance)
	}
}

func TestRecipientRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rec, err := repo.GetRecipient(ctx, "0712345678")
	if err != nil || rec != nil {
		t.Fatalf("unseen recipient: rec=%v err=%v", rec, err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	stored := core.Recipient{
		Identifier:          "0712345678",
		Name:                "JOHN DOE",
		Type:                core.RecipientPhone,
		TotalTransactions:   3,
		TotalAmountSent:     core.Money{Cents: 75000},
		LastTransactionDate: now,
		Purposes: []core.PurposeStat{
			{Purpose: "rent", TotalCount: 2, Confidence: 0.67},
			{Purpose: "food", TotalCount: 1, Confidence: 0.33},
		},
		DefaultPurpose:    "rent",
		PurposeConfidence: 0.67,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := repo.UpsertRecipient(ctx, stored); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rec, err = repo.GetRecipient(ctx, "0712345678")
	if err != nil || rec == nil {
		t.Fatalf("get: rec=%v err=%v", rec, err)
	}
	if rec.Name != "JOHN DOE" || rec.TotalTransactions != 3 || rec.DefaultPurpose != "rent" {
		t.Errorf("unexpected recipient: %+v", rec)
	}
	if len(rec.Purposes) != 2 {
		t.Fatalf("purposes = %d, want 2", len(rec.Purposes))
	}

	// Second upsert replaces, not duplicates.
	stored.TotalTransactions = 4
	stored.Purposes = []core.PurposeStat{{Purpose: "rent", TotalCount: 3, Confidence: 0.75}}
	if err := repo.UpsertRecipient(ctx, stored); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	rec, _ = repo.GetRecipient(ctx, "0712345678")
	if rec.TotalTransactions != 4 || len(rec.Purposes) != 1 {
		t.Errorf("after update: total=%d purposes=%d", rec.TotalTransactions, len(rec.Purposes))
	}
}

func TestIncomeSources(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	employer := core.Recipient{
		Identifier: "ACME LTD", Name: "ACME LTD", Type: core.RecipientPaybill,
		IsIncomeSource: true, IncomeFrequency: core.IncomeMonthly,
		LastTransactionDate: now, CreatedAt: now, UpdatedAt: now,
	}
	shop := core.Recipient{
		Identifier: "NAKUMATT", Name: "NAKUMATT", Type: core.RecipientPaybill,
		CreatedAt: now, UpdatedAt: now,
	}
	for _, r := range []core.Recipient{employer, shop} {
		if err := repo.UpsertRecipient(ctx, r); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	sources, err := repo.ListIncomeSources(ctx)
	if err != nil {
		t.Fatalf("list income sources: %v", err)
	}
	if len(sources) != 1 || sources[0].Identifier != "ACME LTD" {
		t.Errorf("sources = %+v, want only ACME LTD", sources)
	}
}

func TestSubscriptionUpsertAndStatusFilter(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	sub := core.Subscription{
		ID:                  "sub-1",
		RecipientIdentifier: "820820",
		ServiceName:         "DSTV KENYA",
		Frequency:           core.Monthly,
		TypicalAmount:       core.Money{Cents: 109900},
		NextExpectedDate:    now.AddDate(0, 1, 0),
		LastPaymentDate:     now,
		TotalSpent:          core.Money{Cents: 329700},
		PaymentCount:        3,
		Status:              core.SubscriptionDetected,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := repo.UpsertSubscription(ctx, sub); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := repo.GetSubscription(ctx, "820820", "DSTV KENYA")
	if err != nil || got == nil {
		t.Fatalf("get: sub=%v err=%v", got, err)
	}
	if got.PaymentCount != 3 || got.Status != core.SubscriptionDetected {
		t.Errorf("unexpected subscription: %+v", got)
	}

	// Same pair promotes in place.
	sub.Status = core.SubscriptionActive
	sub.PaymentCount = 4
	if err := repo.UpsertSubscription(ctx, sub); err != nil {
		t.Fatalf("promote: %v", err)
	}

	active, err := repo.ListSubscriptionsByStatus(ctx, core.SubscriptionActive)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].PaymentCount != 4 {
		t.Errorf("active = %+v, want one with count 4", active)
	}

	detected, err := repo.ListSubscriptionsByStatus(ctx, core.SubscriptionDetected, core.SubscriptionPaused)
	if err != nil || len(detected) != 0 {
		t.Errorf("detected/paused = %d err=%v, want 0", len(detected), err)
	}
}

func TestAlertsLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	alerts := []core.Alert{
		{ID: "al-1", Type: core.AlertAnomaly, Title: "Unusual payment", Message: "m1",
			Severity: core.SeverityWarning, RelatedTransactionID: "tx-1", CreatedAt: now},
		{ID: "al-2", Type: core.AlertSubscription, Title: "New subscription", Message: "m2",
			Severity: core.SeverityInfo, RelatedRecipientID: "820820", CreatedAt: now.Add(time.Second)},
	}
	for _, a := range alerts {
		if err := repo.CreateAlert(ctx, a); err != nil {
			t.Fatalf("create alert: %v", err)
		}
	}

	unread, err := repo.ListAlerts(ctx, true, 10)
	if err != nil || len(unread) != 2 {
		t.Fatalf("unread = %d err=%v, want 2", len(unread), err)
	}

	if err := repo.MarkAlertRead(ctx, "al-1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	unread, _ = repo.ListAlerts(ctx, true, 10)
	if len(unread) != 1 || unread[0].ID != "al-2" {
		t.Errorf("unread after read = %+v, want only al-2", unread)
	}

	if err := repo.DismissAlert(ctx, "al-2"); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	all, _ := repo.ListAlerts(ctx, false, 10)
	for _, a := range all {
		if a.ID == "al-2" && !a.IsDismissed {
			t.Error("al-2 not dismissed")
		}
	}
}
