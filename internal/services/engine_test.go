package services_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"pesatrack/internal/core"
	"pesatrack/internal/log"
	"pesatrack/internal/services"
	sheetmem "pesatrack/internal/sheets/memory"
	"pesatrack/internal/sms"
	"pesatrack/internal/storage"
)

func newTestEngine(t *testing.T) (*services.Engine, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := log.New(log.Config{Level: slog.LevelError})
	return services.NewEngine(store, services.DefaultConfig(), logger), store
}

func rawMessage(body string) core.RawMessage {
	return core.RawMessage{Sender: "MPESA", Body: body, ReceivedAt: time.Now()}
}

func TestIngestSentMessage(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	res, err := engine.IngestMessage(ctx,
		rawMessage("Confirmed. ABC123 on 1/5/24 at 2:30 PM KES 2,500 sent to JOHN DOE."))
	if err != nil {
		t.Fatalf("IngestMessage: %v", err)
	}
	if res.Status != services.ResultApplied {
		t.Fatalf("status = %q, want applied", res.Status)
	}

	tx := res.Transaction
	if tx == nil {
		t.Fatal("no transaction in result")
	}
	if tx.Amount.Cents != 250000 {
		t.Errorf("amount = %d cents, want 250000", tx.Amount.Cents)
	}
	if tx.Direction != core.Debit {
		t.Errorf("direction = %q, want debit", tx.Direction)
	}
	if tx.RecipientIdentifier != "JOHN DOE" {
		t.Errorf("identifier = %q, want JOHN DOE", tx.RecipientIdentifier)
	}
	want := time.Date(2024, 5, 1, 14, 30, 0, 0, time.UTC)
	if !tx.TransactionDate.Equal(want) {
		t.Errorf("date = %v, want %v", tx.TransactionDate, want)
	}

	rec, err := store.GetRecipient(ctx, "JOHN DOE")
	if err != nil || rec == nil {
		t.Fatalf("recipient not created: %v", err)
	}
	if rec.TotalTransactions != 1 || rec.TotalAmountSent.Cents != 250000 {
		t.Errorf("profile = %d txs / %d cents sent", rec.TotalTransactions, rec.TotalAmountSent.Cents)
	}
	if len(res.Alerts) != 0 {
		t.Errorf("got %d alerts on first observation, want 0", len(res.Alerts))
	}
}

func TestIngestDuplicateRedelivery(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	body := "Confirmed. ABC123 on 1/5/24 at 2:30 PM KES 2,500 sent to JOHN DOE."

	if _, err := engine.IngestMessage(ctx, rawMessage(body)); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	res, err := engine.IngestMessage(ctx, rawMessage(body))
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if res.Status != services.ResultDuplicate {
		t.Errorf("status = %q, want duplicate", res.Status)
	}

	txs, err := store.ListTransactions(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 1 {
		t.Errorf("store has %d transactions, want 1", len(txs))
	}
	rec, _ := store.GetRecipient(ctx, "JOHN DOE")
	if rec.TotalTransactions != 1 {
		t.Errorf("profile counted the redelivery: %d", rec.TotalTransactions)
	}
}

func TestIngestDropsNoise(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	res, err := engine.IngestMessage(ctx, core.RawMessage{
		Sender: "FRIEND", Body: "see you at 6", ReceivedAt: time.Now(),
	})
	if err != nil || res.Status != services.ResultNotFinancial {
		t.Errorf("chat message: status = %q, err = %v", res.Status, err)
	}

	res, err = engine.IngestMessage(ctx, rawMessage("Your M-PESA PIN will expire soon"))
	if err != nil || res.Status != services.ResultUnparsed {
		t.Errorf("unparseable carrier message: status = %q, err = %v", res.Status, err)
	}
}

func TestManualCashEntry(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	res, err := engine.SubmitManual(ctx, sms.ManualEntry{
		RecipientIdentifier: core.CashIdentifier,
		Amount:              "150",
		Direction:           core.Debit,
		Category:            "food",
		Date:                time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("SubmitManual: %v", err)
	}
	if res.Status != services.ResultApplied {
		t.Fatalf("status = %q, want applied", res.Status)
	}
	if res.Recipient != nil {
		t.Error("cash entry created a recipient profile")
	}

	rec, _ := store.GetRecipient(ctx, core.CashIdentifier)
	if rec != nil {
		t.Error("CASH sentinel was aggregated")
	}
	txs, _ := store.ListTransactions(ctx, 10)
	if len(txs) != 1 {
		t.Errorf("store has %d transactions, want 1", len(txs))
	}
}

func TestManualEntryValidation(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.SubmitManual(ctx, sms.ManualEntry{
		RecipientIdentifier: "0712345678",
		Amount:              "-50",
		Direction:           core.Debit,
		Date:                time.Now(),
	})
	if err == nil {
		t.Fatal("negative amount accepted")
	}
}

func paybillMessage(ref, date string) string {
	return fmt.Sprintf("%s Confirmed. Ksh1,099.00 paid to DSTV KENYA for account 4567 on %s at 9:00 AM", ref, date)
}

func TestSubscriptionLifecycle(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	var last *services.Result
	for i, m := range []struct{ ref, date string }{
		{"SGH45AAA01", "1/1/24"},
		{"SGH45BBB02", "1/2/24"},
		{"SGH45CCC03", "1/3/24"},
	} {
		res, err := engine.IngestMessage(ctx, rawMessage(paybillMessage(m.ref, m.date)))
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		last = res
	}

	sub := last.Subscription
	if sub == nil {
		t.Fatal("three monthly payments did not detect a subscription")
	}
	if sub.Status != core.SubscriptionDetected {
		t.Errorf("status = %q, want detected", sub.Status)
	}
	if sub.Frequency != core.Monthly {
		t.Errorf("frequency = %q, want monthly", sub.Frequency)
	}
	if sub.TypicalAmount.Cents != 109900 {
		t.Errorf("typical amount = %d, want 109900", sub.TypicalAmount.Cents)
	}
	if len(last.Alerts) != 1 || last.Alerts[0].Type != core.AlertSubscription {
		t.Errorf("expected one subscription alert, got %+v", last.Alerts)
	}
	rec, _ := store.GetRecipient(ctx, "DSTV KENYA")
	if !rec.IsSubscription {
		t.Error("recipient not flagged as subscription")
	}

	// A fourth on-schedule payment promotes detected to active
	res, err := engine.IngestMessage(ctx, rawMessage(paybillMessage("SGH45DDD04", "1/4/24")))
	if err != nil {
		t.Fatal(err)
	}
	if res.Subscription == nil || res.Subscription.Status != core.SubscriptionActive {
		t.Fatalf("fourth payment did not activate: %+v", res.Subscription)
	}
	if res.Subscription.PaymentCount != 4 {
		t.Errorf("payment count = %d, want 4", res.Subscription.PaymentCount)
	}
	if len(res.Alerts) != 0 {
		t.Errorf("matching payment raised %d alerts, want 0", len(res.Alerts))
	}
}

func TestLatePaymentPausesSubscription(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	for _, m := range []struct{ ref, date string }{
		{"SGH45AAA01", "1/1/24"},
		{"SGH45BBB02", "1/2/24"},
		{"SGH45CCC03", "1/3/24"},
	} {
		if _, err := engine.IngestMessage(ctx, rawMessage(paybillMessage(m.ref, m.date))); err != nil {
			t.Fatal(err)
		}
	}

	// 65 days after the last payment, well past the monthly grace
	// window. The off-schedule payment itself pauses the subscription,
	// no sweep needed.
	res, err := engine.IngestMessage(ctx, rawMessage(paybillMessage("SGH45EEE05", "5/5/24")))
	if err != nil {
		t.Fatal(err)
	}
	if res.Subscription == nil || res.Subscription.Status != core.SubscriptionPaused {
		t.Fatalf("late payment did not pause: %+v", res.Subscription)
	}
	if res.Subscription.PaymentCount != 3 {
		t.Errorf("payment count = %d, want 3", res.Subscription.PaymentCount)
	}
}

func TestSweepPausesOverdue(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	for _, m := range []struct{ ref, date string }{
		{"SGH45AAA01", "1/1/24"},
		{"SGH45BBB02", "1/2/24"},
		{"SGH45CCC03", "1/3/24"},
	} {
		if _, err := engine.IngestMessage(ctx, rawMessage(paybillMessage(m.ref, m.date))); err != nil {
			t.Fatal(err)
		}
	}

	// The expected April payment never arrived; the sweep runs long after.
	if err := engine.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	sub, err := store.GetSubscription(ctx, "DSTV KENYA", "DSTV KENYA")
	if err != nil || sub == nil {
		t.Fatalf("subscription lookup: %v", err)
	}
	if sub.Status != core.SubscriptionPaused {
		t.Errorf("status = %q, want paused", sub.Status)
	}
}

func TestSweepRecurringDueOnce(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	sub := core.Subscription{
		ID:                  "sub-1",
		RecipientIdentifier: "DSTV KENYA",
		ServiceName:         "DSTV KENYA",
		Frequency:           core.Monthly,
		TypicalAmount:       core.Money{Cents: 109900},
		LastPaymentDate:     time.Now().Add(-29 * 24 * time.Hour),
		NextExpectedDate:    time.Now().Add(24 * time.Hour),
		Status:              core.SubscriptionActive,
	}
	if err := store.UpsertSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	if err := engine.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if err := engine.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	alerts, err := store.ListAlerts(ctx, false, 10)
	if err != nil {
		t.Fatal(err)
	}
	var due int
	for _, a := range alerts {
		if a.Type == core.AlertRecurringDue {
			due++
		}
	}
	if due != 1 {
		t.Errorf("got %d recurring_due alerts across two sweeps, want 1", due)
	}
}

func TestSweepLowBalance(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	balance := core.Money{Cents: 50000}
	tx := core.Transaction{
		ID:                  "tx-balance",
		RecipientIdentifier: "JOHN DOE",
		Amount:              core.Money{Cents: 10000},
		Direction:           core.Debit,
		Category:            core.CategoryOther,
		TransactionDate:     now.Add(-time.Hour),
		Source:              core.SourceSMS,
		BalanceAfter:        &balance,
	}
	if err := store.CreateTransaction(ctx, tx); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertRecipient(ctx, core.Recipient{
		Identifier:          "ACME LTD",
		Name:                "ACME LTD",
		Type:                core.RecipientPaybill,
		IsIncomeSource:      true,
		IncomeFrequency:     core.IncomeMonthly,
		LastTransactionDate: now.Add(-25 * 24 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertSubscription(ctx, core.Subscription{
		ID:                  "sub-1",
		RecipientIdentifier: "DSTV KENYA",
		ServiceName:         "DSTV KENYA",
		Frequency:           core.Monthly,
		TypicalAmount:       core.Money{Cents: 80000},
		NextExpectedDate:    now.Add(2 * 24 * time.Hour),
		Status:              core.SubscriptionActive,
	}); err != nil {
		t.Fatal(err)
	}

	if err := engine.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	alerts, _ := store.ListAlerts(ctx, false, 10)
	var found *core.Alert
	for i := range alerts {
		if alerts[i].Type == core.AlertLowBalance {
			found = &alerts[i]
		}
	}
	if found == nil {
		t.Fatal("no low_balance alert after sweep")
	}
	if found.Severity != core.SeverityCritical {
		t.Errorf("severity = %q, want critical", found.Severity)
	}
}

func TestAnomalyAlertAfterBaseline(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	// Build a category baseline across unrelated recipients
	for i := 0; i < 5; i++ {
		_, err := engine.SubmitManual(ctx, sms.ManualEntry{
			RecipientIdentifier: fmt.Sprintf("SHOP %d", i),
			Amount:              "100",
			Direction:           core.Debit,
			Category:            "food",
			Date:                time.Date(2024, 1, 1+i*5, 0, 0, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	res, err := engine.SubmitManual(ctx, sms.ManualEntry{
		RecipientIdentifier: "FANCY RESTAURANT",
		Amount:              "1,000",
		Direction:           core.Debit,
		Category:            "food",
		Date:                time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Transaction.IsAnomaly {
		t.Error("10x the category mean not flagged anomalous")
	}
	if res.Transaction.AnomalyScore <= 0 || res.Transaction.AnomalyScore > 1 {
		t.Errorf("anomaly score = %v", res.Transaction.AnomalyScore)
	}
	var anomalies int
	for _, a := range res.Alerts {
		if a.Type == core.AlertAnomaly {
			anomalies++
		}
	}
	if anomalies != 1 {
		t.Errorf("got %d anomaly alerts, want 1", anomalies)
	}
}

func TestConfirmPurpose(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.IngestMessage(ctx,
		rawMessage("Confirmed. ABC123 on 1/5/24 at 2:30 PM KES 2,500 sent to JOHN DOE.")); err != nil {
		t.Fatal(err)
	}
	if err := engine.ConfirmPurpose(ctx, "JOHN DOE", "school fees"); err != nil {
		t.Fatalf("ConfirmPurpose: %v", err)
	}
	rec, _ := store.GetRecipient(ctx, "JOHN DOE")
	if rec.DefaultPurpose != "school fees" || !rec.PurposeConfirmed {
		t.Errorf("profile = %q confirmed=%v", rec.DefaultPurpose, rec.PurposeConfirmed)
	}

	if err := engine.ConfirmPurpose(ctx, "NOBODY", "x"); err == nil {
		t.Error("confirming an unseen recipient should fail")
	}
}

func TestIngestBatch(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	msgs := []core.RawMessage{
		rawMessage("Confirmed. ABC123 on 1/5/24 at 2:30 PM KES 2,500 sent to JOHN DOE."),
		rawMessage("Confirmed. DEF456 on 2/5/24 at 9:15 AM KES 300 sent to MARY WANJIKU 0722000000."),
		rawMessage("Confirmed. ABC123 on 1/5/24 at 2:30 PM KES 2,500 sent to JOHN DOE."), // redelivery
		rawMessage("Your M-PESA PIN will expire soon"),
		{Sender: "FRIEND", Body: "lunch?", ReceivedAt: time.Now()},
	}

	summary, err := engine.IngestBatch(ctx, msgs)
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	if summary.Total != 5 {
		t.Errorf("total = %d", summary.Total)
	}
	if summary.Applied != 2 {
		t.Errorf("applied = %d, want 2", summary.Applied)
	}
	if summary.Duplicates != 1 {
		t.Errorf("duplicates = %d, want 1", summary.Duplicates)
	}
	if summary.Unparsed != 1 {
		t.Errorf("unparsed = %d, want 1", summary.Unparsed)
	}
	if summary.NotFinancial != 1 {
		t.Errorf("not financial = %d, want 1", summary.NotFinancial)
	}

	if rec, _ := store.GetRecipient(ctx, "0722000000"); rec == nil {
		t.Error("phone-keyed recipient missing after batch")
	}
	if rec, _ := store.GetRecipient(ctx, "JOHN DOE"); rec == nil || rec.TotalTransactions != 1 {
		t.Error("redelivery double-counted in batch")
	}
}

func TestImportStatement(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	sheet := sheetmem.New()

	// Ingest one message and export it to the statement sheet.
	res, err := engine.IngestMessage(ctx,
		rawMessage("Confirmed. ABC123 on 1/5/24 at 2:30 PM KES 2,500 sent to JOHN DOE."))
	if err != nil || res.Status != services.ResultApplied {
		t.Fatalf("ingest: res=%+v err=%v", res, err)
	}
	if _, err := sheet.Append(ctx, *res.Transaction); err != nil {
		t.Fatalf("sheet append: %v", err)
	}

	rows, err := sheet.ListStatement(ctx, 2024, 5)
	if err != nil || len(rows) != 1 {
		t.Fatalf("list statement: rows=%d err=%v", len(rows), err)
	}
	// A row without a reference, unseen by the engine.
	rows = append(rows, core.Transaction{
		RecipientIdentifier: "NAKUMATT",
		Amount:              core.Money{Cents: 45000},
		Direction:           core.Debit,
		Category:            core.CategoryOther,
		TransactionDate:     time.Date(2024, 5, 3, 11, 0, 0, 0, time.UTC),
		Source:              core.SourceCSVImport,
	})

	summary, err := engine.ImportStatement(ctx, rows)
	if err != nil {
		t.Fatalf("ImportStatement: %v", err)
	}
	if summary.Applied != 1 {
		t.Errorf("applied = %d, want 1", summary.Applied)
	}
	if summary.Duplicates != 1 {
		t.Errorf("duplicates = %d, want 1 (referenced row already ingested)", summary.Duplicates)
	}

	rec, err := store.GetRecipient(ctx, "JOHN DOE")
	if err != nil || rec == nil || rec.TotalTransactions != 1 {
		t.Fatalf("re-import double-counted: rec=%+v err=%v", rec, err)
	}
	if rec, _ := store.GetRecipient(ctx, "NAKUMATT"); rec == nil {
		t.Error("imported row did not create recipient")
	}
}

func TestCancelSubscription(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	for i, date := range []string{"1/1/24", "1/2/24", "1/3/24"} {
		ref := fmt.Sprintf("SGH45XX%02d", i)
		if _, err := engine.IngestMessage(ctx, rawMessage(paybillMessage(ref, date))); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}
	sub, err := store.GetSubscription(ctx, "DSTV KENYA", "DSTV KENYA")
	if err != nil || sub == nil {
		t.Fatalf("subscription not detected: %v", err)
	}

	if err := engine.CancelSubscription(ctx, sub.RecipientIdentifier, sub.ServiceName); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	sub, _ = store.GetSubscription(ctx, sub.RecipientIdentifier, sub.ServiceName)
	if sub.Status != core.SubscriptionCancelled {
		t.Fatalf("status = %s, want cancelled", sub.Status)
	}
	count := sub.PaymentCount

	// A later matching payment stays a plain transaction.
	if _, err := engine.IngestMessage(ctx, rawMessage(paybillMessage("SGH45XX99", "1/4/24"))); err != nil {
		t.Fatalf("post-cancel ingest: %v", err)
	}
	sub, _ = store.GetSubscription(ctx, sub.RecipientIdentifier, sub.ServiceName)
	if sub.Status != core.SubscriptionCancelled || sub.PaymentCount != count {
		t.Errorf("cancelled subscription mutated: status=%s count=%d", sub.Status, sub.PaymentCount)
	}

	err = engine.CancelSubscription(ctx, "NOBODY", "NOBODY")
	if !errors.Is(err, core.ErrSubscriptionNotFound) {
		t.Errorf("cancel unknown = %v, want ErrSubscriptionNotFound", err)
	}
}
