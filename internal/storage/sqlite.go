// Package storage persists the engine's domain records in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pesatrack/internal/core"
	"pesatrack/internal/services"

	_ "modernc.org/sqlite"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so every query method
// works inside and outside RunInTx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type SQLiteRepository struct {
	db   *sql.DB
	conn dbtx
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db, conn: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// RunInTx runs fn against a repository scoped to one SQL transaction.
// Nested calls join the outer transaction.
func (r *SQLiteRepository) RunInTx(ctx context.Context, fn func(services.Store) error) error {
	if _, nested := r.conn.(*sql.Tx); nested {
		return fn(r)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	scoped := &SQLiteRepository{db: r.db, conn: tx}
	if err := fn(scoped); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback after %w: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) MarkProcessed(ctx context.Context, key string) (bool, error) {
	res, err := r.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_messages (key, processed_at) VALUES (?, ?)`,
		key, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *SQLiteRepository) CreateTransaction(ctx context.Context, tx core.Transaction) error {
	var balance sql.NullInt64
	if tx.BalanceAfter != nil {
		balance = sql.NullInt64{Int64: tx.BalanceAfter.Cents, Valid: true}
	}
	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO transactions (
			id, recipient_identifier, recipient_name, amount_cents, direction,
			category, transaction_date, purpose, reference, source,
			balance_after_cents, is_recurring, is_anomaly, anomaly_score,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.RecipientIdentifier, tx.RecipientName, tx.Amount.Cents, tx.Direction,
		tx.Category, tx.TransactionDate.UTC(), tx.Purpose, tx.Reference, tx.Source,
		balance, tx.IsRecurring, tx.IsAnomaly, tx.AnomalyScore,
		tx.CreatedAt.UTC(), tx.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

const transactionColumns = `
	id, recipient_identifier, recipient_name, amount_cents, direction,
	category, transaction_date, purpose, reference, source,
	balance_after_cents, is_recurring, is_anomaly, anomaly_score,
	created_at, updated_at`

func scanTransaction(row interface{ Scan(...any) error }) (core.Transaction, error) {
	var tx core.Transaction
	var balance sql.NullInt64
	err := row.Scan(
		&tx.ID, &tx.RecipientIdentifier, &tx.RecipientName, &tx.Amount.Cents, &tx.Direction,
		&tx.Category, &tx.TransactionDate, &tx.Purpose, &tx.Reference, &tx.Source,
		&balance, &tx.IsRecurring, &tx.IsAnomaly, &tx.AnomalyScore,
		&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return tx, err
	}
	if balance.Valid {
		tx.BalanceAfter = &core.Money{Cents: balance.Int64}
	}
	return tx, nil
}

func (r *SQLiteRepository) ListTransactionsByRecipient(ctx context.Context, identifier string, limit int) ([]core.Transaction, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE recipient_identifier = ?
		ORDER BY transaction_date DESC
		LIMIT ?`, identifier, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions for %s: %w", identifier, err)
	}
	defer rows.Close()

	var txs []core.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// ListTransactions returns the most recent transactions across all
// recipients, newest first.
func (r *SQLiteRepository) ListTransactions(ctx context.Context, limit int) ([]core.Transaction, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		ORDER BY transaction_date DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txs []core.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (r *SQLiteRepository) CategoryStats(ctx context.Context, category core.Category, direction core.Direction) (core.Money, int64, error) {
	var mean float64
	var samples int64
	err := r.conn.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(amount_cents), 0), COUNT(*)
		FROM transactions
		WHERE category = ? AND direction = ?`, category, direction).Scan(&mean, &samples)
	if err != nil {
		return core.Money{}, 0, fmt.Errorf("category stats: %w", err)
	}
	return core.Money{Cents: int64(mean)}, samples, nil
}

func (r *SQLiteRepository) LatestBalance(ctx context.Context) (*core.Money, error) {
	var cents int64
	err := r.conn.QueryRowContext(ctx, `
		SELECT balance_after_cents
		FROM transactions
		WHERE balance_after_cents IS NOT NULL
		ORDER BY transaction_date DESC
		LIMIT 1`).Scan(&cents)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest balance: %w", err)
	}
	return &core.Money{Cents: cents}, nil
}

const recipientColumns = `
	identifier, name, type, total_transactions, total_sent_cents,
	total_received_cents, last_transaction_date, default_purpose,
	purpose_confidence, purpose_confirmed, is_income_source,
	income_frequency, is_subscription, risk_score, created_at, updated_at`

func scanRecipient(row interface{ Scan(...any) error }) (core.Recipient, error) {
	var rec core.Recipient
	var lastDate sql.NullTime
	err := row.Scan(
		&rec.Identifier, &rec.Name, &rec.Type, &rec.TotalTransactions, &rec.TotalAmountSent.Cents,
		&rec.TotalAmountReceived.Cents, &lastDate, &rec.DefaultPurpose,
		&rec.PurposeConfidence, &rec.PurposeConfirmed, &rec.IsIncomeSource,
		&rec.IncomeFrequency, &rec.IsSubscription, &rec.RiskScore, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return rec, err
	}
	if lastDate.Valid {
		rec.LastTransactionDate = lastDate.Time
	}
	return rec, nil
}

func (r *SQLiteRepository) GetRecipient(ctx context.Context, identifier string) (*core.Recipient, error) {
	row := r.conn.QueryRowContext(ctx, `
		SELECT `+recipientColumns+`
		FROM recipients
		WHERE identifier = ?`, identifier)
	rec, err := scanRecipient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get recipient %s: %w", identifier, err)
	}
	if err := r.loadPurposes(ctx, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *SQLiteRepository) loadPurposes(ctx context.Context, rec *core.Recipient) error {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT purpose, total_count, confidence
		FROM recipient_purposes
		WHERE recipient_identifier = ?
		ORDER BY total_count DESC`, rec.Identifier)
	if err != nil {
		return fmt.Errorf("load purposes for %s: %w", rec.Identifier, err)
	}
	defer rows.Close()
	for rows.Next() {
		var stat core.PurposeStat
		if err := rows.Scan(&stat.Purpose, &stat.TotalCount, &stat.Confidence); err != nil {
			return fmt.Errorf("scan purpose: %w", err)
		}
		rec.Purposes = append(rec.Purposes, stat)
	}
	return rows.Err()
}

func (r *SQLiteRepository) ListIncomeSources(ctx context.Context) ([]core.Recipient, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT `+recipientColumns+`
		FROM recipients
		WHERE is_income_source = 1`)
	if err != nil {
		return nil, fmt.Errorf("list income sources: %w", err)
	}
	defer rows.Close()

	var recs []core.Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ListRecipients returns profiles ordered by most recent activity.
func (r *SQLiteRepository) ListRecipients(ctx context.Context, limit int) ([]core.Recipient, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT `+recipientColumns+`
		FROM recipients
		ORDER BY last_transaction_date DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var recs []core.Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (r *SQLiteRepository) UpsertRecipient(ctx context.Context, rec core.Recipient) error {
	var lastDate sql.NullTime
	if !rec.LastTransactionDate.IsZero() {
		lastDate = sql.NullTime{Time: rec.LastTransactionDate.UTC(), Valid: true}
	}
	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO recipients (
			identifier, name, type, total_transactions, total_sent_cents,
			total_received_cents, last_transaction_date, default_purpose,
			purpose_confidence, purpose_confirmed, is_income_source,
			income_frequency, is_subscription, risk_score, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (identifier) DO UPDATE SET
			name = excluded.name,
			total_transactions = excluded.total_transactions,
			total_sent_cents = excluded.total_sent_cents,
			total_received_cents = excluded.total_received_cents,
			last_transaction_date = excluded.last_transaction_date,
			default_purpose = excluded.default_purpose,
			purpose_confidence = excluded.purpose_confidence,
			purpose_confirmed = excluded.purpose_confirmed,
			is_income_source = excluded.is_income_source,
			income_frequency = excluded.income_frequency,
			is_subscription = excluded.is_subscription,
			risk_score = excluded.risk_score,
			updated_at = excluded.updated_at`,
		rec.Identifier, rec.Name, rec.Type, rec.TotalTransactions, rec.TotalAmountSent.Cents,
		rec.TotalAmountReceived.Cents, lastDate, rec.DefaultPurpose,
		rec.PurposeConfidence, rec.PurposeConfirmed, rec.IsIncomeSource,
		rec.IncomeFrequency, rec.IsSubscription, rec.RiskScore,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert recipient %s: %w", rec.Identifier, err)
	}

	if _, err := r.conn.ExecContext(ctx,
		`DELETE FROM recipient_purposes WHERE recipient_identifier = ?`, rec.Identifier); err != nil {
		return fmt.Errorf("clear purposes for %s: %w", rec.Identifier, err)
	}
	for _, stat := range rec.Purposes {
		if _, err := r.conn.ExecContext(ctx, `
			INSERT INTO recipient_purposes (recipient_identifier, purpose, total_count, confidence)
			VALUES (?, ?, ?, ?)`,
			rec.Identifier, stat.Purpose, stat.TotalCount, stat.Confidence); err != nil {
			return fmt.Errorf("insert purpose %s for %s: %w", stat.Purpose, rec.Identifier, err)
		}
	}
	return nil
}

const subscriptionColumns = `
	id, recipient_identifier, service_name, frequency, typical_amount_cents,
	next_expected_date, last_payment_date, total_spent_cents, payment_count,
	status, created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (core.Subscription, error) {
	var sub core.Subscription
	var next, last sql.NullTime
	err := row.Scan(
		&sub.ID, &sub.RecipientIdentifier, &sub.ServiceName, &sub.Frequency, &sub.TypicalAmount.Cents,
		&next, &last, &sub.TotalSpent.Cents, &sub.PaymentCount,
		&sub.Status, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return sub, err
	}
	if next.Valid {
		sub.NextExpectedDate = next.Time
	}
	if last.Valid {
		sub.LastPaymentDate = last.Time
	}
	return sub, nil
}

func (r *SQLiteRepository) GetSubscription(ctx context.Context, identifier, serviceName string) (*core.Subscription, error) {
	row := r.conn.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE recipient_identifier = ? AND service_name = ?`, identifier, serviceName)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription %s/%s: %w", identifier, serviceName, err)
	}
	return &sub, nil
}

func (r *SQLiteRepository) ListSubscriptionsByStatus(ctx context.Context, statuses ...core.SubscriptionStatus) ([]core.Subscription, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	rows, err := r.conn.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status IN (`+placeholders+`)
		ORDER BY next_expected_date`, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []core.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (r *SQLiteRepository) UpsertSubscription(ctx context.Context, sub core.Subscription) error {
	var next, last sql.NullTime
	if !sub.NextExpectedDate.IsZero() {
		next = sql.NullTime{Time: sub.NextExpectedDate.UTC(), Valid: true}
	}
	if !sub.LastPaymentDate.IsZero() {
		last = sql.NullTime{Time: sub.LastPaymentDate.UTC(), Valid: true}
	}
	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO subscriptions (
			id, recipient_identifier, service_name, frequency, typical_amount_cents,
			next_expected_date, last_payment_date, total_spent_cents, payment_count,
			status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (recipient_identifier, service_name) DO UPDATE SET
			frequency = excluded.frequency,
			typical_amount_cents = excluded.typical_amount_cents,
			next_expected_date = excluded.next_expected_date,
			last_payment_date = excluded.last_payment_date,
			total_spent_cents = excluded.total_spent_cents,
			payment_count = excluded.payment_count,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		sub.ID, sub.RecipientIdentifier, sub.ServiceName, sub.Frequency, sub.TypicalAmount.Cents,
		next, last, sub.TotalSpent.Cents, sub.PaymentCount,
		sub.Status, sub.CreatedAt.UTC(), sub.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert subscription %s: %w", sub.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) CreateAlert(ctx context.Context, a core.Alert) error {
	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO alerts (
			id, type, title, message, severity, related_transaction_id,
			related_recipient_id, is_read, is_dismissed, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Type, a.Title, a.Message, a.Severity, a.RelatedTransactionID,
		a.RelatedRecipientID, a.IsRead, a.IsDismissed, a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// ListAlerts returns alerts newest first. unreadOnly filters to alerts
// not yet read or dismissed.
func (r *SQLiteRepository) ListAlerts(ctx context.Context, unreadOnly bool, limit int) ([]core.Alert, error) {
	query := `
		SELECT id, type, title, message, severity, related_transaction_id,
		       related_recipient_id, is_read, is_dismissed, created_at
		FROM alerts`
	if unreadOnly {
		query += ` WHERE is_read = 0 AND is_dismissed = 0`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	rows, err := r.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []core.Alert
	for rows.Next() {
		var a core.Alert
		if err := rows.Scan(&a.ID, &a.Type, &a.Title, &a.Message, &a.Severity,
			&a.RelatedTransactionID, &a.RelatedRecipientID, &a.IsRead, &a.IsDismissed, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (r *SQLiteRepository) MarkAlertRead(ctx context.Context, id string) error {
	if _, err := r.conn.ExecContext(ctx,
		`UPDATE alerts SET is_read = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("mark alert read: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) DismissAlert(ctx context.Context, id string) error {
	if _, err := r.conn.ExecContext(ctx,
		`UPDATE alerts SET is_dismissed = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("dismiss alert: %w", err)
	}
	return nil
}
