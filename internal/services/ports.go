// Package services implements the recipient intelligence engine: the
// aggregation, purpose classification, subscription detection and alerting
// stages behind the message pipeline.
package services

import (
	"context"
	"time"

	"pesatrack/internal/core"
)

// Store is the storage collaborator the engine reads from and writes to.
// The engine holds no persistent state between invocations; everything
// durable goes through this interface.
type Store interface {
	// RunInTx executes fn atomically. A message's effects (transaction
	// insert, aggregate update, processed mark, alerts) either all land
	// or none do.
	RunInTx(ctx context.Context, fn func(Store) error) error

	// MarkProcessed records a transaction id as applied. It returns
	// false when the id was already marked, which makes re-delivery a
	// no-op for the caller.
	MarkProcessed(ctx context.Context, txID string) (bool, error)

	CreateTransaction(ctx context.Context, tx core.Transaction) error
	// ListTransactionsByRecipient returns the most recent transactions
	// for one recipient, newest first, up to limit.
	ListTransactionsByRecipient(ctx context.Context, identifier string, limit int) ([]core.Transaction, error)
	// CategoryStats returns the mean amount and sample count for a
	// category and direction across the transaction stream.
	CategoryStats(ctx context.Context, category core.Category, direction core.Direction) (mean core.Money, samples int64, err error)
	// LatestBalance returns the most recent known running balance, or
	// nil when no message carried one.
	LatestBalance(ctx context.Context) (*core.Money, error)

	// GetRecipient returns nil (no error) for an unseen identifier.
	GetRecipient(ctx context.Context, identifier string) (*core.Recipient, error)
	ListIncomeSources(ctx context.Context) ([]core.Recipient, error)
	UpsertRecipient(ctx context.Context, r core.Recipient) error

	// GetSubscription returns nil (no error) when the pair has none.
	GetSubscription(ctx context.Context, identifier, serviceName string) (*core.Subscription, error)
	ListSubscriptionsByStatus(ctx context.Context, statuses ...core.SubscriptionStatus) ([]core.Subscription, error)
	UpsertSubscription(ctx context.Context, s core.Subscription) error

	CreateAlert(ctx context.Context, a core.Alert) error
}

// Config carries the engine's tunable thresholds. Every value here is
// overridable through the environment; config.Load exposes all of them.
type Config struct {
	// PurposeThreshold is the transaction count at which a dominant
	// purpose becomes the recipient's default.
	PurposeThreshold int64
	// DetectionWindow is how many recent transactions the subscription
	// detector inspects per recipient.
	DetectionWindow int
	// MinPayments is the minimum periodic payments before a
	// subscription is emitted.
	MinPayments int
	// AmountTolerance is the allowed relative spread around the mean
	// amount (0.10 = ±10%).
	AmountTolerance float64
	// IntervalTolerance is the allowed relative deviation from a
	// frequency bucket length (0.20 = ±20%).
	IntervalTolerance float64
	// AnomalyMultiplier flags debits above mean × multiplier.
	AnomalyMultiplier float64
	// RecurringDueLookahead is how far ahead the sweep announces
	// upcoming subscription payments.
	RecurringDueLookahead time.Duration
	// BatchConcurrency bounds how many recipients a batch scan
	// processes in parallel.
	BatchConcurrency int
	// DedupCacheSize and DedupCacheTTL size the in-memory fast path in
	// front of the processed-ids table.
	DedupCacheSize int
	DedupCacheTTL  time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		PurposeThreshold:      3,
		DetectionWindow:       6,
		MinPayments:           3,
		AmountTolerance:       0.10,
		IntervalTolerance:     0.20,
		AnomalyMultiplier:     3.0,
		RecurringDueLookahead: 3 * 24 * time.Hour,
		BatchConcurrency:      4,
		DedupCacheSize:        10000,
		DedupCacheTTL:         24 * time.Hour,
	}
}
