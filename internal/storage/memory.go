package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"pesatrack/internal/core"
	"pesatrack/internal/services"
)

// MemoryStore is an in-memory Store implementation for tests and
// ephemeral runs. RunInTx serializes callers but does not roll back on
// error; the engine treats a failed message as poisoned either way.
type MemoryStore struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	transactions  []core.Transaction
	recipients    map[string]core.Recipient
	subscriptions map[string]core.Subscription
	alerts        []core.Alert
	processed     map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		recipients:    make(map[string]core.Recipient),
		subscriptions: make(map[string]core.Subscription),
		processed:     make(map[string]time.Time),
	}
}

func (m *MemoryStore) RunInTx(ctx context.Context, fn func(services.Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(m)
}

func (m *MemoryStore) MarkProcessed(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.processed[key]; seen {
		return false, nil
	}
	m.processed[key] = time.Now()
	return true, nil
}

func (m *MemoryStore) CreateTransaction(ctx context.Context, tx core.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions = append(m.transactions, tx)
	return nil
}

func (m *MemoryStore) ListTransactionsByRecipient(ctx context.Context, identifier string, limit int) ([]core.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Transaction
	for _, tx := range m.transactions {
		if tx.RecipientIdentifier == identifier {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TransactionDate.After(out[j].TransactionDate)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, limit int) ([]core.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Transaction, len(m.transactions))
	copy(out, m.transactions)
	sort.Slice(out, func(i, j int) bool {
		return out[i].TransactionDate.After(out[j].TransactionDate)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CategoryStats(ctx context.Context, category core.Category, direction core.Direction) (core.Money, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum, count int64
	for _, tx := range m.transactions {
		if tx.Category == category && tx.Direction == direction {
			sum += tx.Amount.Cents
			count++
		}
	}
	if count == 0 {
		return core.Money{}, 0, nil
	}
	return core.Money{Cents: sum / count}, count, nil
}

func (m *MemoryStore) LatestBalance(ctx context.Context) (*core.Money, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *core.Transaction
	for i := range m.transactions {
		tx := &m.transactions[i]
		if tx.BalanceAfter == nil {
			continue
		}
		if latest == nil || tx.TransactionDate.After(latest.TransactionDate) {
			latest = tx
		}
	}
	if latest == nil {
		return nil, nil
	}
	b := *latest.BalanceAfter
	return &b, nil
}

func (m *MemoryStore) GetRecipient(ctx context.Context, identifier string) (*core.Recipient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recipients[identifier]
	if !ok {
		return nil, nil
	}
	rec.Purposes = append([]core.PurposeStat(nil), rec.Purposes...)
	return &rec, nil
}

func (m *MemoryStore) ListIncomeSources(ctx context.Context) ([]core.Recipient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Recipient
	for _, rec := range m.recipients {
		if rec.IsIncomeSource {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListRecipients(ctx context.Context, limit int) ([]core.Recipient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Recipient, 0, len(m.recipients))
	for _, rec := range m.recipients {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastTransactionDate.After(out[j].LastTransactionDate)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpsertRecipient(ctx context.Context, rec core.Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Purposes = append([]core.PurposeStat(nil), rec.Purposes...)
	m.recipients[rec.Identifier] = rec
	return nil
}

func subscriptionKey(identifier, serviceName string) string {
	return identifier + "\x00" + serviceName
}

func (m *MemoryStore) GetSubscription(ctx context.Context, identifier, serviceName string) (*core.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subscriptions[subscriptionKey(identifier, serviceName)]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

func (m *MemoryStore) ListSubscriptionsByStatus(ctx context.Context, statuses ...core.SubscriptionStatus) ([]core.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Subscription
	for _, sub := range m.subscriptions {
		for _, status := range statuses {
			if sub.Status == status {
				out = append(out, sub)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextExpectedDate.Before(out[j].NextExpectedDate)
	})
	return out, nil
}

func (m *MemoryStore) UpsertSubscription(ctx context.Context, sub core.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[subscriptionKey(sub.RecipientIdentifier, sub.ServiceName)] = sub
	return nil
}

func (m *MemoryStore) CreateAlert(ctx context.Context, a core.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return nil
}

func (m *MemoryStore) ListAlerts(ctx context.Context, unreadOnly bool, limit int) ([]core.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Alert
	for _, a := range m.alerts {
		if unreadOnly && (a.IsRead || a.IsDismissed) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkAlertRead(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID == id {
			m.alerts[i].IsRead = true
		}
	}
	return nil
}

func (m *MemoryStore) DismissAlert(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID == id {
			m.alerts[i].IsDismissed = true
		}
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }
