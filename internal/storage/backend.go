package storage

import (
	"context"
	"fmt"

	"pesatrack/internal/core"
	"pesatrack/internal/services"
)

// Backend is the full persistence surface a binary wires up: the
// engine's Store plus the read side and lifecycle.
type Backend interface {
	services.Store
	ListTransactions(ctx context.Context, limit int) ([]core.Transaction, error)
	ListRecipients(ctx context.Context, limit int) ([]core.Recipient, error)
	ListAlerts(ctx context.Context, unreadOnly bool, limit int) ([]core.Alert, error)
	MarkAlertRead(ctx context.Context, id string) error
	DismissAlert(ctx context.Context, id string) error
	Close() error
}

var (
	_ Backend = (*MemoryStore)(nil)
	_ Backend = (*SQLiteRepository)(nil)
)

// Open returns the store named by backend. dbPath only applies to the
// sqlite backend.
func Open(backend, dbPath string) (Backend, error) {
	switch backend {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteRepository(dbPath)
	default:
		return nil, fmt.Errorf("unknown data backend %q", backend)
	}
}
