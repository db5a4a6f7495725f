package memory

import (
	"context"
	"fmt"
	"sync"

	"pesatrack/internal/core"
)

// Store is an in-memory statement sheet used in tests and when no
// spreadsheet is configured.
type Store struct {
	mu   sync.Mutex
	rows []core.Transaction
}

func New() *Store {
	return &Store{}
}

// Append stores the transaction and returns a synthetic row reference.
func (s *Store) Append(_ context.Context, tx core.Transaction) (string, error) {
	if err := tx.Validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, tx)
	return fmt.Sprintf("mem:%d", len(s.rows)), nil
}

// ListStatement returns the rows whose transaction date falls in the
// given year and month, as csv_import transactions without identifiers.
func (s *Store) ListStatement(_ context.Context, year int, month int) ([]core.Transaction, error) {
	if month < 1 || month > 12 {
		return nil, fmt.Errorf("invalid month: %d", month)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Transaction
	for _, tx := range s.rows {
		if tx.TransactionDate.Year() != year || int(tx.TransactionDate.Month()) != month {
			continue
		}
		row := tx
		row.ID = ""
		row.Source = core.SourceCSVImport
		out = append(out, row)
	}
	return out, nil
}
