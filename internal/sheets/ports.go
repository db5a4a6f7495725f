package sheets

import (
	"context"

	"pesatrack/internal/core"
)

// Ports for outbound statement adapters.
type (
	// StatementWriter appends an applied transaction to an external
	// statement sheet.
	StatementWriter interface {
		Append(ctx context.Context, tx core.Transaction) (rowRef string, err error)
	}

	// StatementReader lists exported statement rows for a given month.
	// Rows come back as unsaved transactions with source csv_import; the
	// engine assigns identifiers when they are re-ingested.
	StatementReader interface {
		ListStatement(ctx context.Context, year int, month int) ([]core.Transaction, error)
	}
)
