// Package worker runs the long-lived loops: the AMQP ingest consumer and
// the periodic subscription sweep.
package worker

import (
	"context"
	"fmt"

	"pesatrack/internal/amqp"
	"pesatrack/internal/log"
	"pesatrack/internal/services"
	"pesatrack/internal/sheets"
)

// IngestWorker feeds raw message batches from the device queue into the
// engine and, when a statement sheet is configured, exports the applied
// transactions to it.
type IngestWorker struct {
	engine *services.Engine
	sheet  sheets.StatementWriter
	logger *log.Logger
}

// NewIngestWorker builds a worker. sheet may be nil; export is then
// skipped.
func NewIngestWorker(engine *services.Engine, sheet sheets.StatementWriter, logger *log.Logger) *IngestWorker {
	return &IngestWorker{
		engine: engine,
		sheet:  sheet,
		logger: logger.WithComponent(log.ComponentWorker),
	}
}

// HandleBatch processes one delivered batch. An engine failure is
// returned so the delivery is requeued; export failures are logged and
// do not fail the batch, since the transactions are already durable.
func (w *IngestWorker) HandleBatch(ctx context.Context, batch *amqp.RawMessageBatch) error {
	summary, err := w.engine.IngestBatch(ctx, batch.Messages)
	if err != nil {
		return fmt.Errorf("ingest batch from %s: %w", batch.DeviceID, err)
	}

	w.logger.Info("batch ingested",
		log.FieldOperation, log.OpIngest,
		"device_id", batch.DeviceID,
		log.FieldBatchSize, summary.Total,
		"applied", summary.Applied,
		"duplicates", summary.Duplicates,
		"alerts", summary.Alerts)

	w.exportApplied(ctx, summary)
	return nil
}

func (w *IngestWorker) exportApplied(ctx context.Context, summary services.BatchSummary) {
	if w.sheet == nil {
		return
	}
	for _, tx := range summary.Transactions {
		ref, err := w.sheet.Append(ctx, tx)
		if err != nil {
			w.logger.Error("statement export failed",
				log.FieldOperation, log.OpAppend,
				log.FieldTransactionID, tx.ID,
				log.FieldError, err)
			continue
		}
		w.logger.Debug("statement row exported",
			log.FieldOperation, log.OpAppend,
			log.FieldTransactionID, tx.ID,
			log.FieldSheetsRef, ref)
	}
}
