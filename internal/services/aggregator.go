package services

import (
	"time"

	"pesatrack/internal/core"
)

// Aggregator folds transactions into a recipient profile. Apply is a pure
// in-memory fold: the same transaction applied twice would double the
// counters, so callers dedup before calling it.
type Aggregator struct {
	purposes *PurposeClassifier
}

func NewAggregator(purposeThreshold int64) *Aggregator {
	return &Aggregator{purposes: NewPurposeClassifier(purposeThreshold)}
}

// Apply updates r with one transaction. When r is nil a fresh profile is
// created for the transaction's identifier. The CASH sentinel must be
// filtered by the caller; Apply does not check it.
func (a *Aggregator) Apply(r *core.Recipient, tx core.Transaction, now time.Time) *core.Recipient {
	if r == nil {
		r = &core.Recipient{
			Identifier: tx.RecipientIdentifier,
			Name:       tx.RecipientName,
			Type:       core.InferRecipientType(tx.RecipientIdentifier),
			CreatedAt:  now,
		}
	}
	if tx.RecipientName != "" {
		r.Name = tx.RecipientName
	}
	if tx.TransactionDate.After(r.LastTransactionDate) {
		r.LastTransactionDate = tx.TransactionDate
	}

	r.TotalTransactions++
	switch tx.Direction {
	case core.Debit:
		r.TotalAmountSent = r.TotalAmountSent.Add(tx.Amount)
	case core.Credit:
		r.TotalAmountReceived = r.TotalAmountReceived.Add(tx.Amount)
	}

	a.purposes.Observe(r, tx.Purpose)
	r.UpdatedAt = now
	return r
}
