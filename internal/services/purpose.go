package services

import "pesatrack/internal/core"

// PurposeClassifier maintains the per-recipient purpose distribution and
// promotes the dominant purpose to the default once the recipient has
// enough transactions overall, tagged or not. A user-confirmed default
// is never overwritten.
type PurposeClassifier struct {
	threshold int64
}

func NewPurposeClassifier(threshold int64) *PurposeClassifier {
	if threshold <= 0 {
		threshold = 3
	}
	return &PurposeClassifier{threshold: threshold}
}

// Observe records one tagged transaction against r's purpose distribution
// and recomputes confidences. An empty purpose only recomputes; untagged
// transactions still dilute confidence because the denominator is the
// recipient's total transaction count.
func (p *PurposeClassifier) Observe(r *core.Recipient, purpose string) {
	if purpose != "" {
		found := false
		for i := range r.Purposes {
			if r.Purposes[i].Purpose == purpose {
				r.Purposes[i].TotalCount++
				found = true
				break
			}
		}
		if !found {
			r.Purposes = append(r.Purposes, core.PurposeStat{Purpose: purpose, TotalCount: 1})
		}
	}

	if r.TotalTransactions == 0 {
		return
	}
	var top *core.PurposeStat
	for i := range r.Purposes {
		r.Purposes[i].Confidence = float64(r.Purposes[i].TotalCount) / float64(r.TotalTransactions)
		if top == nil || r.Purposes[i].TotalCount > top.TotalCount {
			top = &r.Purposes[i]
		}
	}
	if top == nil {
		return
	}
	if r.PurposeConfirmed {
		// Keep the confirmed default; only its confidence is refreshed.
		for _, stat := range r.Purposes {
			if stat.Purpose == r.DefaultPurpose {
				r.PurposeConfidence = stat.Confidence
				return
			}
		}
		return
	}
	if r.TotalTransactions >= p.threshold {
		r.DefaultPurpose = top.Purpose
		r.PurposeConfidence = top.Confidence
	}
}

// Confirm pins a user-chosen default purpose. Subsequent observations keep
// updating the distribution but never change the default again.
func (p *PurposeClassifier) Confirm(r *core.Recipient, purpose string) {
	r.DefaultPurpose = purpose
	r.PurposeConfirmed = true
	for _, stat := range r.Purposes {
		if stat.Purpose == purpose {
			r.PurposeConfidence = stat.Confidence
			return
		}
	}
	r.PurposeConfidence = 0
}
