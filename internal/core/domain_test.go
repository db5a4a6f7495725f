package core

import (
	"testing"
	"time"
)

func validTransaction() Transaction {
	return Transaction{
		ID:                  "tx-1",
		RecipientIdentifier: "0712345678",
		RecipientName:       "JOHN DOE",
		Amount:              Money{Cents: 250000},
		Direction:           Debit,
		Category:            CategoryOther,
		TransactionDate:     time.Date(2024, 5, 1, 14, 30, 0, 0, time.UTC),
		Source:              SourceSMS,
	}
}

func TestTransactionValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Transaction)
		wantErr error
	}{
		{"valid", func(*Transaction) {}, nil},
		{"zero amount", func(tx *Transaction) { tx.Amount = Money{} }, ErrInvalidAmount},
		{"negative amount", func(tx *Transaction) { tx.Amount = Money{Cents: -100} }, ErrInvalidAmount},
		{"empty identifier", func(tx *Transaction) { tx.RecipientIdentifier = "  " }, ErrEmptyIdentifier},
		{"bad direction", func(tx *Transaction) { tx.Direction = "sideways" }, ErrInvalidDirection},
		{"bad category", func(tx *Transaction) { tx.Category = "gambling" }, ErrInvalidCategory},
		{"bad source", func(tx *Transaction) { tx.Source = "carrier_pigeon" }, ErrInvalidSource},
		{"zero date", func(tx *Transaction) { tx.TransactionDate = time.Time{} }, ErrInvalidDate},
		{"score above one", func(tx *Transaction) { tx.AnomalyScore = 1.5 }, ErrInvalidScore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := validTransaction()
			tt.mutate(&tx)
			if err := tx.Validate(); err != tt.wantErr {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAlertValidate(t *testing.T) {
	tests := []struct {
		name    string
		alert   Alert
		wantErr bool
	}{
		{"transaction ref only", Alert{RelatedTransactionID: "tx-1"}, false},
		{"recipient ref only", Alert{RelatedRecipientID: "0712345678"}, false},
		{"both refs", Alert{RelatedTransactionID: "tx-1", RelatedRecipientID: "0712345678"}, true},
		{"no refs", Alert{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.alert.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestInferRecipientType(t *testing.T) {
	tests := []struct {
		identifier string
		want       RecipientType
	}{
		{"0712345678", RecipientPhone},
		{"+254712345678", RecipientPhone},
		{"254112345678", RecipientPhone},
		{"888880", RecipientPaybill},
		{"4056733", RecipientPaybill},
		{"52431", RecipientTill},
		{"01234567890123", RecipientBankAccount},
		{"ACME LTD", RecipientPaybill},
	}
	for _, tt := range tests {
		t.Run(tt.identifier, func(t *testing.T) {
			if got := InferRecipientType(tt.identifier); got != tt.want {
				t.Errorf("InferRecipientType(%q) = %v, want %v", tt.identifier, got, tt.want)
			}
		})
	}
}

func TestFrequencyBucketLength(t *testing.T) {
	if Monthly.BucketLength() != 30*24*time.Hour {
		t.Errorf("Monthly bucket = %v", Monthly.BucketLength())
	}
	if Frequency("fortnightly").BucketLength() != 0 {
		t.Error("unknown frequency should have zero bucket length")
	}
}
