package core

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

const (
	SourceSMS       Source = "sms"
	SourceCSVImport Source = "csv_import"
	SourceManual    Source = "manual"
)

const (
	Daily     Frequency = "daily"
	Weekly    Frequency = "weekly"
	Monthly   Frequency = "monthly"
	Quarterly Frequency = "quarterly"
	Yearly    Frequency = "yearly"
)

const (
	IncomeWeekly    IncomeFrequency = "weekly"
	IncomeBiWeekly  IncomeFrequency = "bi_weekly"
	IncomeMonthly   IncomeFrequency = "monthly"
	IncomeIrregular IncomeFrequency = "irregular"
)

const (
	RecipientPhone       RecipientType = "phone"
	RecipientPaybill     RecipientType = "paybill"
	RecipientTill        RecipientType = "till"
	RecipientBankAccount RecipientType = "bank_account"
)

const (
	SubscriptionDetected  SubscriptionStatus = "detected"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPaused    SubscriptionStatus = "paused"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

const (
	AlertAnomaly      AlertType = "anomaly"
	AlertSubscription AlertType = "subscription"
	AlertIncome       AlertType = "income"
	AlertLowBalance   AlertType = "low_balance"
	AlertRecurringDue AlertType = "recurring_due"
)

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// CashIdentifier is a reserved counterparty identifier for cash
// transactions. Cash transactions enter the transaction stream but are
// never aggregated into a Recipient profile.
const CashIdentifier = "CASH"

type (
	Direction          string
	Source             string
	Frequency          string
	IncomeFrequency    string
	RecipientType      string
	SubscriptionStatus string
	AlertType          string
	Severity           string
	Category           string

	// RawMessage is an inbound carrier text message. Ephemeral: discarded
	// after a parsing attempt, never persisted.
	RawMessage struct {
		Sender     string    `json:"sender"`
		Body       string    `json:"body"`
		ReceivedAt time.Time `json:"received_at"`
	}

	// Transaction is the canonical record produced by normalization.
	// Immutable once created except through the external edit path.
	Transaction struct {
		ID                  string
		RecipientIdentifier string
		RecipientName       string
		Amount              Money
		Direction           Direction
		Category            Category
		TransactionDate     time.Time
		Purpose             string
		Reference           string
		Source              Source
		BalanceAfter        *Money
		IsRecurring         bool
		IsAnomaly           bool
		AnomalyScore        float64
		CreatedAt           time.Time
		UpdatedAt           time.Time
	}

	// PurposeStat is one entry of a recipient's purpose distribution.
	PurposeStat struct {
		Purpose    string
		TotalCount int64
		Confidence float64
	}

	// Recipient is the running statistical profile of one counterparty,
	// keyed by identifier. Created lazily on the first transaction
	// referencing an unseen identifier; never deleted while referencing
	// transactions exist.
	Recipient struct {
		Identifier          string
		Name                string
		Type                RecipientType
		TotalTransactions   int64
		TotalAmountSent     Money
		TotalAmountReceived Money
		LastTransactionDate time.Time
		Purposes            []PurposeStat
		DefaultPurpose      string
		PurposeConfidence   float64
		PurposeConfirmed    bool
		IsIncomeSource      bool
		IncomeFrequency     IncomeFrequency
		IsSubscription      bool
		RiskScore           float64
		CreatedAt           time.Time
		UpdatedAt           time.Time
	}

	// Subscription is a recurring payment relationship for a
	// (recipient identifier, service name) pair.
	Subscription struct {
		ID                  string
		RecipientIdentifier string
		ServiceName         string
		Frequency           Frequency
		TypicalAmount       Money
		NextExpectedDate    time.Time
		LastPaymentDate     time.Time
		TotalSpent          Money
		PaymentCount        int64
		Status              SubscriptionStatus
		CreatedAt           time.Time
		UpdatedAt           time.Time
	}

	// Alert is a derived notification handed to the notification
	// collaborator. Read/dismissed state is mutated only by that
	// collaborator, never by the engine.
	Alert struct {
		ID                   string
		Type                 AlertType
		Title                string
		Message              string
		Severity             Severity
		RelatedTransactionID string
		RelatedRecipientID   string
		IsRead               bool
		IsDismissed          bool
		CreatedAt            time.Time
	}
)

// Categories is the closed set of transaction categories.
var Categories = []Category{
	"family_support",
	"business_expense",
	"school_fees",
	"loan_repayment",
	"investment",
	"personal",
	"income",
	"savings",
	"utility",
	"subscription",
	"betting",
	"transport",
	"food",
	"healthcare",
	"rent",
	"airtime",
	"data_bundle",
	"other",
}

// CategoryOther is the default category assigned at normalization time.
const CategoryOther Category = "other"

var (
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidDate          = errors.New("invalid date")
	ErrInvalidDirection     = errors.New("invalid direction")
	ErrInvalidCategory      = errors.New("invalid category")
	ErrInvalidSource        = errors.New("invalid source")
	ErrEmptyIdentifier      = errors.New("empty recipient identifier")
	ErrRecipientNotFound    = errors.New("recipient not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrInvalidScore         = errors.New("anomaly score out of range")
	ErrAlertRelation        = errors.New("alert must reference exactly one of transaction or recipient")
)

func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

func (d Direction) Valid() bool {
	return d == Debit || d == Credit
}

func (s Source) Valid() bool {
	return s == SourceSMS || s == SourceCSVImport || s == SourceManual
}

// BucketLength returns the nominal length of one cycle for a frequency
// bucket. Monthly and longer buckets use calendar approximations.
func (f Frequency) BucketLength() time.Duration {
	switch f {
	case Daily:
		return 24 * time.Hour
	case Weekly:
		return 7 * 24 * time.Hour
	case Monthly:
		return 30 * 24 * time.Hour
	case Quarterly:
		return 91 * 24 * time.Hour
	case Yearly:
		return 365 * 24 * time.Hour
	default:
		return 0
	}
}

func (t Transaction) Validate() error {
	if strings.TrimSpace(t.RecipientIdentifier) == "" {
		return ErrEmptyIdentifier
	}
	if t.Amount.Cents <= 0 {
		return ErrInvalidAmount
	}
	if !t.Direction.Valid() {
		return ErrInvalidDirection
	}
	if !t.Category.Valid() {
		return ErrInvalidCategory
	}
	if !t.Source.Valid() {
		return ErrInvalidSource
	}
	if t.TransactionDate.IsZero() {
		return ErrInvalidDate
	}
	if t.AnomalyScore < 0 || t.AnomalyScore > 1 {
		return ErrInvalidScore
	}
	return nil
}

func (a Alert) Validate() error {
	hasTx := a.RelatedTransactionID != ""
	hasRecipient := a.RelatedRecipientID != ""
	if hasTx == hasRecipient {
		return ErrAlertRelation
	}
	return nil
}

var phonePattern = regexp.MustCompile(`^(\+?254|0)[17]\d{8}$`)

// InferRecipientType classifies an identifier by its shape. Phone numbers
// follow the Kenyan mobile format; short numeric codes are till or paybill
// numbers; long numeric strings are treated as bank accounts.
func InferRecipientType(identifier string) RecipientType {
	id := strings.TrimSpace(identifier)
	if phonePattern.MatchString(id) {
		return RecipientPhone
	}
	allDigits := id != ""
	for _, r := range id {
		if r < '0' || r > '9' {
			allDigits = false
			break
		}
	}
	if !allDigits {
		return RecipientPaybill
	}
	switch {
	case len(id) >= 10:
		return RecipientBankAccount
	case len(id) >= 6:
		return RecipientPaybill
	default:
		return RecipientTill
	}
}
