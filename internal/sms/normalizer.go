package sms

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"pesatrack/internal/core"
)

// dateLayouts are tried in order when resolving the date/time wording of a
// confirmation. Day-first matches the carrier format.
var dateLayouts = []string{
	"2/1/06 3:04 PM",
	"2/1/2006 3:04 PM",
	"2/1/06 15:04",
	"2/1/2006 15:04",
	"2/1/06",
	"2/1/2006",
}

// ManualEntry is a user-submitted transaction. It bypasses the classifier
// and parser and enters the pipeline at the normalization boundary.
type ManualEntry struct {
	RecipientIdentifier string
	RecipientName       string
	Amount              string
	Direction           core.Direction
	Category            core.Category
	Date                time.Time
	Purpose             string
}

// Normalizer converts parsed or manual input into the canonical
// Transaction record. Normalization is the only pipeline stage whose
// failures are surfaced to the caller.
type Normalizer struct {
	now   func() time.Time
	newID func() string
}

func NewNormalizer() *Normalizer {
	return &Normalizer{now: time.Now, newID: uuid.NewString}
}

// FromParsed maps a template match onto a Transaction: sent becomes debit,
// received becomes credit, the category defaults to other, and timestamps
// are stamped at normalization time. Returns a wrapped core validation
// error when the amount or date cannot be resolved.
func (n *Normalizer) FromParsed(p *ParsedTransaction) (core.Transaction, error) {
	if p == nil {
		return core.Transaction{}, core.ErrInvalidDate
	}

	var direction core.Direction
	switch p.Direction {
	case DirectionSent:
		direction = core.Debit
	case DirectionReceived:
		direction = core.Credit
	default:
		return core.Transaction{}, fmt.Errorf("direction %q: %w", p.Direction, core.ErrInvalidDirection)
	}

	cents, err := core.ParseAmountToCents(p.Amount)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("amount %q: %w", p.Amount, err)
	}

	when, err := resolveInstant(p.Date, p.Time)
	if err != nil {
		return core.Transaction{}, err
	}

	name, identifier := splitCounterparty(p.Counterparty)
	if identifier == "" {
		return core.Transaction{}, core.ErrEmptyIdentifier
	}

	now := n.now()
	tx := core.Transaction{
		ID:                  n.newID(),
		RecipientIdentifier: identifier,
		RecipientName:       name,
		Amount:              core.Money{Cents: cents},
		Direction:           direction,
		Category:            core.CategoryOther,
		TransactionDate:     when,
		Reference:           p.Reference,
		Source:              core.SourceSMS,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if p.Balance != "" {
		if balanceCents, err := core.ParseAmountToCents(p.Balance); err == nil {
			tx.BalanceAfter = &core.Money{Cents: balanceCents}
		}
	}

	return tx, tx.Validate()
}

// FromManual normalizes a user-submitted entry with source=manual.
// Validation failures here are the only ones shown to the end user.
func (n *Normalizer) FromManual(e ManualEntry) (core.Transaction, error) {
	cents, err := core.ParseAmountToCents(e.Amount)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("amount %q: %w", e.Amount, err)
	}
	if e.Date.IsZero() {
		return core.Transaction{}, core.ErrInvalidDate
	}

	category := e.Category
	if category == "" {
		category = core.CategoryOther
	}

	now := n.now()
	tx := core.Transaction{
		ID:                  n.newID(),
		RecipientIdentifier: strings.TrimSpace(e.RecipientIdentifier),
		RecipientName:       strings.TrimSpace(e.RecipientName),
		Amount:              core.Money{Cents: cents},
		Direction:           e.Direction,
		Category:            category,
		TransactionDate:     e.Date,
		Purpose:             e.Purpose,
		Source:              core.SourceManual,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	return tx, tx.Validate()
}

func resolveInstant(dateStr, timeStr string) (time.Time, error) {
	dateStr = strings.TrimSpace(dateStr)
	if dateStr == "" {
		return time.Time{}, core.ErrInvalidDate
	}
	combined := dateStr
	if timeStr != "" {
		combined += " " + strings.ToUpper(strings.TrimSpace(timeStr))
	}
	for _, layout := range dateLayouts {
		if when, err := time.Parse(layout, combined); err == nil {
			return when, nil
		}
	}
	return time.Time{}, fmt.Errorf("resolve %q: %w", combined, core.ErrInvalidDate)
}

var (
	trailingPhone = regexp.MustCompile(`^(.*?)\s+((?:\+?254|0)\d{9})$`)
	agentPrefix   = regexp.MustCompile(`^(\d{4,})\s*-\s*(.+)$`)
)

// splitCounterparty separates a captured party string into a display name
// and the identifier the recipient profile is keyed by. Carrier wording
// puts phone numbers after the name ("JOHN DOE 0712345678") and agent
// numbers before it ("123456 - AGENT NAME"); bare names key by the name
// itself.
func splitCounterparty(party string) (name, identifier string) {
	party = strings.TrimSpace(party)
	if party == "" {
		return "", ""
	}
	if m := trailingPhone.FindStringSubmatch(party); m != nil {
		return strings.TrimSpace(m[1]), m[2]
	}
	if m := agentPrefix.FindStringSubmatch(party); m != nil {
		return strings.TrimSpace(m[2]), m[1]
	}
	return party, party
}
