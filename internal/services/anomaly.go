package services

import (
	"fmt"
	"time"

	"pesatrack/internal/core"
)

// AlertInput bundles everything the alert rules may look at for one
// processed transaction. Optional fields are nil when the corresponding
// signal is unavailable; each rule skips silently on missing input
// rather than erroring.
type AlertInput struct {
	Transaction  core.Transaction
	Recipient    *core.Recipient
	CategoryMean core.Money
	Samples      int64
	// NewSubscription is set only on the message that first created the
	// subscription.
	NewSubscription *core.Subscription
	// NewIncomeSource is set only when this message flipped the
	// recipient's income-source flag.
	NewIncomeSource bool
	// Balance is the running balance after this transaction, when the
	// message carried one.
	Balance *core.Money
	// NextIncomeDate and UpcomingDebits feed the low-balance
	// projection. UpcomingDebits are active subscriptions expected
	// before the next income.
	NextIncomeDate time.Time
	UpcomingDebits []core.Subscription
}

// AlertGenerator evaluates independent alert rules over a processed
// transaction. Rules never veto each other; one message can raise
// several alerts.
type AlertGenerator struct {
	multiplier float64
	newID      func() string
	now        func() time.Time
}

func NewAlertGenerator(multiplier float64, newID func() string, now func() time.Time) *AlertGenerator {
	if multiplier <= 0 {
		multiplier = 3.0
	}
	return &AlertGenerator{multiplier: multiplier, newID: newID, now: now}
}

// Evaluate runs every rule and returns the alerts they raised.
func (g *AlertGenerator) Evaluate(in AlertInput) []core.Alert {
	var alerts []core.Alert
	for _, rule := range []func(AlertInput) *core.Alert{
		g.largeExpense,
		g.newSubscription,
		g.incomeDetected,
		g.lowBalance,
	} {
		if a := rule(in); a != nil {
			alerts = append(alerts, *a)
		}
	}
	return alerts
}

// AnomalyScore grades how far a debit sits above its category mean, on a
// 0..1 scale. The score crosses 0.5 exactly at the alert threshold and
// saturates at twice the threshold.
func (g *AlertGenerator) AnomalyScore(amount, mean core.Money) float64 {
	if mean.Cents <= 0 {
		return 0
	}
	ratio := float64(amount.Cents) / float64(mean.Cents)
	score := ratio / (2 * g.multiplier)
	if score > 1 {
		return 1
	}
	return score
}

// IsAnomalous reports whether a debit exceeds the category mean by the
// configured multiplier. With no prior samples there is no baseline and
// nothing is anomalous.
func (g *AlertGenerator) IsAnomalous(amount, mean core.Money, samples int64) bool {
	if samples == 0 || mean.Cents <= 0 {
		return false
	}
	return float64(amount.Cents) > float64(mean.Cents)*g.multiplier
}

func (g *AlertGenerator) largeExpense(in AlertInput) *core.Alert {
	tx := in.Transaction
	if tx.Direction != core.Debit || !in.IsAnomalyFlagged() {
		return nil
	}
	return &core.Alert{
		ID:       g.newID(),
		Type:     core.AlertAnomaly,
		Severity: core.SeverityWarning,
		Title:    "Unusually large expense",
		Message: fmt.Sprintf("%s to %s is well above your usual %s spending (average %s)",
			tx.Amount, tx.RecipientName, tx.Category, in.CategoryMean),
		RelatedTransactionID: tx.ID,
		CreatedAt:            g.now(),
	}
}

func (g *AlertGenerator) newSubscription(in AlertInput) *core.Alert {
	sub := in.NewSubscription
	if sub == nil {
		return nil
	}
	return &core.Alert{
		ID:       g.newID(),
		Type:     core.AlertSubscription,
		Severity: core.SeverityInfo,
		Title:    "New subscription detected",
		Message: fmt.Sprintf("%s looks like a %s subscription of about %s",
			sub.ServiceName, sub.Frequency, sub.TypicalAmount),
		RelatedRecipientID: sub.RecipientIdentifier,
		CreatedAt:          g.now(),
	}
}

func (g *AlertGenerator) incomeDetected(in AlertInput) *core.Alert {
	if !in.NewIncomeSource || in.Recipient == nil {
		return nil
	}
	return &core.Alert{
		ID:       g.newID(),
		Type:     core.AlertIncome,
		Severity: core.SeverityInfo,
		Title:    "Income source detected",
		Message: fmt.Sprintf("%s pays you on a %s cadence",
			in.Recipient.Name, in.Recipient.IncomeFrequency),
		RelatedRecipientID: in.Recipient.Identifier,
		CreatedAt:          g.now(),
	}
}

// lowBalance projects the balance forward over the subscription payments
// expected before the next known income. It needs a running balance and
// an income date; without either the rule stays quiet.
func (g *AlertGenerator) lowBalance(in AlertInput) *core.Alert {
	if in.Balance == nil || in.NextIncomeDate.IsZero() {
		return nil
	}
	projected := in.Balance.Cents
	for _, sub := range in.UpcomingDebits {
		if sub.NextExpectedDate.Before(in.NextIncomeDate) {
			projected -= sub.TypicalAmount.Cents
		}
	}
	if projected >= 0 {
		return nil
	}
	return &core.Alert{
		ID:       g.newID(),
		Type:     core.AlertLowBalance,
		Severity: core.SeverityCritical,
		Title:    "Balance at risk",
		Message: fmt.Sprintf("Upcoming payments exceed your balance of %s before your next expected income on %s",
			in.Balance, in.NextIncomeDate.Format("2 Jan")),
		RelatedTransactionID: in.Transaction.ID,
		CreatedAt:            g.now(),
	}
}

// LowBalanceAlert is the sweep-side variant of the low-balance rule,
// raised against the income-source recipient when no triggering
// transaction exists.
func (g *AlertGenerator) LowBalanceAlert(balance core.Money, nextIncome time.Time, recipientID string) core.Alert {
	return core.Alert{
		ID:       g.newID(),
		Type:     core.AlertLowBalance,
		Severity: core.SeverityCritical,
		Title:    "Balance at risk",
		Message: fmt.Sprintf("Upcoming payments exceed your balance of %s before your next expected income on %s",
			balance, nextIncome.Format("2 Jan")),
		RelatedRecipientID: recipientID,
		CreatedAt:          g.now(),
	}
}

// RecurringDueAlert announces an upcoming subscription payment. It is
// raised by the periodic sweep rather than per message.
func (g *AlertGenerator) RecurringDueAlert(sub core.Subscription) core.Alert {
	return core.Alert{
		ID:       g.newID(),
		Type:     core.AlertRecurringDue,
		Severity: core.SeverityInfo,
		Title:    "Subscription payment due",
		Message: fmt.Sprintf("%s expects about %s on %s",
			sub.ServiceName, sub.TypicalAmount, sub.NextExpectedDate.Format("2 Jan")),
		RelatedRecipientID: sub.RecipientIdentifier,
		CreatedAt:          g.now(),
	}
}

// IsAnomalyFlagged reports whether the transaction was marked anomalous
// before the rules ran.
func (in AlertInput) IsAnomalyFlagged() bool {
	return in.Transaction.IsAnomaly
}
