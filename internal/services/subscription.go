// This file implements frequency bucket matching and subscription
// detection. Each frequency bucket (daily, weekly, monthly, quarterly,
// yearly) is matched against observed payment intervals with a relative
// tolerance, so a payment landing every 28 to 31 days still reads as
// monthly.

package services

import (
	"sort"
	"time"

	"pesatrack/internal/core"
)

// frequencyBuckets lists the buckets in ascending cycle length. Ordered
// iteration matters: an ambiguous interval resolves to the shortest
// bucket it fits.
var frequencyBuckets = []core.Frequency{
	core.Daily,
	core.Weekly,
	core.Monthly,
	core.Quarterly,
	core.Yearly,
}

// MatchFrequency maps an observed interval onto a frequency bucket.
// The tolerance is relative to the bucket length (0.20 = ±20%).
func MatchFrequency(interval time.Duration, tolerance float64) (core.Frequency, bool) {
	for _, f := range frequencyBuckets {
		length := f.BucketLength()
		slack := time.Duration(float64(length) * tolerance)
		if interval >= length-slack && interval <= length+slack {
			return f, true
		}
	}
	return "", false
}

// incomeFrequencies maps payment cadences onto income frequency labels.
// Bi-weekly has no expense bucket of its own but is a common salary
// cadence, so it gets an explicit entry here.
var incomeFrequencies = []struct {
	length time.Duration
	freq   core.IncomeFrequency
}{
	{7 * 24 * time.Hour, core.IncomeWeekly},
	{14 * 24 * time.Hour, core.IncomeBiWeekly},
	{30 * 24 * time.Hour, core.IncomeMonthly},
}

func matchIncomeFrequency(interval time.Duration, tolerance float64) core.IncomeFrequency {
	for _, b := range incomeFrequencies {
		slack := time.Duration(float64(b.length) * tolerance)
		if interval >= b.length-slack && interval <= b.length+slack {
			return b.freq
		}
	}
	return core.IncomeIrregular
}

// Detection is the outcome of a successful subscription scan over one
// recipient's recent payments.
type Detection struct {
	Frequency        core.Frequency
	TypicalAmount    core.Money
	LastPaymentDate  time.Time
	NextExpectedDate time.Time
	PaymentCount     int64
	TotalSpent       core.Money
}

// SubscriptionDetector scans a recipient's recent transaction history for
// periodic payment patterns. The detector is stateless; persistence of the
// resulting Subscription is the engine's job.
type SubscriptionDetector struct {
	window      int
	minPayments int
	amountTol   float64
	intervalTol float64
}

func NewSubscriptionDetector(cfg Config) *SubscriptionDetector {
	return &SubscriptionDetector{
		window:      cfg.DetectionWindow,
		minPayments: cfg.MinPayments,
		amountTol:   cfg.AmountTolerance,
		intervalTol: cfg.IntervalTolerance,
	}
}

// Detect inspects the most recent debits in history and returns a
// Detection when at least minPayments of them are periodic: similar
// amounts (within the amount tolerance of their mean) at a regular
// interval matching one frequency bucket. Returns nil when no pattern
// holds.
func (d *SubscriptionDetector) Detect(history []core.Transaction) *Detection {
	payments := filterDirection(history, core.Debit)
	return d.detect(payments)
}

// DetectIncome runs the same periodicity scan over credits. A matching
// pattern marks the recipient as an income source with the matched
// cadence; amounts still have to be similar for the pattern to count.
func (d *SubscriptionDetector) DetectIncome(history []core.Transaction) (core.IncomeFrequency, bool) {
	credits := filterDirection(history, core.Credit)
	det := d.detect(credits)
	if det == nil {
		return "", false
	}
	interval := det.Frequency.BucketLength()
	if len(credits) >= 2 {
		interval = medianInterval(credits)
	}
	return matchIncomeFrequency(interval, d.intervalTol), true
}

func (d *SubscriptionDetector) detect(payments []core.Transaction) *Detection {
	if len(payments) < d.minPayments {
		return nil
	}
	sort.Slice(payments, func(i, j int) bool {
		return payments[i].TransactionDate.Before(payments[j].TransactionDate)
	})
	if len(payments) > d.window {
		payments = payments[len(payments)-d.window:]
	}
	if len(payments) < d.minPayments {
		return nil
	}

	mean := meanAmount(payments)
	for _, p := range payments {
		if !withinTolerance(p.Amount.Cents, mean.Cents, d.amountTol) {
			return nil
		}
	}

	interval := medianInterval(payments)
	freq, ok := MatchFrequency(interval, d.intervalTol)
	if !ok {
		return nil
	}
	// Every consecutive gap has to fit the bucket, not just the mean:
	// a 1-day and a 59-day gap must not pass as monthly.
	length := freq.BucketLength()
	for i := 1; i < len(payments); i++ {
		gap := payments[i].TransactionDate.Sub(payments[i-1].TransactionDate)
		if !withinDurationTolerance(gap, length, d.intervalTol) {
			return nil
		}
	}

	last := payments[len(payments)-1]
	total := core.Money{}
	for _, p := range payments {
		total = total.Add(p.Amount)
	}
	return &Detection{
		Frequency:        freq,
		TypicalAmount:    mean,
		LastPaymentDate:  last.TransactionDate,
		NextExpectedDate: last.TransactionDate.Add(length),
		PaymentCount:     int64(len(payments)),
		TotalSpent:       total,
	}
}

// IsOverdue reports whether a subscription's expected payment date has
// passed by more than the interval tolerance of one cycle.
func IsOverdue(s core.Subscription, now time.Time, intervalTol float64) bool {
	if s.NextExpectedDate.IsZero() {
		return false
	}
	grace := time.Duration(float64(s.Frequency.BucketLength()) * intervalTol)
	return now.After(s.NextExpectedDate.Add(grace))
}

// DueWithin reports whether a subscription's next payment falls inside
// the lookahead window from now.
func DueWithin(s core.Subscription, now time.Time, lookahead time.Duration) bool {
	if s.NextExpectedDate.IsZero() {
		return false
	}
	return !s.NextExpectedDate.Before(now) && s.NextExpectedDate.Sub(now) <= lookahead
}

// MatchesPayment reports whether a transaction looks like the next
// payment of an existing subscription: right amount, on schedule.
func (d *SubscriptionDetector) MatchesPayment(s core.Subscription, tx core.Transaction) bool {
	if tx.Direction != core.Debit {
		return false
	}
	if !withinTolerance(tx.Amount.Cents, s.TypicalAmount.Cents, d.amountTol) {
		return false
	}
	if s.NextExpectedDate.IsZero() {
		return true
	}
	return withinDurationTolerance(tx.TransactionDate.Sub(s.LastPaymentDate), s.Frequency.BucketLength(), d.intervalTol)
}

func filterDirection(txs []core.Transaction, dir core.Direction) []core.Transaction {
	out := make([]core.Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Direction == dir {
			out = append(out, tx)
		}
	}
	return out
}

func meanAmount(txs []core.Transaction) core.Money {
	if len(txs) == 0 {
		return core.Money{}
	}
	var sum int64
	for _, tx := range txs {
		sum += tx.Amount.Cents
	}
	return core.Money{Cents: sum / int64(len(txs))}
}

// medianInterval assumes txs is sorted ascending by date. The median
// keeps one outlier gap from dragging the whole pattern out of its
// bucket.
func medianInterval(txs []core.Transaction) time.Duration {
	if len(txs) < 2 {
		return 0
	}
	gaps := make([]time.Duration, 0, len(txs)-1)
	for i := 1; i < len(txs); i++ {
		gaps = append(gaps, txs[i].TransactionDate.Sub(txs[i-1].TransactionDate))
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	mid := len(gaps) / 2
	if len(gaps)%2 == 0 {
		return (gaps[mid-1] + gaps[mid]) / 2
	}
	return gaps[mid]
}

func withinTolerance(value, reference int64, tolerance float64) bool {
	if reference == 0 {
		return value == 0
	}
	slack := float64(reference) * tolerance
	diff := float64(value - reference)
	if diff < 0 {
		diff = -diff
	}
	return diff <= slack
}

func withinDurationTolerance(value, reference time.Duration, tolerance float64) bool {
	slack := time.Duration(float64(reference) * tolerance)
	return value >= reference-slack && value <= reference+slack
}
