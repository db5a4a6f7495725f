package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"pesatrack/internal/cache"
	"pesatrack/internal/core"
	"pesatrack/internal/log"
	"pesatrack/internal/sms"
)

// ResultStatus says what happened to one message.
type ResultStatus string

const (
	ResultApplied      ResultStatus = "applied"
	ResultDuplicate    ResultStatus = "duplicate"
	ResultNotFinancial ResultStatus = "not_financial"
	ResultUnparsed     ResultStatus = "unparsed"
)

// Result reports the effects of processing one message.
type Result struct {
	Status       ResultStatus
	Transaction  *core.Transaction
	Recipient    *core.Recipient
	Subscription *core.Subscription
	Alerts       []core.Alert
}

// BatchSummary tallies a batch scan.
type BatchSummary struct {
	Total        int
	Applied      int
	Duplicates   int
	NotFinancial int
	Unparsed     int
	Failed       int
	Alerts       int

	// Transactions holds the applied records, for downstream export.
	Transactions []core.Transaction
}

// Engine runs the full pipeline: classify, parse, normalize, then apply
// the transaction to the recipient profile, subscription state and alert
// rules inside one storage transaction. The engine itself is stateless
// apart from the dedup cache; restarts lose nothing.
type Engine struct {
	cfg        Config
	store      Store
	classifier *sms.Classifier
	parser     *sms.Parser
	normalizer *sms.Normalizer
	aggregator *Aggregator
	detector   *SubscriptionDetector
	alerts     *AlertGenerator
	dedup      *cache.LRUCache[struct{}]
	locks      *keyedMutex
	logger     *log.Logger

	newID func() string
	now   func() time.Time
}

func NewEngine(store Store, cfg Config, logger *log.Logger) *Engine {
	newID := uuid.NewString
	now := time.Now
	return &Engine{
		cfg:        cfg,
		store:      store,
		classifier: sms.NewClassifier(nil),
		parser:     sms.NewParser(),
		normalizer: sms.NewNormalizer(),
		aggregator: NewAggregator(cfg.PurposeThreshold),
		detector:   NewSubscriptionDetector(cfg),
		alerts:     NewAlertGenerator(cfg.AnomalyMultiplier, newID, now),
		dedup:      cache.NewLRUCache[struct{}](cfg.DedupCacheSize, cfg.DedupCacheTTL),
		locks:      newKeyedMutex(),
		logger:     logger.WithComponent(log.ComponentEngine),
		newID:      newID,
		now:        now,
	}
}

// IngestMessage runs one raw message through the pipeline. Non-financial
// and unparseable messages are dropped without error; the Result status
// tells the caller which path was taken.
func (e *Engine) IngestMessage(ctx context.Context, msg core.RawMessage) (*Result, error) {
	if !e.classifier.IsFinancial(msg) {
		e.logger.Debug("message dropped", log.FieldOperation, log.OpClassify, log.FieldSender, msg.Sender)
		return &Result{Status: ResultNotFinancial}, nil
	}
	parsed := e.parser.Parse(msg.Body)
	if parsed == nil {
		e.logger.Warn("no template matched", log.FieldOperation, log.OpParse, log.FieldSender, msg.Sender)
		return &Result{Status: ResultUnparsed}, nil
	}
	e.logger.Debug("message parsed", log.FieldOperation, log.OpParse, log.FieldTemplate, parsed.Template, log.FieldSender, msg.Sender)
	tx, err := e.normalizer.FromParsed(parsed)
	if err != nil {
		return nil, fmt.Errorf("normalize message from %s: %w", msg.Sender, err)
	}
	return e.process(ctx, tx, dedupKey(tx, msg))
}

// SubmitManual records a user-entered transaction. Manual entries bypass
// classification and parsing but flow through the same aggregation and
// detection path as parsed messages.
func (e *Engine) SubmitManual(ctx context.Context, entry sms.ManualEntry) (*Result, error) {
	tx, err := e.normalizer.FromManual(entry)
	if err != nil {
		return nil, fmt.Errorf("manual entry: %w", err)
	}
	return e.process(ctx, tx, "manual:"+tx.ID)
}

// IngestBatch processes a batch of messages. Messages are normalized
// up front, grouped by recipient and each group applied oldest first;
// groups for distinct recipients run in parallel.
func (e *Engine) IngestBatch(ctx context.Context, msgs []core.RawMessage) (BatchSummary, error) {
	summary := BatchSummary{Total: len(msgs)}
	groups := make(map[string][]pendingTx)

	for _, msg := range msgs {
		if !e.classifier.IsFinancial(msg) {
			summary.NotFinancial++
			continue
		}
		parsed := e.parser.Parse(msg.Body)
		if parsed == nil {
			summary.Unparsed++
			continue
		}
		tx, err := e.normalizer.FromParsed(parsed)
		if err != nil {
			e.logger.Warn("message skipped", log.FieldOperation, log.OpIngest, log.FieldError, err, log.FieldSender, msg.Sender)
			summary.Failed++
			continue
		}
		groups[tx.RecipientIdentifier] = append(groups[tx.RecipientIdentifier], pendingTx{tx: tx, key: dedupKey(tx, msg)})
	}
	for _, pending := range groups {
		sort.Slice(pending, func(i, j int) bool {
			return pending[i].tx.TransactionDate.Before(pending[j].tx.TransactionDate)
		})
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.BatchConcurrency)
	for _, pending := range groups {
		pending := pending
		g.Go(func() error {
			for _, p := range pending {
				res, err := e.process(gctx, p.tx, p.key)
				mu.Lock()
				if err != nil {
					summary.Failed++
					mu.Unlock()
					e.logger.Error("message failed", log.FieldOperation, log.OpIngest, log.FieldError, err, log.FieldTransactionID, p.tx.ID)
					continue
				}
				switch res.Status {
				case ResultApplied:
					summary.Applied++
					summary.Alerts += len(res.Alerts)
					summary.Transactions = append(summary.Transactions, *res.Transaction)
				case ResultDuplicate:
					summary.Duplicates++
				}
				mu.Unlock()
			}
			return gctx.Err()
		})
	}
	err := g.Wait()
	e.logger.Info("batch done",
		log.FieldOperation, log.OpIngest,
		log.FieldBatchSize, summary.Total,
		"applied", summary.Applied,
		"duplicates", summary.Duplicates,
		"unparsed", summary.Unparsed)
	return summary, err
}

// ImportStatement re-ingests exported statement rows. Rows arrive without
// identifiers; each gets a fresh id and flows through the standard
// processing path oldest first. Rows carrying a carrier reference share
// the sms dedup namespace, so re-importing an already ingested message
// reports a duplicate instead of double counting.
func (e *Engine) ImportStatement(ctx context.Context, rows []core.Transaction) (BatchSummary, error) {
	summary := BatchSummary{Total: len(rows)}
	sorted := make([]core.Transaction, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].TransactionDate.Before(sorted[j].TransactionDate)
	})

	for _, row := range sorted {
		tx := row
		tx.ID = e.newID()
		tx.Source = core.SourceCSVImport
		now := e.now()
		tx.CreatedAt = now
		tx.UpdatedAt = now
		if err := tx.Validate(); err != nil {
			e.logger.Warn("statement row skipped", log.FieldOperation, log.OpIngest, log.FieldError, err, log.FieldRecipient, tx.RecipientIdentifier)
			summary.Failed++
			continue
		}
		res, err := e.process(ctx, tx, statementKey(tx))
		if err != nil {
			e.logger.Error("statement row failed", log.FieldOperation, log.OpIngest, log.FieldError, err, log.FieldTransactionID, tx.ID)
			summary.Failed++
			continue
		}
		switch res.Status {
		case ResultApplied:
			summary.Applied++
			summary.Alerts += len(res.Alerts)
			summary.Transactions = append(summary.Transactions, *res.Transaction)
		case ResultDuplicate:
			summary.Duplicates++
		}
	}
	e.logger.Info("statement import done",
		log.FieldOperation, log.OpIngest,
		log.FieldBatchSize, summary.Total,
		"applied", summary.Applied,
		"duplicates", summary.Duplicates)
	return summary, nil
}

type pendingTx struct {
	tx  core.Transaction
	key string
}

// dedupKey identifies a message across re-deliveries. Carrier references
// are unique per transaction; messages without one fall back to a body
// hash so the same text delivered twice still collapses.
func dedupKey(tx core.Transaction, msg core.RawMessage) string {
	if tx.Reference != "" {
		return "ref:" + tx.Reference
	}
	sum := sha256.Sum256([]byte(msg.Sender + "|" + msg.Body + "|" + msg.ReceivedAt.UTC().Format(time.RFC3339)))
	return "sms:" + hex.EncodeToString(sum[:16])
}

// statementKey identifies an imported statement row. References reuse the
// sms namespace; rows without one key off their content.
func statementKey(tx core.Transaction) string {
	if tx.Reference != "" {
		return "ref:" + tx.Reference
	}
	sum := sha256.Sum256([]byte(tx.RecipientIdentifier + "|" + strconv.FormatInt(tx.Amount.Cents, 10) + "|" + tx.TransactionDate.UTC().Format(time.RFC3339)))
	return "csv:" + hex.EncodeToString(sum[:16])
}

// process applies one normalized transaction. All writes for the message
// happen inside a single storage transaction; the per-recipient lock
// keeps concurrent updates to one profile serialized.
func (e *Engine) process(ctx context.Context, tx core.Transaction, key string) (*Result, error) {
	if e.dedup.Contains(key) {
		e.logger.Debug("duplicate (cache)", log.FieldOperation, log.OpIngest, log.FieldTransactionID, tx.ID)
		return &Result{Status: ResultDuplicate}, nil
	}

	unlock := e.locks.lock(tx.RecipientIdentifier)
	defer unlock()

	res := &Result{Status: ResultApplied}
	err := e.store.RunInTx(ctx, func(s Store) error {
		fresh, err := s.MarkProcessed(ctx, key)
		if err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
		if !fresh {
			res = &Result{Status: ResultDuplicate}
			return nil
		}

		mean, samples, err := s.CategoryStats(ctx, tx.Category, tx.Direction)
		if err != nil {
			return fmt.Errorf("category stats: %w", err)
		}
		if tx.Direction == core.Debit && e.alerts.IsAnomalous(tx.Amount, mean, samples) {
			tx.IsAnomaly = true
			tx.AnomalyScore = e.alerts.AnomalyScore(tx.Amount, mean)
		}
		if err := s.CreateTransaction(ctx, tx); err != nil {
			return fmt.Errorf("create transaction: %w", err)
		}
		res.Transaction = &tx

		if tx.RecipientIdentifier == core.CashIdentifier {
			return nil
		}

		recipient, err := s.GetRecipient(ctx, tx.RecipientIdentifier)
		if err != nil {
			return fmt.Errorf("get recipient: %w", err)
		}
		recipient = e.aggregator.Apply(recipient, tx, e.now())

		history, err := s.ListTransactionsByRecipient(ctx, tx.RecipientIdentifier, e.cfg.DetectionWindow*2)
		if err != nil {
			return fmt.Errorf("list transactions: %w", err)
		}

		newSub, sub, err := e.trackSubscription(ctx, s, recipient, tx, history)
		if err != nil {
			return err
		}
		res.Subscription = sub
		if sub != nil {
			recipient.IsSubscription = true
		}

		newIncome := false
		if tx.Direction == core.Credit && !recipient.IsIncomeSource {
			if freq, ok := e.detector.DetectIncome(history); ok {
				recipient.IsIncomeSource = true
				recipient.IncomeFrequency = freq
				newIncome = true
				e.logger.Info("income source detected",
					log.FieldOperation, log.OpDetect,
					log.FieldRecipient, recipient.Identifier, log.FieldFrequency, freq)
			}
		}

		if err := s.UpsertRecipient(ctx, *recipient); err != nil {
			return fmt.Errorf("upsert recipient: %w", err)
		}
		res.Recipient = recipient

		in := AlertInput{
			Transaction:     tx,
			Recipient:       recipient,
			CategoryMean:    mean,
			Samples:         samples,
			NewSubscription: newSub,
			NewIncomeSource: newIncome,
			Balance:         tx.BalanceAfter,
		}
		if tx.BalanceAfter != nil {
			in.NextIncomeDate, _, in.UpcomingDebits, err = e.projectionInputs(ctx, s)
			if err != nil {
				return err
			}
		}
		for _, alert := range e.alerts.Evaluate(in) {
			if err := alert.Validate(); err != nil {
				return fmt.Errorf("alert %s: %w", alert.Type, err)
			}
			if err := s.CreateAlert(ctx, alert); err != nil {
				return fmt.Errorf("create alert: %w", err)
			}
			res.Alerts = append(res.Alerts, alert)
			e.logger.Info("alert raised",
				log.FieldOperation, log.OpDetect,
				log.FieldAlertType, alert.Type, log.FieldSeverity, alert.Severity)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Status == ResultApplied {
		e.dedup.Set(key, struct{}{})
		e.logger.Info("transaction applied",
			log.FieldOperation, log.OpIngest,
			log.FieldTransactionID, tx.ID,
			log.FieldRecipient, tx.RecipientIdentifier,
			log.FieldAmountCents, tx.Amount.Cents,
			log.FieldDirection, tx.Direction,
			log.FieldCategory, tx.Category)
	}
	return res, nil
}

// trackSubscription updates an existing subscription with a matching
// payment or runs detection over the history when none exists yet. The
// first return value is non-nil only when a subscription was created by
// this call.
func (e *Engine) trackSubscription(ctx context.Context, s Store, r *core.Recipient, tx core.Transaction, history []core.Transaction) (created *core.Subscription, current *core.Subscription, err error) {
	serviceName := r.Name
	if serviceName == "" {
		serviceName = r.Identifier
	}
	existing, err := s.GetSubscription(ctx, r.Identifier, serviceName)
	if err != nil {
		return nil, nil, fmt.Errorf("get subscription: %w", err)
	}

	if existing != nil {
		// A cancelled subscription stays cancelled; its payments are
		// still ordinary transactions.
		if existing.Status == core.SubscriptionCancelled {
			return nil, existing, nil
		}
		if e.detector.MatchesPayment(*existing, tx) {
			existing.PaymentCount++
			existing.TotalSpent = existing.TotalSpent.Add(tx.Amount)
			existing.LastPaymentDate = tx.TransactionDate
			existing.NextExpectedDate = tx.TransactionDate.Add(existing.Frequency.BucketLength())
			if existing.Status == core.SubscriptionDetected || existing.Status == core.SubscriptionPaused {
				existing.Status = core.SubscriptionActive
			}
			existing.UpdatedAt = e.now()
			if err := s.UpsertSubscription(ctx, *existing); err != nil {
				return nil, nil, fmt.Errorf("upsert subscription: %w", err)
			}
			return nil, existing, nil
		}
		// An off-schedule payment past the grace window pauses the
		// subscription right away instead of waiting for the sweep.
		if existing.Status != core.SubscriptionPaused &&
			IsOverdue(*existing, tx.TransactionDate, e.cfg.IntervalTolerance) {
			existing.Status = core.SubscriptionPaused
			existing.UpdatedAt = e.now()
			if err := s.UpsertSubscription(ctx, *existing); err != nil {
				return nil, nil, fmt.Errorf("upsert subscription: %w", err)
			}
		}
		return nil, existing, nil
	}

	if tx.Direction != core.Debit {
		return nil, nil, nil
	}
	det := e.detector.Detect(history)
	if det == nil {
		return nil, nil, nil
	}
	sub := core.Subscription{
		ID:                  e.newID(),
		RecipientIdentifier: r.Identifier,
		ServiceName:         serviceName,
		Frequency:           det.Frequency,
		TypicalAmount:       det.TypicalAmount,
		NextExpectedDate:    det.NextExpectedDate,
		LastPaymentDate:     det.LastPaymentDate,
		TotalSpent:          det.TotalSpent,
		PaymentCount:        det.PaymentCount,
		Status:              core.SubscriptionDetected,
		CreatedAt:           e.now(),
		UpdatedAt:           e.now(),
	}
	if err := s.UpsertSubscription(ctx, sub); err != nil {
		return nil, nil, fmt.Errorf("upsert subscription: %w", err)
	}
	e.logger.Info("subscription detected",
		log.FieldOperation, log.OpDetect,
		log.FieldRecipient, r.Identifier, log.FieldFrequency, det.Frequency)
	return &sub, &sub, nil
}

// projectionInputs gathers the next expected income date, the source
// recipient it comes from and the active subscription payments due
// before it, for the low-balance projection.
func (e *Engine) projectionInputs(ctx context.Context, s Store) (time.Time, string, []core.Subscription, error) {
	sources, err := s.ListIncomeSources(ctx)
	if err != nil {
		return time.Time{}, "", nil, fmt.Errorf("list income sources: %w", err)
	}
	var nextIncome time.Time
	var sourceID string
	for _, src := range sources {
		cadence := incomeCadence(src.IncomeFrequency)
		if cadence == 0 || src.LastTransactionDate.IsZero() {
			continue
		}
		expected := src.LastTransactionDate.Add(cadence)
		if nextIncome.IsZero() || expected.Before(nextIncome) {
			nextIncome = expected
			sourceID = src.Identifier
		}
	}
	if nextIncome.IsZero() {
		return time.Time{}, "", nil, nil
	}
	subs, err := s.ListSubscriptionsByStatus(ctx, core.SubscriptionDetected, core.SubscriptionActive)
	if err != nil {
		return time.Time{}, "", nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return nextIncome, sourceID, subs, nil
}

func incomeCadence(f core.IncomeFrequency) time.Duration {
	switch f {
	case core.IncomeWeekly:
		return 7 * 24 * time.Hour
	case core.IncomeBiWeekly:
		return 14 * 24 * time.Hour
	case core.IncomeMonthly:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// ConfirmPurpose pins a user-chosen default purpose on a recipient.
func (e *Engine) ConfirmPurpose(ctx context.Context, identifier, purpose string) error {
	unlock := e.locks.lock(identifier)
	defer unlock()
	return e.store.RunInTx(ctx, func(s Store) error {
		r, err := s.GetRecipient(ctx, identifier)
		if err != nil {
			return fmt.Errorf("get recipient: %w", err)
		}
		if r == nil {
			return fmt.Errorf("recipient %s: %w", identifier, core.ErrRecipientNotFound)
		}
		e.aggregator.purposes.Confirm(r, purpose)
		r.UpdatedAt = e.now()
		return s.UpsertRecipient(ctx, *r)
	})
}

// CancelSubscription marks a subscription cancelled. Only an explicit
// request cancels; the sweep pauses overdue subscriptions but never
// cancels them.
func (e *Engine) CancelSubscription(ctx context.Context, identifier, serviceName string) error {
	unlock := e.locks.lock(identifier)
	defer unlock()
	return e.store.RunInTx(ctx, func(s Store) error {
		sub, err := s.GetSubscription(ctx, identifier, serviceName)
		if err != nil {
			return fmt.Errorf("get subscription: %w", err)
		}
		if sub == nil {
			return fmt.Errorf("subscription %s/%s: %w", identifier, serviceName, core.ErrSubscriptionNotFound)
		}
		sub.Status = core.SubscriptionCancelled
		sub.UpdatedAt = e.now()
		return s.UpsertSubscription(ctx, *sub)
	})
}

// Sweep pauses overdue subscriptions and announces payments due within
// the lookahead window. Safe to run on any cadence: the due alert for a
// given cycle fires once because its dedup key includes the expected
// date.
func (e *Engine) Sweep(ctx context.Context) error {
	now := e.now()
	subs, err := e.store.ListSubscriptionsByStatus(ctx, core.SubscriptionDetected, core.SubscriptionActive)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	for _, sub := range subs {
		sub := sub
		if IsOverdue(sub, now, e.cfg.IntervalTolerance) {
			sub.Status = core.SubscriptionPaused
			sub.UpdatedAt = now
			if err := e.store.UpsertSubscription(ctx, sub); err != nil {
				return fmt.Errorf("pause subscription %s: %w", sub.ID, err)
			}
			e.logger.Info("subscription paused",
				log.FieldOperation, log.OpSweep,
				log.FieldRecipient, sub.RecipientIdentifier, log.FieldFrequency, sub.Frequency)
			continue
		}
		if !DueWithin(sub, now, e.cfg.RecurringDueLookahead) {
			continue
		}
		key := fmt.Sprintf("due:%s:%s", sub.ID, sub.NextExpectedDate.Format("2006-01-02"))
		err := e.store.RunInTx(ctx, func(s Store) error {
			fresh, err := s.MarkProcessed(ctx, key)
			if err != nil || !fresh {
				return err
			}
			return s.CreateAlert(ctx, e.alerts.RecurringDueAlert(sub))
		})
		if err != nil {
			return fmt.Errorf("due alert for %s: %w", sub.ID, err)
		}
	}
	return e.sweepLowBalance(ctx)
}

// sweepLowBalance projects the last known balance over the subscription
// payments due before the next expected income and raises a critical
// alert when the projection goes negative. Quiet without a known balance
// or income source.
func (e *Engine) sweepLowBalance(ctx context.Context) error {
	balance, err := e.store.LatestBalance(ctx)
	if err != nil {
		return fmt.Errorf("latest balance: %w", err)
	}
	if balance == nil {
		return nil
	}
	nextIncome, sourceID, upcoming, err := e.projectionInputs(ctx, e.store)
	if err != nil {
		return err
	}
	if nextIncome.IsZero() {
		return nil
	}
	projected := balance.Cents
	for _, sub := range upcoming {
		if sub.NextExpectedDate.Before(nextIncome) {
			projected -= sub.TypicalAmount.Cents
		}
	}
	if projected >= 0 {
		return nil
	}
	key := "lowbal:" + nextIncome.Format("2006-01-02")
	return e.store.RunInTx(ctx, func(s Store) error {
		fresh, err := s.MarkProcessed(ctx, key)
		if err != nil || !fresh {
			return err
		}
		return s.CreateAlert(ctx, e.alerts.LowBalanceAlert(*balance, nextIncome, sourceID))
	})
}

// keyedMutex hands out one mutex per key so updates to different
// recipients proceed in parallel while updates to the same recipient are
// serialized. Mutexes are never reclaimed; the key space is bounded by
// the number of distinct recipients.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}
