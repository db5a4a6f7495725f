package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"pesatrack/internal/config"
	"pesatrack/internal/core"
	"pesatrack/internal/log"
	"pesatrack/internal/services"
	gsheet "pesatrack/internal/sheets/google"
	"pesatrack/internal/sms"
	"pesatrack/internal/storage"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	var (
		file        = flag.String("file", "-", "JSON lines file of raw messages, - for stdin")
		manual      = flag.Bool("manual", false, "record a single manual transaction instead of scanning")
		recipient   = flag.String("recipient", "", "recipient identifier (manual entry, purpose confirm)")
		name        = flag.String("name", "", "recipient display name (manual entry)")
		amount      = flag.String("amount", "", "amount, e.g. 2,500 or KES 150 (manual entry)")
		direction   = flag.String("direction", "debit", "debit or credit (manual entry)")
		category    = flag.String("category", "", "transaction category (manual entry)")
		date        = flag.String("date", "", "transaction date YYYY-MM-DD, default today (manual entry)")
		purpose     = flag.String("purpose", "", "transaction purpose (manual entry, purpose confirm)")
		confirm     = flag.Bool("confirm-purpose", false, "pin -purpose as the default for -recipient")
		cancelSub   = flag.Bool("cancel-subscription", false, "cancel the -recipient subscription named by -service")
		service     = flag.String("service", "", "subscription service name (cancel)")
		importMonth = flag.String("import-statement", "", "re-import statement rows for a month, YYYY-MM")
	)
	flag.Parse()

	logger := log.New(log.Config{Component: log.ComponentApp})

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}

	store, err := storage.Open(cfg.DataBackend, cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("failed to open storage", log.FieldError, err, "backend", cfg.DataBackend)
		os.Exit(1)
	}
	defer store.Close()

	engine := services.NewEngine(store, cfg.EngineConfig(), logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch {
	case *manual:
		err = runManual(ctx, engine, manualFlags{
			recipient: *recipient, name: *name, amount: *amount,
			direction: *direction, category: *category, date: *date, purpose: *purpose,
		})
	case *confirm:
		err = engine.ConfirmPurpose(ctx, *recipient, *purpose)
		if err == nil {
			fmt.Printf("purpose %q confirmed for %s\n", *purpose, *recipient)
		}
	case *cancelSub:
		svc := *service
		if svc == "" {
			svc = *recipient
		}
		err = engine.CancelSubscription(ctx, *recipient, svc)
		if err == nil {
			fmt.Printf("subscription %s/%s cancelled\n", *recipient, svc)
		}
	case *importMonth != "":
		err = runImport(ctx, engine, cfg, *importMonth)
	default:
		err = runScan(ctx, engine, *file)
	}
	if err != nil {
		logger.Error("command failed", log.FieldError, err)
		os.Exit(1)
	}
}

type manualFlags struct {
	recipient, name, amount, direction, category, date, purpose string
}

func runManual(ctx context.Context, engine *services.Engine, f manualFlags) error {
	when := time.Now()
	if f.date != "" {
		parsed, err := time.Parse("2006-01-02", f.date)
		if err != nil {
			return fmt.Errorf("parse date %q: %w", f.date, err)
		}
		when = parsed
	}
	res, err := engine.SubmitManual(ctx, sms.ManualEntry{
		RecipientIdentifier: f.recipient,
		RecipientName:       f.name,
		Amount:              f.amount,
		Direction:           core.Direction(f.direction),
		Category:            core.Category(f.category),
		Date:                when,
		Purpose:             f.purpose,
	})
	if err != nil {
		return err
	}
	fmt.Printf("recorded %s %s to %s (%s)\n",
		res.Transaction.Direction, res.Transaction.Amount, res.Transaction.RecipientIdentifier, res.Transaction.ID)
	for _, a := range res.Alerts {
		fmt.Printf("alert [%s/%s] %s\n", a.Type, a.Severity, a.Message)
	}
	return nil
}

func runImport(ctx context.Context, engine *services.Engine, cfg *config.Config, month string) error {
	when, err := time.Parse("2006-01", month)
	if err != nil {
		return fmt.Errorf("parse month %q: %w", month, err)
	}
	client, err := gsheet.New(ctx, gsheet.Options{
		SpreadsheetID:      cfg.GoogleSpreadsheetID,
		SheetName:          cfg.GoogleSheetName,
		ServiceAccountJSON: cfg.GoogleServiceAccountJSON,
		ServiceAccountFile: cfg.GoogleServiceAccountFile,
	})
	if err != nil {
		return fmt.Errorf("sheets client: %w", err)
	}
	rows, err := client.ListStatement(ctx, when.Year(), int(when.Month()))
	if err != nil {
		return fmt.Errorf("list statement: %w", err)
	}
	summary, err := engine.ImportStatement(ctx, rows)
	if err != nil {
		return err
	}
	printSummary(summary)
	return nil
}

func runScan(ctx context.Context, engine *services.Engine, file string) error {
	in := os.Stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("open %s: %w", file, err)
		}
		defer f.Close()
		in = f
	}

	var msgs []core.RawMessage
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var msg core.RawMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return fmt.Errorf("parse message line: %w", err)
		}
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = time.Now()
		}
		msgs = append(msgs, msg)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	summary, err := engine.IngestBatch(ctx, msgs)
	if err != nil {
		return err
	}
	printSummary(summary)
	return nil
}

func printSummary(s services.BatchSummary) {
	fmt.Printf("total=%d applied=%d duplicates=%d not_financial=%d unparsed=%d failed=%d alerts=%d\n",
		s.Total, s.Applied, s.Duplicates, s.NotFinancial, s.Unparsed, s.Failed, s.Alerts)
}
