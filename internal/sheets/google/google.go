package google

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"pesatrack/internal/core"
	ports "pesatrack/internal/sheets"
)

// Statement sheet layout, columns A through I.
//
//	A Date (2006-01-02 15:04)   F Category
//	B Recipient name            G Purpose
//	C Recipient identifier      H Reference
//	D Amount (shillings)        I Balance after (shillings, optional)
//	E Direction
const statementDateLayout = "2006-01-02 15:04"

type Client struct {
	svc            *gsheet.Service
	spreadsheetID  string
	statementSheet string
}

// Ensure interface conformance
var (
	_ ports.StatementWriter = (*Client)(nil)
	_ ports.StatementReader = (*Client)(nil)
)

// Options configures the Sheets client. Credentials come from a service
// account: inline JSON wins over a key file path.
type Options struct {
	SpreadsheetID      string
	SheetName          string
	ServiceAccountJSON string
	ServiceAccountFile string
}

// New creates a Sheets client writing to the year-prefixed statement
// sheet (e.g. "2026 Statement").
func New(ctx context.Context, opts Options) (*Client, error) {
	spreadsheetID := strings.TrimSpace(opts.SpreadsheetID)
	if spreadsheetID == "" {
		return nil, errors.New("missing spreadsheet id")
	}
	base := strings.TrimSpace(opts.SheetName)
	if base == "" {
		base = "Statement"
	}

	svc, err := newSheetsService(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}

	return &Client{
		svc:            svc,
		spreadsheetID:  spreadsheetID,
		statementSheet: yearPrefixedName(base, time.Now().Year()),
	}, nil
}

func newSheetsService(ctx context.Context, opts Options) (*gsheet.Service, error) {
	var credentialsJSON []byte
	switch {
	case strings.TrimSpace(opts.ServiceAccountJSON) != "":
		credentialsJSON = []byte(opts.ServiceAccountJSON)
	case strings.TrimSpace(opts.ServiceAccountFile) != "":
		data, err := os.ReadFile(strings.TrimSpace(opts.ServiceAccountFile))
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		credentialsJSON = data
	default:
		return nil, errors.New("missing service account credentials")
	}

	service, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return service, nil
}

// Append writes the transaction as the next statement row and returns
// its range reference.
func (c *Client) Append(ctx context.Context, tx core.Transaction) (string, error) {
	if err := tx.Validate(); err != nil {
		return "", fmt.Errorf("validation failed: %w", err)
	}
	if c.svc == nil {
		return "", errors.New("sheets service not initialized")
	}

	// Find the next empty row from the date column.
	rng := fmt.Sprintf("%s!A:A", c.statementSheet)
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to get sheet dimensions for %s: %w", c.statementSheet, err)
	}
	nextRow := len(resp.Values) + 1

	balance := ""
	if tx.BalanceAfter != nil {
		balance = strconv.FormatFloat(tx.BalanceAfter.Shillings(), 'f', 2, 64)
	}
	dataRange := fmt.Sprintf("%s!A%d:I%d", c.statementSheet, nextRow, nextRow)
	vr := &gsheet.ValueRange{Values: [][]any{{
		tx.TransactionDate.Format(statementDateLayout),
		tx.RecipientName,
		tx.RecipientIdentifier,
		tx.Amount.Shillings(),
		string(tx.Direction),
		string(tx.Category),
		tx.Purpose,
		tx.Reference,
		balance,
	}}}

	_, err = c.svc.Spreadsheets.Values.Update(c.spreadsheetID, dataRange, vr).
		ValueInputOption("USER_ENTERED").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to update %s: %w", dataRange, err)
	}
	return dataRange, nil
}

// ListStatement scans the statement sheet for the given year and month
// and returns the rows as csv_import transactions. Parsing is
// best-effort: rows that do not resolve to a dated amount are skipped.
func (c *Client) ListStatement(ctx context.Context, year int, month int) ([]core.Transaction, error) {
	if c.svc == nil {
		return nil, errors.New("sheets service not initialized")
	}
	if month < 1 || month > 12 {
		return nil, fmt.Errorf("invalid month: %d", month)
	}
	rng := fmt.Sprintf("%s!A:I", c.statementSheet)
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rng, err)
	}
	var out []core.Transaction
	for _, row := range resp.Values {
		tx, ok := parseStatementRow(toStrings(row))
		if !ok {
			continue
		}
		if tx.TransactionDate.Year() != year || int(tx.TransactionDate.Month()) != month {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

func toStrings(in []interface{}) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.TrimSpace(fmt.Sprint(v))
	}
	return out
}

// yearPrefixedName returns "<year> <base>" unless base already starts with a 4-digit year.
func yearPrefixedName(base string, year int) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return base
	}
	if len(base) >= 5 {
		if y, err := strconv.Atoi(base[0:4]); err == nil && base[4] == ' ' && y > 1900 && y < 3000 {
			return base
		}
	}
	return fmt.Sprintf("%d %s", year, base)
}
