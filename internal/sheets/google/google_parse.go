package google

import (
	"strconv"
	"strings"
	"time"

	"pesatrack/internal/core"
)

// parseStatementRow converts one row of the statement sheet into a
// csv_import transaction. A row must carry at least a parsable date,
// identifier, amount and direction; header and malformed rows report
// ok=false.
func parseStatementRow(cols []string) (core.Transaction, bool) {
	if len(cols) < 5 {
		return core.Transaction{}, false
	}
	when, err := time.Parse(statementDateLayout, strings.TrimSpace(cols[0]))
	if err != nil {
		return core.Transaction{}, false
	}
	identifier := strings.TrimSpace(cols[2])
	if identifier == "" {
		return core.Transaction{}, false
	}
	cents, ok := parseShillingsToCents(cols[3])
	if !ok || cents <= 0 {
		return core.Transaction{}, false
	}
	var direction core.Direction
	switch strings.ToLower(strings.TrimSpace(cols[4])) {
	case string(core.Debit):
		direction = core.Debit
	case string(core.Credit):
		direction = core.Credit
	default:
		return core.Transaction{}, false
	}

	tx := core.Transaction{
		RecipientIdentifier: identifier,
		RecipientName:       strings.TrimSpace(cols[1]),
		Amount:              core.Money{Cents: cents},
		Direction:           direction,
		Category:            core.CategoryOther,
		TransactionDate:     when,
		Source:              core.SourceCSVImport,
	}
	if v := strings.TrimSpace(safeGet(cols, 5)); v != "" {
		tx.Category = core.Category(v)
	}
	tx.Purpose = strings.TrimSpace(safeGet(cols, 6))
	tx.Reference = strings.TrimSpace(safeGet(cols, 7))
	if v := strings.TrimSpace(safeGet(cols, 8)); v != "" {
		if balanceCents, ok := parseShillingsToCents(v); ok {
			tx.BalanceAfter = &core.Money{Cents: balanceCents}
		}
	}
	return tx, true
}

func safeGet(arr []string, idx int) string {
	if idx < 0 || idx >= len(arr) {
		return ""
	}
	return arr[idx]
}

// parseShillingsToCents handles amounts as the Sheets API returns them:
// plain numbers, grouped digits, or with a decimal comma.
func parseShillingsToCents(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if strings.Contains(s, ",") && strings.Contains(s, ".") {
		// "1,234.56": commas are grouping separators.
		s = strings.ReplaceAll(s, ",", "")
	} else {
		s = strings.ReplaceAll(s, ",", ".")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int64((f * 100.0) + 0.5), true
}
