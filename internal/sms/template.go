package sms

import (
	"fmt"
	"regexp"
	"strings"

	"pesatrack/internal/core"
)

// TransferDirection is the source-specific direction wording encoded by
// which template matched. The normalizer maps it onto debit/credit.
type TransferDirection string

const (
	DirectionSent     TransferDirection = "sent"
	DirectionReceived TransferDirection = "received"
	DirectionUnknown  TransferDirection = "unknown"
)

// ParsedTransaction is the pre-normalization output of a template match.
// Date, Time and Amount keep the source wording; the normalizer resolves
// them into an instant and cents.
type ParsedTransaction struct {
	Template     string
	Date         string
	Time         string
	Amount       string
	Direction    TransferDirection
	Counterparty string
	Reference    string
	Balance      string
}

// Template is one entry of the message grammar: a pattern over the body
// with named capture groups (date, time, amount, party, ref) and an
// implicit transfer direction. Matching is pure and deterministic.
type Template struct {
	Name      string
	Direction TransferDirection

	// FixedParty overrides the captured counterparty for messages that
	// name no explicit party (airtime, data bundles).
	FixedParty string

	re *regexp.Regexp
}

// NewTemplate compiles a template. The pattern may use the named groups
// date, time, amount, party and ref; amount is mandatory.
func NewTemplate(name string, direction TransferDirection, pattern string) (Template, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Template{}, fmt.Errorf("compile template %s: %w", name, err)
	}
	hasAmount := false
	for _, g := range re.SubexpNames() {
		if g == "amount" {
			hasAmount = true
		}
	}
	if !hasAmount {
		return Template{}, fmt.Errorf("template %s: missing amount group", name)
	}
	return Template{Name: name, Direction: direction, re: re}, nil
}

// MustTemplate is NewTemplate for the built-in grammar.
func MustTemplate(name string, direction TransferDirection, pattern string) Template {
	t, err := NewTemplate(name, direction, pattern)
	if err != nil {
		panic(err)
	}
	return t
}

// Match applies the template to a message body. It returns nil when the
// pattern does not match or the captured amount is not numeric; a nil
// result means "try the next template", never an error.
func (t Template) Match(body string) *ParsedTransaction {
	m := t.re.FindStringSubmatch(body)
	if m == nil {
		return nil
	}

	groups := make(map[string]string)
	for i, name := range t.re.SubexpNames() {
		if name != "" && i < len(m) {
			groups[name] = m[i]
		}
	}

	amount := strings.TrimSpace(groups["amount"])
	if _, err := core.ParseAmountToCents(amount); err != nil {
		// Non-numeric capture fails this template only.
		return nil
	}

	party := cleanParty(groups["party"])
	if t.FixedParty != "" {
		party = t.FixedParty
	}

	return &ParsedTransaction{
		Template:     t.Name,
		Date:         strings.TrimSpace(groups["date"]),
		Time:         strings.TrimSpace(groups["time"]),
		Amount:       amount,
		Direction:    t.Direction,
		Counterparty: party,
		Reference:    strings.TrimSpace(groups["ref"]),
	}
}

func cleanParty(party string) string {
	party = strings.TrimSpace(party)
	party = strings.TrimSuffix(party, ".")
	return strings.TrimSpace(party)
}

// amt is the shared amount sub-pattern: optional currency token, digits
// with grouping commas, optional cents.
const amt = `(?P<amount>(?:KES|KSH|Ksh|kes|ksh)?\.?\s?[\d,]+(?:\.\d{1,2})?)`

const (
	ref  = `(?P<ref>[A-Z0-9]{6,12})`
	date = `(?P<date>\d{1,2}/\d{1,2}/\d{2,4})`
	tm   = `(?P<time>\d{1,2}:\d{2}\s?(?:AM|PM|am|pm)?)`
)

// DefaultTemplates returns the built-in grammar, ordered. The first match
// wins, so specific shapes (paybill with account) come before generic ones
// (buy-goods). New providers are added here or via Parser.Register without
// touching aggregation or detection code.
func DefaultTemplates() []Template {
	return []Template{
		MustTemplate("mpesa_sent", DirectionSent,
			`^`+ref+` Confirmed\. `+amt+` sent to (?P<party>.+?) on `+date+` at `+tm),
		MustTemplate("mpesa_sent_compact", DirectionSent,
			`(?i)Confirmed\.?\s+(?P<ref>[A-Z0-9]+) on `+date+` at `+tm+` `+amt+` sent to (?P<party>[^.]+)`),
		MustTemplate("mpesa_received", DirectionReceived,
			`^`+ref+` Confirmed\. ?You have received `+amt+` from (?P<party>.+?) on `+date+` at `+tm),
		MustTemplate("mpesa_received_compact", DirectionReceived,
			`(?i)Confirmed\.?\s+(?P<ref>[A-Z0-9]+) on `+date+` at `+tm+` Received `+amt+` from (?P<party>[^.]+)`),
		MustTemplate("mpesa_paybill", DirectionSent,
			`^`+ref+` Confirmed\. `+amt+` paid to (?P<party>.+?) for account (?P<account>\S+) on `+date+` at `+tm),
		MustTemplate("mpesa_buygoods", DirectionSent,
			`^`+ref+` Confirmed\. `+amt+` paid to (?P<party>.+?)\.? on `+date+` at `+tm),
		MustTemplate("mpesa_withdraw", DirectionSent,
			`^`+ref+` Confirmed\. ?on `+date+` at `+tm+` ?Withdraw `+amt+` from (?P<party>.+?)(?:\s+New M-PESA|\.|$)`),
		MustTemplate("mpesa_airtime", DirectionSent,
			`^`+ref+` Confirmed\. ?You bought `+amt+` of airtime on `+date+` at `+tm).withFixedParty("SAFARICOM"),
		MustTemplate("bank_credit", DirectionReceived,
			`(?i)account [A-Z0-9*]+ (?:has been )?credited with `+amt+` from (?P<party>[^.]+?) on `+date+`(?: at `+tm+`)?`),
	}
}

func (t Template) withFixedParty(party string) Template {
	t.FixedParty = party
	return t
}
