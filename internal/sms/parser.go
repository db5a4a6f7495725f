package sms

import "regexp"

// balancePattern extracts the running balance some confirmations append.
// It applies to any template since the trailer wording is shared.
var balancePattern = regexp.MustCompile(`(?i)balance (?:is|was) ((?:KES|KSH)?\.?\s?[\d,]+(?:\.\d{1,2})?)`)

// Parser applies an ordered template grammar to message bodies. Templates
// are tried in registration order and the first match wins; there is no
// backtracking across templates.
type Parser struct {
	templates []Template
}

// NewParser returns a parser loaded with the built-in grammar.
func NewParser() *Parser {
	return &Parser{templates: DefaultTemplates()}
}

// NewParserWithTemplates returns a parser over an explicit grammar.
func NewParserWithTemplates(templates []Template) *Parser {
	return &Parser{templates: templates}
}

// Register appends a template to the grammar. Later registrations rank
// below the built-ins; provider-specific shapes should be registered with
// NewParserWithTemplates when ordering matters.
func (p *Parser) Register(t Template) {
	p.templates = append(p.templates, t)
}

// Parse runs the grammar over a message body. A nil result means no
// template matched; the message is excluded from the transaction stream,
// which is not an error. Pure and deterministic given the same body.
func (p *Parser) Parse(body string) *ParsedTransaction {
	for _, t := range p.templates {
		if parsed := t.Match(body); parsed != nil {
			if m := balancePattern.FindStringSubmatch(body); m != nil {
				parsed.Balance = m[1]
			}
			return parsed
		}
	}
	return nil
}
