// Package sms turns raw carrier text messages into canonical transactions.
//
// The pipeline is classifier -> parser -> normalizer. Classification is a
// cheap pre-filter; parsing applies an ordered template grammar; only
// normalization can fail loudly, and only for user-submitted input.
package sms

import (
	"strings"

	"pesatrack/internal/core"
)

// DefaultSenders are the financial-service sender identifiers known out of
// the box. Matching is case-insensitive substring.
var DefaultSenders = []string{"MPESA", "EQUITY", "KCB", "CO-OP"}

// confirmationMarker is the generic token mobile-money confirmations carry
// regardless of sender.
const confirmationMarker = "confirmed"

// Classifier decides whether a raw message is financially relevant.
// False negatives drop the message silently; false positives cost one
// failed parse attempt.
type Classifier struct {
	senders []string
}

// NewClassifier builds a classifier for the given sender allow-list.
// An empty list falls back to DefaultSenders.
func NewClassifier(allowList []string) *Classifier {
	if len(allowList) == 0 {
		allowList = DefaultSenders
	}
	senders := make([]string, len(allowList))
	for i, s := range allowList {
		senders[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return &Classifier{senders: senders}
}

// IsFinancial reports whether the message should be handed to the parser.
func (c *Classifier) IsFinancial(msg core.RawMessage) bool {
	sender := strings.ToUpper(msg.Sender)
	for _, known := range c.senders {
		if known != "" && strings.Contains(sender, known) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(msg.Body), confirmationMarker)
}
