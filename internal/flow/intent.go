// Package flow implements the conversation routing engine: it parses inbound
// messages into intents, drives the per-conversation state machine and emits
// outbound messages through the durable outbox.
package flow

import (
	"strings"

	"github.com/jdtnmai/foxbot/internal/models"
)

// IntentKind classifies an inbound message.
type IntentKind string

const (
	IntentAsk      IntentKind = "ask"
	IntentList     IntentKind = "list"
	IntentHelp     IntentKind = "help"
	IntentAccept   IntentKind = "accept"
	IntentReject   IntentKind = "reject"
	IntentFinalize IntentKind = "finalize"
	IntentText     IntentKind = "text"
)

// Intent is the parsed form of an inbound message body.
type Intent struct {
	Kind IntentKind
	// Text holds the question text for IntentAsk (keyword stripped and
	// trimmed) and the raw body for IntentText.
	Text string
}

// ParseIntent classifies a message body. Keyword matching is
// case-insensitive and ignores surrounding whitespace; accept, reject and
// finalize must match their keyword exactly, while ask, list and help match
// as prefixes.
func ParseIntent(body string) Intent {
	trimmed := strings.TrimSpace(body)
	lower := strings.ToLower(trimmed)

	switch lower {
	case models.KeywordAccept:
		return Intent{Kind: IntentAccept}
	case models.KeywordReject:
		return Intent{Kind: IntentReject}
	case models.KeywordFinalize:
		return Intent{Kind: IntentFinalize}
	}

	if strings.HasPrefix(lower, models.KeywordList) {
		return Intent{Kind: IntentList}
	}
	if strings.HasPrefix(lower, models.KeywordAsk) {
		text := strings.TrimSpace(trimmed[len(models.KeywordAsk):])
		text = strings.TrimSpace(strings.TrimPrefix(text, ":"))
		return Intent{Kind: IntentAsk, Text: text}
	}
	if strings.HasPrefix(lower, models.KeywordHelp) {
		return Intent{Kind: IntentHelp}
	}
	return Intent{Kind: IntentText, Text: trimmed}
}
