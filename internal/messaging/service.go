// Package messaging provides the pluggable chat-channel abstraction: the
// Service interface, the tracking registry that round-trips conversation
// correlation data over channels that cannot carry it, and the dispatcher
// that connects a Service to the flow engine and the outbox.
package messaging

import (
	"context"
	"regexp"

	"github.com/jdtnmai/foxbot/internal/models"
)

// phoneNumberRegex strips everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction.
// It supports sending messages, and provides channels for receipt and
// response events.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// recipient identifier. Each service implements its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Responses returns a channel of incoming messages.
	Responses() <-chan models.InboundMessage
}
