package messaging

import (
	"log/slog"
	"sync"

	"github.com/jdtnmai/foxbot/internal/models"
)

// TrackingRegistry remembers the last tracking data sent to each recipient.
// WhatsApp cannot carry an opaque payload on a message, so the registry
// substitutes for the round-trip: when a recipient replies, their reply is
// attributed to the tracking data of the last message we sent them.
type TrackingRegistry struct {
	mu      sync.RWMutex
	byRecip map[string]models.TrackingData
}

// NewTrackingRegistry creates an empty registry.
func NewTrackingRegistry() *TrackingRegistry {
	return &TrackingRegistry{byRecip: make(map[string]models.TrackingData)}
}

// Record stores the tracking data of an outbound message. System messages
// (help text, notices, listings) do not overwrite conversation tracking: a
// reply after a help message still belongs to the open conversation.
func (r *TrackingRegistry) Record(recipient string, t models.TrackingData) {
	if t.SystemMessage && t.ConversationID == 0 {
		slog.Debug("TrackingRegistry skipping system message", "recipient", recipient, "flow", t.Flow)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byRecip[recipient] = t
	slog.Debug("TrackingRegistry recorded", "recipient", recipient,
		"conversation_id", t.ConversationID, "flow", t.Flow)
}

// Lookup returns the tracking data last sent to the recipient, or the zero
// value when none is known.
func (r *TrackingRegistry) Lookup(recipient string) models.TrackingData {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byRecip[recipient]
}

// Clear drops the recipient's tracking data, typically after their
// conversation finished.
func (r *TrackingRegistry) Clear(recipient string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byRecip, recipient)
}
