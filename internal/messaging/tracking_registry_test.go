package messaging

import (
	"testing"

	"github.com/jdtnmai/foxbot/internal/models"
)

func TestTrackingRegistryRoundTrip(t *testing.T) {
	r := NewTrackingRegistry()

	if got := r.Lookup("37060000001"); got.ConversationID != 0 {
		t.Errorf("Lookup on empty registry = %+v, want zero", got)
	}

	r.Record("37060000001", models.TrackingData{ConversationID: 5, Flow: "question"})
	got := r.Lookup("37060000001")
	if got.ConversationID != 5 || got.Flow != "question" {
		t.Errorf("Lookup = %+v, want conversation 5 flow question", got)
	}

	r.Clear("37060000001")
	if got := r.Lookup("37060000001"); got.ConversationID != 0 {
		t.Errorf("Lookup after Clear = %+v, want zero", got)
	}
}

func TestTrackingRegistrySystemMessagesDoNotOverwrite(t *testing.T) {
	r := NewTrackingRegistry()
	r.Record("37060000001", models.TrackingData{ConversationID: 5, Flow: "question"})

	// Help text and listings must not clobber the open conversation.
	r.Record("37060000001", models.TrackingData{SystemMessage: true, Flow: "help"})

	if got := r.Lookup("37060000001"); got.ConversationID != 5 {
		t.Errorf("system message overwrote tracking: %+v", got)
	}
}
