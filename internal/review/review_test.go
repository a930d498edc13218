package review

import (
	"testing"
	"time"

	"github.com/jdtnmai/foxbot/internal/convstore"
	"github.com/jdtnmai/foxbot/internal/models"
	"github.com/jdtnmai/foxbot/internal/store"
)

func drainOutbox(t *testing.T, repo store.OutboxRepo) []models.OutboundMessage {
	t.Helper()
	msgs, err := repo.ClaimDueOutboxMessages(time.Now().Add(time.Minute), 100)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages error: %v", err)
	}
	var out []models.OutboundMessage
	for _, m := range msgs {
		out = append(out, m.Outbound())
		if err := repo.MarkOutboxMessageSent(m.ID); err != nil {
			t.Fatalf("MarkOutboxMessageSent error: %v", err)
		}
	}
	return out
}

func TestSweepNudgesIdleResponder(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	clock := base
	now := func() time.Time { return clock }

	st := store.NewInMemoryStore()
	convs := convstore.New(convstore.WithNowFunc(now))
	u1, err := st.CreateUser("U1", "chan-u1", true)
	if err != nil {
		t.Fatalf("CreateUser error: %v", err)
	}
	u2, err := st.CreateUser("U2", "chan-u2", true)
	if err != nil {
		t.Fatalf("CreateUser error: %v", err)
	}

	conv := convs.Create(u1.ID, 1)
	if _, err := convs.Apply(conv.ID, convstore.Mutation{
		Status:            convstore.Status(models.StatusQuestionSent),
		ActiveResponderID: convstore.Int64(u2.ID),
	}); err != nil {
		t.Fatalf("Apply error: %v", err)
	}

	r := New(convs, st, st, WithIdleThreshold(30*time.Minute), WithNowFunc(now))

	// Fresh conversation: no nudge.
	if err := r.Sweep(); err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if out := drainOutbox(t, st); len(out) != 0 {
		t.Fatalf("fresh conversation produced %d nudges, want 0", len(out))
	}

	// Past the threshold: one nudge to the responder.
	clock = base.Add(time.Hour)
	if err := r.Sweep(); err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	out := drainOutbox(t, st)
	if len(out) != 1 {
		t.Fatalf("idle conversation produced %d nudges, want 1", len(out))
	}
	if out[0].To != u2.ChannelID {
		t.Errorf("nudge sent to %s, want responder %s", out[0].To, u2.ChannelID)
	}
	if !out[0].Tracking.SystemMessage || out[0].Tracking.ConversationID != conv.ID {
		t.Errorf("nudge tracking = %+v", out[0].Tracking)
	}

	// Still idle: the nudge is not repeated.
	clock = base.Add(2 * time.Hour)
	if err := r.Sweep(); err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if out := drainOutbox(t, st); len(out) != 0 {
		t.Fatalf("repeat sweep produced %d nudges, want 0", len(out))
	}
}

func TestSweepNudgesAskerOnApproval(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	clock := base
	now := func() time.Time { return clock }

	st := store.NewInMemoryStore()
	convs := convstore.New(convstore.WithNowFunc(now))
	u1, _ := st.CreateUser("U1", "chan-u1", true)
	u2, _ := st.CreateUser("U2", "chan-u2", true)

	conv := convs.Create(u1.ID, 1)
	if _, err := convs.Apply(conv.ID, convstore.Mutation{
		Status:            convstore.Status(models.StatusWaitingApproval),
		ActiveResponderID: convstore.Int64(u2.ID),
		AnswerID:          convstore.Int64(1),
	}); err != nil {
		t.Fatalf("Apply error: %v", err)
	}

	r := New(convs, st, st, WithIdleThreshold(30*time.Minute), WithNowFunc(now))
	clock = base.Add(time.Hour)
	if err := r.Sweep(); err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	out := drainOutbox(t, st)
	if len(out) != 1 || out[0].To != u1.ChannelID {
		t.Fatalf("nudge = %+v, want one message to asker", out)
	}
}

func TestSweepIgnoresTerminalConversations(t *testing.T) {
	st := store.NewInMemoryStore()
	convs := convstore.New()
	u1, _ := st.CreateUser("U1", "chan-u1", true)

	conv := convs.Create(u1.ID, 1)
	if _, err := convs.Apply(conv.ID, convstore.Mutation{
		Status: convstore.Status(models.StatusPending),
	}); err != nil {
		t.Fatalf("Apply error: %v", err)
	}

	past := func() time.Time { return time.Now().Add(24 * time.Hour) }
	r := New(convs, st, st, WithIdleThreshold(time.Minute), WithNowFunc(past))
	if err := r.Sweep(); err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if out := drainOutbox(t, st); len(out) != 0 {
		t.Errorf("pending conversation produced %d nudges, want 0", len(out))
	}
}
