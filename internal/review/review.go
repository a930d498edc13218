// Package review provides the periodic conversation review sweep for FoxBot.
//
// The sweep is read-only: it scans live conversation snapshots for
// conversations idle past a threshold and nudges the party whose turn it is.
// It never mutates conversation state.
package review

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jdtnmai/foxbot/internal/convstore"
	"github.com/jdtnmai/foxbot/internal/models"
	"github.com/jdtnmai/foxbot/internal/store"
)

const (
	// DefaultSchedule runs the sweep every minute.
	DefaultSchedule = "* * * * *"
	// DefaultIdleThreshold is how long a conversation may sit without a
	// message before a nudge goes out.
	DefaultIdleThreshold = 30 * time.Minute
)

// Nudge texts per waiting party.
const (
	responderNudge = "Priminimas: laukiame jūsų atsakymo. Atsakymą užbaikite žinute \"xxx\"."
	askerNudge     = "Priminimas: laukiame jūsų sprendimo. Atsakykite taip arba ne."
)

// Opts holds configuration options for the reviewer.
type Opts struct {
	Schedule      string
	IdleThreshold time.Duration
	Now           func() time.Time
}

// Option defines a configuration option for the reviewer.
type Option func(*Opts)

// WithSchedule sets the cron expression driving the sweep.
func WithSchedule(expr string) Option {
	return func(o *Opts) { o.Schedule = expr }
}

// WithIdleThreshold sets how long a conversation may idle before a nudge.
func WithIdleThreshold(d time.Duration) Option {
	return func(o *Opts) { o.IdleThreshold = d }
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Reviewer periodically sweeps conversations and enqueues nudge messages
// through the outbox.
type Reviewer struct {
	convs     *convstore.Store
	store     store.Store
	outbox    store.OutboxRepo
	threshold time.Duration
	schedule  string
	now       func() time.Time
	cron      *cron.Cron

	// lastNudged suppresses repeat nudges until the conversation moves
	// again.
	lastNudged map[int64]time.Time
}

// New creates a reviewer over the given stores.
func New(convs *convstore.Store, st store.Store, outbox store.OutboxRepo, opts ...Option) *Reviewer {
	o := Opts{
		Schedule:      DefaultSchedule,
		IdleThreshold: DefaultIdleThreshold,
		Now:           time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Reviewer{
		convs:      convs,
		store:      st,
		outbox:     outbox,
		threshold:  o.IdleThreshold,
		schedule:   o.Schedule,
		now:        o.Now,
		lastNudged: make(map[int64]time.Time),
	}
}

// Start begins the cron-driven sweep.
func (r *Reviewer) Start() error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := c.AddFunc(r.schedule, func() {
		if err := r.Sweep(); err != nil {
			slog.Error("Reviewer sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule review sweep: %w", err)
	}
	c.Start()
	r.cron = c
	slog.Info("Reviewer started", "schedule", r.schedule, "idle_threshold", r.threshold)
	return nil
}

// Stop stops the cron scheduler and waits for a running sweep to finish.
func (r *Reviewer) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// Sweep runs one pass over the conversation snapshots. Idle conversations
// produce at most one nudge per idle period.
func (r *Reviewer) Sweep() error {
	now := r.now()
	for _, conv := range r.convs.Snapshot() {
		target, body := r.nudgeTarget(conv)
		if target == 0 {
			continue
		}
		idle := now.Sub(conv.LastMessageTime)
		if idle < r.threshold {
			continue
		}
		if last, ok := r.lastNudged[conv.ID]; ok && !last.Before(conv.LastMessageTime) {
			continue
		}

		user, err := r.store.GetUser(target)
		if err != nil {
			slog.Error("Reviewer failed to load nudge target",
				"conversation_id", conv.ID, "user_id", target, "error", err)
			continue
		}
		if _, err := r.outbox.EnqueueOutboxMessage(models.OutboundMessage{
			To:   user.ChannelID,
			Body: body,
			Tracking: models.TrackingData{
				ConversationID: conv.ID,
				SystemMessage:  true,
				Flow:           "nudge",
			},
		}); err != nil {
			return fmt.Errorf("failed to enqueue nudge: %w", err)
		}
		r.lastNudged[conv.ID] = now
		slog.Info("Reviewer nudge queued",
			"conversation_id", conv.ID, "user_id", target, "idle", idle)
	}
	return nil
}

// nudgeTarget names the user whose move the conversation is waiting on, or
// zero when the conversation needs no nudge.
func (r *Reviewer) nudgeTarget(conv models.Conversation) (int64, string) {
	switch conv.Status {
	case models.StatusQuestionSent, models.StatusWritingAnswer:
		return conv.ActiveResponderID, responderNudge
	case models.StatusWaitingApproval:
		return conv.AskerID, askerNudge
	default:
		return 0, ""
	}
}
