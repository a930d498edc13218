package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/jdtnmai/foxbot/internal/models"
)

// OutboxSendFunc delivers a single outbound message over a channel service.
type OutboxSendFunc func(ctx context.Context, msg models.OutboundMessage) error

const (
	outboxPollInterval  = time.Second
	outboxClaimLimit    = 16
	outboxBaseBackoff   = 10 * time.Second
	outboxMaxBackoff    = 10 * time.Minute
	outboxStaleLockAge  = 5 * time.Minute
	outboxStaleInterval = time.Minute
)

// OutboxSender polls the outbox and delivers queued messages. Failed sends
// are rescheduled with exponential backoff; the routing decision that
// enqueued them is never re-run.
type OutboxSender struct {
	repo OutboxRepo
	send OutboxSendFunc
}

// NewOutboxSender creates a sender that delivers claimed messages with send.
func NewOutboxSender(repo OutboxRepo, send OutboxSendFunc) *OutboxSender {
	return &OutboxSender{repo: repo, send: send}
}

// Run polls until ctx is canceled. It recovers messages left locked by a
// previous crash before entering the poll loop.
func (s *OutboxSender) Run(ctx context.Context) {
	if n, err := s.repo.RequeueStaleSendingMessages(time.Now().Add(-outboxStaleLockAge)); err != nil {
		slog.Error("OutboxSender.Run failed to requeue stale messages", "error", err)
	} else if n > 0 {
		slog.Info("OutboxSender.Run requeued stale messages", "count", n)
	}

	poll := time.NewTicker(outboxPollInterval)
	defer poll.Stop()
	stale := time.NewTicker(outboxStaleInterval)
	defer stale.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("OutboxSender.Run stopping", "reason", ctx.Err())
			return
		case <-stale.C:
			if _, err := s.repo.RequeueStaleSendingMessages(time.Now().Add(-outboxStaleLockAge)); err != nil {
				slog.Error("OutboxSender.Run failed to requeue stale messages", "error", err)
			}
		case <-poll.C:
			s.drain(ctx)
		}
	}
}

func (s *OutboxSender) drain(ctx context.Context) {
	for {
		msgs, err := s.repo.ClaimDueOutboxMessages(time.Now(), outboxClaimLimit)
		if err != nil {
			slog.Error("OutboxSender.drain failed to claim messages", "error", err)
			return
		}
		if len(msgs) == 0 {
			return
		}
		for _, m := range msgs {
			s.deliver(ctx, m)
		}
	}
}

func (s *OutboxSender) deliver(ctx context.Context, m OutboxMessage) {
	if err := s.send(ctx, m.Outbound()); err != nil {
		backoff := backoffFor(m.Attempts)
		slog.Error("OutboxSender.deliver send failed", "id", m.ID, "to", m.Recipient,
			"attempts", m.Attempts+1, "retry_in", backoff, "error", err)
		if ferr := s.repo.FailOutboxMessage(m.ID, err.Error(), time.Now().Add(backoff)); ferr != nil {
			slog.Error("OutboxSender.deliver failed to record failure", "id", m.ID, "error", ferr)
		}
		return
	}
	slog.Debug("OutboxSender.deliver message sent", "id", m.ID, "to", m.Recipient)
	if err := s.repo.MarkOutboxMessageSent(m.ID); err != nil {
		slog.Error("OutboxSender.deliver failed to mark sent", "id", m.ID, "error", err)
	}
}

// backoffFor returns the retry delay after the given number of prior
// attempts: 10s, 20s, 40s, ... capped at 10 minutes.
func backoffFor(attempts int) time.Duration {
	d := outboxBaseBackoff
	for i := 0; i < attempts && d < outboxMaxBackoff; i++ {
		d *= 2
	}
	if d > outboxMaxBackoff {
		d = outboxMaxBackoff
	}
	return d
}
