package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jdtnmai/foxbot/internal/models"
	"github.com/jdtnmai/foxbot/internal/store"
)

// InboundHandler consumes inbound messages. Implemented by flow.Engine.
type InboundHandler interface {
	HandleInbound(msg models.InboundMessage) error
}

// Dispatcher connects a channel Service to the flow engine. Inbound messages
// are annotated with tracking data from the registry and handed to the
// engine one at a time, so decisions for a conversation never interleave.
// Outbound delivery goes through SendFunc, which the outbox sender drives.
type Dispatcher struct {
	service  Service
	handler  InboundHandler
	tracking *TrackingRegistry
}

// NewDispatcher creates a dispatcher for the given service and handler.
func NewDispatcher(service Service, handler InboundHandler, tracking *TrackingRegistry) *Dispatcher {
	return &Dispatcher{service: service, handler: handler, tracking: tracking}
}

// Run drains the service's response and receipt channels until ctx is
// canceled or the service closes them.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Debug("Dispatcher.Run starting")
	responses := d.service.Responses()
	receipts := d.service.Receipts()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Dispatcher.Run stopping", "reason", ctx.Err())
			return
		case msg, ok := <-responses:
			if !ok {
				slog.Info("Dispatcher.Run responses channel closed")
				return
			}
			d.handleInbound(msg)
		case receipt, ok := <-receipts:
			if !ok {
				receipts = nil
				continue
			}
			slog.Debug("Dispatcher.Run receipt", "to", receipt.To, "status", receipt.Status)
		}
	}
}

func (d *Dispatcher) handleInbound(msg models.InboundMessage) {
	// Channels that cannot carry a payload deliver zero tracking; the
	// registry supplies the sender's last-known conversation context.
	if msg.Tracking.ConversationID == 0 {
		msg.Tracking = d.tracking.Lookup(msg.From)
	}
	slog.Info("Dispatcher inbound message", "from", msg.From,
		"conversation_id", msg.Tracking.ConversationID, "body_length", len(msg.Body))
	if err := d.handler.HandleInbound(msg); err != nil {
		slog.Error("Dispatcher inbound handling failed", "from", msg.From, "error", err)
	}
}

// SendFunc returns the delivery function the outbox sender retries with: it
// validates the recipient, sends over the channel service and records the
// message's tracking data in the registry.
func (d *Dispatcher) SendFunc() store.OutboxSendFunc {
	return func(ctx context.Context, msg models.OutboundMessage) error {
		to, err := d.service.ValidateAndCanonicalizeRecipient(msg.To)
		if err != nil {
			return fmt.Errorf("invalid recipient %q: %w", msg.To, err)
		}
		if err := d.service.SendMessage(ctx, to, msg.Body); err != nil {
			return err
		}
		d.tracking.Record(msg.To, msg.Tracking)
		return nil
	}
}
