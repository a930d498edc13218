package messaging

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jdtnmai/foxbot/internal/models"
)

// mockService is a channel Service backed by slices and channels, no
// network.
type mockService struct {
	sent      []models.OutboundMessage
	sendErr   error
	responses chan models.InboundMessage
	receipts  chan models.Receipt
}

func newMockService() *mockService {
	return &mockService{
		responses: make(chan models.InboundMessage, 10),
		receipts:  make(chan models.Receipt, 10),
	}
}

func (m *mockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	return recipient, nil
}

func (m *mockService) SendMessage(ctx context.Context, to, body string) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, models.OutboundMessage{To: to, Body: body})
	return nil
}

func (m *mockService) Start(ctx context.Context) error { return nil }

func (m *mockService) Stop() error { return nil }

func (m *mockService) Receipts() <-chan models.Receipt { return m.receipts }

func (m *mockService) Responses() <-chan models.InboundMessage { return m.responses }

type recordingHandler struct {
	got chan models.InboundMessage
}

func (h *recordingHandler) HandleInbound(msg models.InboundMessage) error {
	h.got <- msg
	return nil
}

func TestDispatcherAttachesTrackingToInbound(t *testing.T) {
	svc := newMockService()
	handler := &recordingHandler{got: make(chan models.InboundMessage, 1)}
	registry := NewTrackingRegistry()
	registry.Record("37060000002", models.TrackingData{ConversationID: 9, Flow: "question"})

	d := NewDispatcher(svc, handler, registry)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	svc.responses <- models.InboundMessage{From: "37060000002", Body: "40 proc."}

	select {
	case msg := <-handler.got:
		if msg.Tracking.ConversationID != 9 {
			t.Errorf("inbound tracking = %+v, want conversation 9", msg.Tracking)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received the inbound message")
	}
}

func TestDispatcherSendFuncRecordsTracking(t *testing.T) {
	svc := newMockService()
	registry := NewTrackingRegistry()
	d := NewDispatcher(svc, &recordingHandler{got: make(chan models.InboundMessage, 1)}, registry)

	send := d.SendFunc()
	err := send(context.Background(), models.OutboundMessage{
		To:       "37060000002",
		Body:     models.QuestionPrefix + "kas yra PVM?",
		Tracking: models.TrackingData{ConversationID: 9, Flow: "question"},
	})
	if err != nil {
		t.Fatalf("SendFunc error: %v", err)
	}
	if len(svc.sent) != 1 {
		t.Fatalf("service sent %d messages, want 1", len(svc.sent))
	}
	if got := registry.Lookup("37060000002"); got.ConversationID != 9 {
		t.Errorf("registry tracking = %+v, want conversation 9", got)
	}
}

func TestDispatcherSendFuncPropagatesFailure(t *testing.T) {
	svc := newMockService()
	svc.sendErr = fmt.Errorf("channel down")
	registry := NewTrackingRegistry()
	d := NewDispatcher(svc, &recordingHandler{got: make(chan models.InboundMessage, 1)}, registry)

	err := d.SendFunc()(context.Background(), models.OutboundMessage{To: "37060000002", Body: "labas"})
	if err == nil {
		t.Fatal("SendFunc swallowed the send failure")
	}
	if got := registry.Lookup("37060000002"); got.ConversationID != 0 || got.Flow != "" {
		t.Errorf("failed send recorded tracking: %+v", got)
	}
}
