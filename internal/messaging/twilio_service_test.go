package messaging

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/jdtnmai/foxbot/internal/twiliowhatsapp"
)

func TestTwilioWebhookEmitsInboundMessage(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())

	form := url.Values{}
	form.Set("From", "whatsapp:+37060000001")
	form.Set("Body", "klausimas: kas yra PVM?")
	req := httptest.NewRequest("POST", "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	svc.WebhookHandler(rec, req)

	if rec.Code != 200 {
		t.Fatalf("webhook status = %d, want 200", rec.Code)
	}
	select {
	case msg := <-svc.Responses():
		if msg.From != "whatsapp:+37060000001" || msg.Body != "klausimas: kas yra PVM?" {
			t.Errorf("inbound message = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("webhook did not emit an inbound message")
	}
}

func TestTwilioWebhookRejectsMissingFields(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())

	req := httptest.NewRequest("POST", "/webhook/twilio", strings.NewReader("From=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	svc.WebhookHandler(rec, req)

	if rec.Code != 400 {
		t.Errorf("webhook status = %d, want 400", rec.Code)
	}
}

func TestTwilioSendMessageCanonicalizesRecipient(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)

	if err := svc.SendMessage(context.Background(), "+370 600 00001", "labas"); err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].To != "37060000001" {
		t.Errorf("sent messages = %+v, want canonical digits recipient", mock.SentMessages)
	}
}

func TestTwilioSendMessageAfterStop(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if err := svc.SendMessage(context.Background(), "37060000001", "labas"); err == nil {
		t.Error("SendMessage after Stop returned nil error")
	}
}
