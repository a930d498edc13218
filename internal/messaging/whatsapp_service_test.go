package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jdtnmai/foxbot/internal/models"
	"github.com/jdtnmai/foxbot/internal/whatsapp"
)

// failingSender implements whatsapp.Sender and always fails.
type failingSender struct{ err error }

func (f *failingSender) SendMessage(ctx context.Context, to string, body string) error {
	return f.err
}

func TestWhatsAppSendMessageEmitsSentReceipt(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)

	if err := svc.SendMessage(context.Background(), "37060000001", "labas"); err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
	if len(mock.Sent) != 1 || mock.Sent[0].To != "37060000001" || mock.Sent[0].Body != "labas" {
		t.Errorf("sent messages = %+v", mock.Sent)
	}

	select {
	case receipt := <-svc.Receipts():
		if receipt.To != "37060000001" || receipt.Status != models.MessageStatusSent {
			t.Errorf("receipt = %+v, want sent receipt for 37060000001", receipt)
		}
	case <-time.After(time.Second):
		t.Fatal("SendMessage did not emit a sent receipt")
	}
}

func TestWhatsAppSendMessageErrorEmitsNoReceipt(t *testing.T) {
	sendErr := errors.New("connection lost")
	svc := NewWhatsAppService(&failingSender{err: sendErr})

	if err := svc.SendMessage(context.Background(), "37060000001", "labas"); !errors.Is(err, sendErr) {
		t.Fatalf("SendMessage error = %v, want %v", err, sendErr)
	}
	select {
	case receipt := <-svc.Receipts():
		t.Errorf("failed send emitted receipt %+v", receipt)
	default:
	}
}

func TestWhatsAppValidateAndCanonicalizeRecipient(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())

	tests := []struct {
		name      string
		recipient string
		want      string
		wantErr   bool
	}{
		{name: "plain digits", recipient: "37060000001", want: "37060000001"},
		{name: "formatted number", recipient: "+370 600 00001", want: "37060000001"},
		{name: "empty", recipient: "", wantErr: true},
		{name: "no digits", recipient: "labas", wantErr: true},
		{name: "too short", recipient: "12345", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.ValidateAndCanonicalizeRecipient(tt.recipient)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ValidateAndCanonicalizeRecipient(%q) = %q, want error", tt.recipient, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateAndCanonicalizeRecipient(%q) error: %v", tt.recipient, err)
			}
			if got != tt.want {
				t.Errorf("ValidateAndCanonicalizeRecipient(%q) = %q, want %q", tt.recipient, got, tt.want)
			}
		})
	}
}

func TestWhatsAppServiceLifecycleWithMockSender(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if _, ok := <-svc.Responses(); ok {
		t.Error("Responses channel still open after Stop")
	}
	if _, ok := <-svc.Receipts(); ok {
		t.Error("Receipts channel still open after Stop")
	}
}
