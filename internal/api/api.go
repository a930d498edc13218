// Package api provides the HTTP surface of FoxBot: JSON report endpoints
// over the question/answer store and conversation snapshots, the health
// probe, and the inbound Twilio webhook.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jdtnmai/foxbot/internal/convstore"
	"github.com/jdtnmai/foxbot/internal/store"
)

// DefaultAddr is the default API listen address.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// TwilioWebhook is the inbound webhook surface a channel service may
// expose. Implemented by messaging.TwilioService.
type TwilioWebhook interface {
	WebhookHandler(w http.ResponseWriter, r *http.Request)
}

// Server hosts the FoxBot HTTP endpoints.
type Server struct {
	store   store.Store
	convs   *convstore.Store
	webhook TwilioWebhook // nil when the channel has no webhook
	httpSrv *http.Server
	addr    string
}

// NewServer creates an API server over the given stores. webhook may be nil
// when the active channel service delivers inbound messages itself.
func NewServer(st store.Store, convs *convstore.Store, webhook TwilioWebhook, opts ...Option) *Server {
	o := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{store: st, convs: convs, webhook: webhook, addr: o.Addr}
}

// Handler returns the API route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/users", s.usersHandler)
	mux.HandleFunc("/questions", s.questionsHandler)
	mux.HandleFunc("/answers", s.answersHandler)
	mux.HandleFunc("/qa", s.qaHandler)
	mux.HandleFunc("/conversations", s.conversationsHandler)
	if s.webhook != nil {
		mux.HandleFunc("/webhook/twilio", s.webhook.WebhookHandler)
	}
	return mux
}

// Run serves the API until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", s.addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down API server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("API server failed: %w", err)
	}
}
