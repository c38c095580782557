// Package api provides the HTTP management surface for ConvoFlow:
// flow administration, contact state inspection, direct event
// injection, and health checking. Contact-facing traffic normally
// arrives through the messaging transports, not this API.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/convoflow/convoflow/internal/messaging"
	"github.com/convoflow/convoflow/internal/store"
)

// DefaultAddr is the default listen address.
const DefaultAddr = ":8080"

// Opts holds server configuration.
type Opts struct {
	Addr string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server hosts the management endpoints.
type Server struct {
	st         store.Store
	processor  messaging.Processor
	dispatcher *messaging.Dispatcher
	twilio     *messaging.TwilioService // nil unless running on Twilio
	httpServer *http.Server
}

// NewServer creates an API server. dispatcher may be nil when event
// injection should not deliver resulting actions; twilio may be nil
// when the Twilio webhook is not needed.
func NewServer(st store.Store, processor messaging.Processor, dispatcher *messaging.Dispatcher, twilio *messaging.TwilioService, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{st: st, processor: processor, dispatcher: dispatcher, twilio: twilio}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/v1/flows", s.flowsHandler)
	mux.HandleFunc("/v1/flows/", s.flowHandler)
	mux.HandleFunc("/v1/events", s.eventsHandler)
	mux.HandleFunc("/v1/contacts/", s.contactHandler)
	if s.twilio != nil {
		mux.HandleFunc("/webhooks/twilio", s.twilio.WebhookHandler)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
