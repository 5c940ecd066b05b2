// Package app hosts the realtime chat service: the HTTP and websocket
// surface, the connection registry, and the relay that fans persisted
// activity out to every open conversation socket.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/voyagedesk/voyagedesk/internal/platform/timeouts"
	"github.com/voyagedesk/voyagedesk/internal/services/chat/notify"
	"github.com/voyagedesk/voyagedesk/internal/services/chat/storage/sqlite"
	"github.com/voyagedesk/voyagedesk/internal/services/chat/token"
)

// Config defines the inputs for the chat service process.
type Config struct {
	HTTPAddr           string
	AuthBaseURL        string
	AuthResourceSecret string
	CoreBaseURL        string
	StoragePath        string
	AMQPURL            string
	AMQPExchange       string
	TokenConfig        token.Config
	TypingTTL          time.Duration
	ReadHeaderTimeout  time.Duration
	ShutdownTimeout    time.Duration
}

// Server hosts the chat HTTP/websocket process and owns its storage and
// broker connections.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           *sqlite.Store
	sink            notify.Sink
}

// NewServer builds a configured chat server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(config.StoragePath) == "" {
		return nil, errors.New("storage path is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	store, err := sqlite.Open(config.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open chat storage: %w", err)
	}

	var sink notify.Sink = notify.NoopSink{}
	if strings.TrimSpace(config.AMQPURL) != "" {
		amqpSink, err := notify.NewAMQPSink(config.AMQPURL, config.AMQPExchange)
		if err != nil {
			// The chat surface stays up without a broker; offline
			// recipients just miss their notification.
			log.Printf("[CHAT] amqp sink unavailable, offline notifications disabled: %v", err)
		} else {
			sink = amqpSink
		}
	}

	handler := NewHandler(HandlerOptions{
		Store:         store,
		Authorizer:    NewAdvisorAuthorizer(config.AuthBaseURL, config.AuthResourceSecret),
		ShareResolver: NewShareTokenResolver(config.CoreBaseURL, config.AuthResourceSecret),
		Sink:          sink,
		TokenConfig:   config.TokenConfig,
		TypingTTL:     config.TypingTTL,
	})
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		store:           store,
		sink:            sink,
	}, nil
}

// Run creates and serves a chat server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init chat server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve chat: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("chat server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("chat server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			log.Printf("close notification sink: %v", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close chat storage: %v", err)
		}
	}
}
