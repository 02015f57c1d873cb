// Package api provides the HTTP surface of the Medi-Mind reminder
// engine.
//
// It exposes the medication and user lifecycle hooks, the inbound SMS
// webhook, and status endpoints. Job registration happens synchronously
// inside the lifecycle handlers: when a response returns, the registry
// already reflects the change.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/medimind/medimind/internal/config"
	"github.com/medimind/medimind/internal/lockfile"
	"github.com/medimind/medimind/internal/messaging"
	"github.com/medimind/medimind/internal/occurrence"
	"github.com/medimind/medimind/internal/scheduler"
	"github.com/medimind/medimind/internal/store"
	"github.com/medimind/medimind/internal/twiliosms"
)

// DefaultShutdownTimeout bounds how long Run waits for in-flight
// requests on shutdown.
const DefaultShutdownTimeout = 10 * time.Second

// Server holds the wired engine components behind the HTTP handlers.
type Server struct {
	store   store.Store
	sched   *scheduler.Scheduler
	replies *messaging.ReplyProcessor
	gateway messaging.Gateway
	addr    string
}

// Opts holds configuration options for the server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// NewServer creates a server around already-wired components.
func NewServer(st store.Store, sched *scheduler.Scheduler, replies *messaging.ReplyProcessor, gateway messaging.Gateway, opts ...Option) *Server {
	cfg := Opts{Addr: ":8080"}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{store: st, sched: sched, replies: replies, gateway: gateway, addr: cfg.Addr}
}

// Router builds the chi route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/medications", func(r chi.Router) {
		r.Post("/", s.createMedicationHandler)
		r.Put("/{id}", s.updateMedicationHandler)
		r.Delete("/{id}", s.deleteMedicationHandler)
	})
	r.Route("/users", func(r chi.Router) {
		r.Post("/", s.createUserHandler)
		r.Delete("/{id}", s.deleteUserHandler)
	})
	r.Route("/sms", func(r chi.Router) {
		r.Post("/inbound", s.inboundSMSHandler)
		r.Post("/test", s.testReminderHandler)
	})
	r.Post("/phone/validate", s.validatePhoneHandler)
	r.Get("/status", s.statusHandler)
	r.Get("/jobs", s.jobsHandler)
	r.Get("/health", s.healthHandler)
	return r
}

// Run wires the whole engine from configuration and serves until SIGINT
// or SIGTERM.
func Run(cfg config.Config) error {
	zone, err := cfg.Zone()
	if err != nil {
		return fmt.Errorf("failed to load timezone: %w", err)
	}

	// One engine per database file: a second instance would install
	// duplicate timers and double-send every reminder.
	if store.DetectDSNType(cfg.DBDSN) == "sqlite" {
		lock, err := lockfile.AcquireLock(filepath.Dir(cfg.DBDSN))
		if err != nil {
			return fmt.Errorf("failed to lock state directory: %w", err)
		}
		defer lock.Release()
	}

	st, err := store.NewStore(cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	var sender twiliosms.Sender
	if cfg.TwilioConfigured() {
		client, err := twiliosms.NewClient(
			twiliosms.WithAccountSID(cfg.TwilioAccountSID),
			twiliosms.WithAuthToken(cfg.TwilioAuthToken),
			twiliosms.WithFromNumber(cfg.TwilioPhoneNumber),
			twiliosms.WithMessagingServiceSID(cfg.TwilioMessagingServiceSID),
		)
		if err != nil {
			return fmt.Errorf("failed to create Twilio client: %w", err)
		}
		sender = client
	}
	gateway := messaging.NewSMSGateway(sender, cfg.TwilioPhoneNumber)

	materializer := occurrence.NewMaterializer(st,
		occurrence.WithZone(zone),
		occurrence.WithHorizonDays(cfg.HorizonDays),
	)
	sched := scheduler.NewScheduler(st, gateway, materializer,
		scheduler.WithZone(zone),
		scheduler.WithCheckInTime(cfg.CheckInTime),
	)
	defer sched.Shutdown()

	if err := sched.InitializeAll(context.Background()); err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	replies := messaging.NewReplyProcessor(st, st, sched, zone)
	server := NewServer(st, sched, replies, gateway, WithAddr(cfg.APIAddr))

	httpServer := &http.Server{
		Addr:    server.addr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", server.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server failed: %w", err)
	case sig := <-sigCh:
		slog.Info("Shutting down on signal", "signal", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP shutdown failed: %w", err)
	}
	return nil
}
