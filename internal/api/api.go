// Package api provides the HTTP server and main wiring for IntakePipe.
//
// It exposes the onboarding endpoints, the Twilio WhatsApp webhook, health and
// Prometheus metrics, and connects the flow engine to the store, the answer
// judge and the CRM outbox.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/catalog"
	"github.com/BTreeMap/IntakePipe/internal/crm"
	"github.com/BTreeMap/IntakePipe/internal/flow"
	"github.com/BTreeMap/IntakePipe/internal/genai"
	"github.com/BTreeMap/IntakePipe/internal/interpret"
	"github.com/BTreeMap/IntakePipe/internal/recovery"
	"github.com/BTreeMap/IntakePipe/internal/scheduler"
	"github.com/BTreeMap/IntakePipe/internal/store"
	"github.com/BTreeMap/IntakePipe/internal/twiliowhatsapp"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// DefaultTenantID owns sessions started from the WhatsApp webhook.
	DefaultTenantID = "default"

	shutdownTimeout = 15 * time.Second
)

// Opts holds configuration for the API server and its wiring.
type Opts struct {
	Addr               string
	DefaultTenantID    string
	CatalogPath        string
	JudgeTimeout       time.Duration
	GHLAPIKey          string
	GHLLocationID      string
	WebhookURL         string
	OutboxPollInterval time.Duration
	PruneSchedule      string
	InboundRetention   time.Duration
	RecoveryWindow     time.Duration
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithDefaultTenant sets the tenant for WhatsApp-initiated sessions.
func WithDefaultTenant(id string) Option {
	return func(o *Opts) { o.DefaultTenantID = id }
}

// WithCatalogPath loads questions from a file instead of the embedded catalog.
func WithCatalogPath(path string) Option {
	return func(o *Opts) { o.CatalogPath = path }
}

// WithJudgeTimeout bounds each answer judge call.
func WithJudgeTimeout(d time.Duration) Option {
	return func(o *Opts) { o.JudgeTimeout = d }
}

// WithGHL enables CRM sync for a GoHighLevel location.
func WithGHL(apiKey, locationID string) Option {
	return func(o *Opts) {
		o.GHLAPIKey = apiKey
		o.GHLLocationID = locationID
	}
}

// WithWebhookURL sets the public URL Twilio posts to; signatures are checked against it.
func WithWebhookURL(u string) Option {
	return func(o *Opts) { o.WebhookURL = u }
}

// WithOutboxPollInterval sets how often the CRM outbox is polled.
func WithOutboxPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.OutboxPollInterval = d }
}

// WithInboundPrune sets the cron schedule and retention for pruning inbound dedup records.
func WithInboundPrune(schedule string, retention time.Duration) Option {
	return func(o *Opts) {
		o.PruneSchedule = schedule
		o.InboundRetention = retention
	}
}

// WithRecoveryWindow sets how far back startup recovery looks for completed
// sessions whose CRM sync was never queued.
func WithRecoveryWindow(d time.Duration) Option {
	return func(o *Opts) { o.RecoveryWindow = d }
}

// SignatureValidator checks Twilio webhook signatures.
type SignatureValidator interface {
	ValidateSignature(url string, params map[string]string, signature string) bool
}

// Server holds the HTTP handlers' dependencies.
type Server struct {
	engine        *flow.Engine
	dedup         store.DedupRepo
	sender        twiliowhatsapp.Sender
	validator     SignatureValidator
	defaultTenant string
	webhookURL    string
	httpServer    *http.Server
}

// NewServer creates a server. sender may be nil, in which case webhook turns are
// processed but no reply is sent. Signatures are checked when the sender can
// validate them and a webhook URL is configured.
func NewServer(engine *flow.Engine, dedup store.DedupRepo, sender twiliowhatsapp.Sender, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, DefaultTenantID: DefaultTenantID}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.DefaultTenantID == "" {
		cfg.DefaultTenantID = DefaultTenantID
	}
	s := &Server{
		engine:        engine,
		dedup:         dedup,
		sender:        sender,
		defaultTenant: cfg.DefaultTenantID,
		webhookURL:    cfg.WebhookURL,
	}
	if v, ok := sender.(SignatureValidator); ok && cfg.WebhookURL != "" {
		s.validator = v
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /onboarding/start", s.startHandler)
	mux.HandleFunc("POST /onboarding/message", s.messageHandler)
	mux.HandleFunc("GET /onboarding/status/{session_id}", s.statusHandler)
	mux.HandleFunc("GET /onboarding/sessions", s.listSessionsHandler)
	mux.HandleFunc("POST /webhooks/twilio", s.twilioWebhookHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", metricsHandler())
	return mux
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	slog.Info("Server.Start: IntakePipe API listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Run builds every module from its options and serves until SIGINT or SIGTERM.
func Run(storeOpts []store.Option, genaiOpts []genai.Option, twilioOpts []twiliowhatsapp.Option, crmOpts []crm.Option, apiOpts []Option) error {
	var cfg Opts
	for _, opt := range apiOpts {
		opt(&cfg)
	}

	cat, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}
	slog.Info("Run: catalog loaded", "version", cat.Version(), "questions", cat.TotalQuestions(), "stages", len(cat.Stages()))

	st, err := store.New(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Run: store close failed", "error", err)
		}
	}()

	interpOpts := []interpret.Option{interpret.WithJudgeTimeout(cfg.JudgeTimeout)}
	if client, err := genai.NewClient(genaiOpts...); err != nil {
		slog.Warn("Run: answer judge disabled, unclear replies get a static redirect", "reason", err)
	} else {
		interpOpts = append(interpOpts, interpret.WithJudge(interpret.NewLLMJudge(client)))
	}

	var syncer crm.Syncer
	if cfg.GHLAPIKey != "" {
		ghl, err := crm.NewGHLClient(cfg.GHLAPIKey, cfg.GHLLocationID, crmOpts...)
		if err != nil {
			return fmt.Errorf("failed to initialize CRM client: %w", err)
		}
		syncer = ghl
	} else {
		slog.Warn("Run: GHL_API_KEY not set, completed onboardings will not be synced")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	outbox := store.NewOutboxSender(st, crm.NewDispatcher(cat, syncer).Send, store.WithPollInterval(cfg.OutboxPollInterval))
	notifier := crm.NewOutboxNotifier(st)

	rm := recovery.NewManager()
	rm.Register(recovery.OutboxRecovery(outbox))
	rm.Register(recovery.NewCompletionRecovery(st, st, notifier, crm.DedupeKey, cfg.RecoveryWindow))
	if err := rm.RecoverAll(ctx); err != nil {
		// Partial recovery is not fatal; the next restart tries again.
		slog.Error("Run: startup recovery incomplete", "error", err)
	}
	go outbox.Run(ctx)

	sched, err := newMaintenanceScheduler(cfg, st)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	engine := flow.NewEngine(cat, interpret.New(interpOpts...), st, flow.WithNotifier(notifier))

	var sender twiliowhatsapp.Sender
	if tw, err := twiliowhatsapp.NewClient(twilioOpts...); err != nil {
		slog.Warn("Run: Twilio not configured, WhatsApp replies disabled", "reason", err)
	} else {
		sender = tw
	}

	srv := NewServer(engine, st, sender, apiOpts...)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		slog.Info("Run: shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Run: server shutdown failed", "error", err)
	}
	engine.Wait()
	return nil
}

func newMaintenanceScheduler(cfg Opts, dedup store.DedupRepo) (*scheduler.Scheduler, error) {
	schedule := cfg.PruneSchedule
	if schedule == "" {
		schedule = scheduler.DefaultPruneSchedule
	}
	retention := cfg.InboundRetention
	if retention <= 0 {
		retention = scheduler.DefaultInboundRetention
	}
	sched := scheduler.NewScheduler()
	if err := sched.AddJob("prune_inbound", schedule, scheduler.PruneInboundJob(dedup, retention)); err != nil {
		return nil, err
	}
	return sched, nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	cat, err := catalog.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog %s: %w", path, err)
	}
	return cat, nil
}
