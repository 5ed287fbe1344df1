package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/biblechat/internal/config"
	"github.com/harun/biblechat/internal/logger"
	"github.com/harun/biblechat/internal/observability"
	"github.com/harun/biblechat/internal/tracing"
	"github.com/harun/biblechat/pkg/agent"
	"github.com/harun/biblechat/pkg/commandqueue"
	"github.com/harun/biblechat/pkg/gateway"
	"github.com/harun/biblechat/pkg/orchestrator"
	"github.com/harun/biblechat/pkg/prompt"
	"github.com/harun/biblechat/pkg/session"
	"golang.org/x/sync/errgroup"
)

// Daemon wires the biblechat components and runs the HTTP boundary
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store        *session.MemoryStore
	janitor      *session.Janitor
	prompts      *prompt.Loader
	watcher      *prompt.Watcher
	provider     agent.LLMProvider
	queue        *commandqueue.CommandQueue
	orchestrator *orchestrator.Orchestrator
	gateway      *gateway.Server

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
	auditEnabled   bool
}

// Status is a point-in-time view of the daemon
type Status struct {
	Running   bool          `json:"running"`
	StartTime time.Time     `json:"start_time"`
	Uptime    time.Duration `json:"uptime"`
	Sessions  int           `json:"sessions"`
}

// Option customizes a daemon, mostly for tests
type Option func(*Daemon)

// WithProvider replaces the Gemini provider
func WithProvider(p agent.LLMProvider) Option {
	return func(d *Daemon) {
		d.provider = p
	}
}

// New creates a new daemon instance. Configuration findings are logged as
// warnings; only structural errors stop startup.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	d := &Daemon{
		config: cfg,
		logger: log,
	}
	for _, opt := range opts {
		opt(d)
	}

	d.reportConfig()
	observability.EnsureRegistered()

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Str("service", cfg.Tracing.ServiceName).Msg("Tracing initialized")
		}
	}

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize audit logger, audit events discarded")
		} else {
			d.auditEnabled = true
			log.Info().Str("path", cfg.Logging.AuditFile).Msg("Audit logger initialized")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.releaseObservability()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	gw, err := gateway.New(gateway.Config{
		Addr:           cfg.Addr(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Conversation:   d.orchestrator,
		Logger:         log.GetZerolog().With().Str("component", "gateway").Logger(),
	})
	if err != nil {
		_ = d.orchestrator.Close()
		_ = d.queue.Close()
		d.releaseObservability()
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}
	d.gateway = gw

	return d, nil
}

func (d *Daemon) reportConfig() {
	v := config.NewValidator()
	for _, finding := range v.ValidateConfig(d.config) {
		d.logger.Warn().Err(finding).Msg("Configuration warning")
	}
	if err := v.ValidateAPIKey(d.config.Gemini.APIKey); err != nil {
		d.logger.Warn().Err(err).Msg("Gemini API key not usable, every turn will fail until GEMINI_API_KEY is set")
	}
	d.logger.Debug().Str("config", d.config.String()).Msg("Effective configuration")
}

func (d *Daemon) initializeCoreModules() error {
	d.store = session.NewMemoryStore(
		session.WithMaxSessions(d.config.Sessions.MaxSessions),
		session.WithIdleTTL(d.config.IdleTTL()),
		session.WithEvictionHook(d.onEvict),
	)
	d.janitor = session.NewJanitor(d.store, d.config.Sessions.SweepSchedule)
	d.logger.Info().
		Int("max_sessions", d.config.Sessions.MaxSessions).
		Dur("idle_ttl", d.config.IdleTTL()).
		Msg("Session store initialized")

	d.prompts = prompt.NewLoader(d.config.Prompt.Path)
	if d.config.Prompt.Watch {
		w, err := prompt.NewWatcher(d.prompts, 0)
		if err != nil {
			return fmt.Errorf("failed to create prompt watcher: %w", err)
		}
		d.watcher = w
	}

	if d.provider == nil {
		d.provider = agent.NewGeminiProvider(agent.GeminiConfig{
			APIKey:  d.config.Gemini.APIKey,
			BaseURL: d.config.Gemini.BaseURL,
			Model:   d.config.Gemini.Model,
		})
	}
	d.logger.Info().
		Str("provider", d.provider.Provider()).
		Str("model", d.config.Gemini.Model).
		Msg("Provider initialized")

	d.queue = commandqueue.New()
	d.orchestrator = orchestrator.New(d.store, d.provider, d.prompts,
		orchestrator.WithQueue(d.queue),
		orchestrator.WithModel(d.config.Gemini.Model),
		orchestrator.WithUpstreamTimeout(d.config.UpstreamTimeout()),
	)
	return nil
}

// onEvict audits janitor and capacity evictions. Explicit deletes are
// audited by the orchestrator.
func (d *Daemon) onEvict(sessionID, reason string) {
	if reason == session.ReasonDeleted {
		return
	}
	observability.RecordSessionAudit(context.Background(), "session_evicted", sessionID, map[string]interface{}{
		"reason": reason,
	})
	d.logger.Debug().Str("session_id", sessionID).Str("reason", reason).Msg("Session evicted")
}

// Run starts background services and serves until ctx is cancelled or the
// gateway fails
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.start(); err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return d.gateway.Start()
	})
	eg.Go(func() error {
		<-egCtx.Done()
		return d.stop()
	})

	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Daemon) start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Str("addr", d.config.Addr()).Msg("Starting biblechat daemon")

	if err := d.janitor.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start session janitor: %w", err)
	}
	logger.Info().Str("schedule", d.config.Sessions.SweepSchedule).Msg("Session janitor started")

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start prompt watcher, prompt changes need a restart")
		}
	}

	if _, err := d.prompts.Load(context.Background()); err != nil {
		logger.Warn().Err(err).Str("path", d.prompts.Path()).Msg("System prompt not readable yet, turns will fail until it is")
	}

	observability.RecordConfigAudit(context.Background(), "daemon_started", "daemon", map[string]interface{}{
		"addr":  d.config.Addr(),
		"model": d.config.Gemini.Model,
	})
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

func (d *Daemon) stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping biblechat daemon")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.config.ShutdownTimeout())
	defer cancel()

	var errs []error
	if err := d.gateway.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway")
		errs = append(errs, err)
	}

	if d.janitor.IsRunning() {
		if err := d.janitor.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop session janitor")
		}
	}

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop prompt watcher")
		}
	}

	if err := d.orchestrator.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close orchestrator")
	}
	if err := d.queue.Close(); err != nil && !errors.Is(err, commandqueue.ErrQueueClosed) {
		logger.Error().Err(err).Msg("Failed to close command queue")
	}

	observability.RecordConfigAudit(context.Background(), "daemon_stopped", "daemon", nil)
	d.releaseObservability()

	logger.Info().Msg("Daemon stopped")
	return errors.Join(errs...)
}

func (d *Daemon) releaseObservability() {
	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	if d.auditEnabled {
		if err := observability.GetAuditLogger().Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close audit logger")
		}
		d.auditEnabled = false
	}
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:  d.running,
		Sessions: d.store.Len(),
	}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
	}
	return status
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetOrchestrator returns the orchestrator
func (d *Daemon) GetOrchestrator() *orchestrator.Orchestrator {
	return d.orchestrator
}

// GetGateway returns the HTTP boundary
func (d *Daemon) GetGateway() *gateway.Server {
	return d.gateway
}

// GetStore returns the session store
func (d *Daemon) GetStore() *session.MemoryStore {
	return d.store
}
