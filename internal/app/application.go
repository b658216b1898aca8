// Package app assembles the detection, response and emergency components
// into one running system.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/mamoru/internal/api"
	"github.com/shizukutanaka/mamoru/internal/backup"
	"github.com/shizukutanaka/mamoru/internal/clock"
	"github.com/shizukutanaka/mamoru/internal/concurrency"
	"github.com/shizukutanaka/mamoru/internal/config"
	"github.com/shizukutanaka/mamoru/internal/detection"
	"github.com/shizukutanaka/mamoru/internal/emergency"
	"github.com/shizukutanaka/mamoru/internal/events"
	"github.com/shizukutanaka/mamoru/internal/firewall"
	"github.com/shizukutanaka/mamoru/internal/logging"
	"github.com/shizukutanaka/mamoru/internal/monitoring"
	"github.com/shizukutanaka/mamoru/internal/reputation"
	"github.com/shizukutanaka/mamoru/internal/response"
	"github.com/shizukutanaka/mamoru/internal/security"
	"github.com/shizukutanaka/mamoru/internal/version"
)

const (
	ShutdownTimeout = 30 * time.Second

	// evidenceEvents is how many recent events an incident log snapshot holds.
	evidenceEvents = 500
)

// Option customizes an Application.
type Option func(*options)

type options struct {
	clock      clock.Clock
	runner     firewall.Runner
	logs       *logging.Factory
	configPath string
	connSource detection.ConnectionSource
}

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithRunner replaces the firewall command runner.
func WithRunner(r firewall.Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithLogFactory hands out per-module loggers and enables log level reload.
func WithLogFactory(f *logging.Factory) Option {
	return func(o *options) { o.logs = f }
}

// WithConfigWatch reloads the whitelist and log level when path changes.
func WithConfigWatch(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithConnectionSource replaces the host connection table reader.
func WithConnectionSource(src detection.ConnectionSource) Option {
	return func(o *options) { o.connSource = src }
}

// Application owns every component and their lifecycle.
type Application struct {
	logger *zap.Logger
	config *config.Config
	opts   options

	Metrics      *monitoring.Metrics
	Store        *reputation.Store
	Firewall     firewall.Backend
	Pool         *concurrency.SafeWorkerPool
	EventStore   *events.SQLStore
	Recorder     *events.Recorder
	Notifier     *monitoring.Notifier
	Integrity    *monitoring.IntegrityChecker
	Watchlist    *response.Watchlist
	Coordinator  *emergency.Coordinator
	Orchestrator *response.Orchestrator
	Engine       *detection.Engine

	reconciler    *firewall.Reconciler
	scanner       *detection.ConnectionScanner
	fileIntegrity *detection.FileIntegrity
	server        *api.Server
	watcher       *config.Watcher

	lifecycle sync.Mutex
	closed    bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	stateMu   sync.RWMutex
	running   bool
	startedAt time.Time
}

// New builds the component graph. Nothing runs until Start.
func New(logger *zap.Logger, cfg *config.Config, opts ...Option) (*Application, error) {
	a := &Application{
		logger: logger,
		config: cfg,
	}
	for _, opt := range opts {
		opt(&a.opts)
	}
	if a.opts.clock == nil {
		a.opts.clock = clock.Real()
	}
	if a.opts.runner == nil {
		a.opts.runner = firewall.ExecRunner{}
	}

	if err := a.build(); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *Application) build() error {
	cfg := a.config
	clk := a.opts.clock

	a.Metrics = monitoring.NewMetrics(cfg.Metrics.Namespace)

	a.Store = reputation.NewStore(a.named("reputation"), clk, reputation.Config{
		Whitelist:     cfg.IDS.Whitelist,
		SweepInterval: cfg.IDS.SweepInterval,
		Shards:        cfg.IDS.Shards,
	})

	backend, err := a.buildFirewall()
	if err != nil {
		return err
	}
	a.Firewall = firewall.Observe(backend, a.Metrics)

	a.Pool = concurrency.NewSafeWorkerPool(a.named("pool"), cfg.Response.Workers, cfg.Response.QueueSize)
	a.Pool.OnCallerRun(a.Metrics.PoolFallback)
	a.Pool.SetTaskTimeout(cfg.Response.TaskTimeout)

	var persister events.Persister
	if cfg.Events.Store.Driver != "" {
		store, err := events.OpenSQLStore(a.named("events"), cfg.Events.Store)
		if err != nil {
			return fmt.Errorf("failed to open event store: %w", err)
		}
		a.EventStore = store
		persister = store
	}
	a.Recorder = events.NewRecorder(a.named("events"), events.RecorderConfig{RingSize: cfg.Events.RingSize}, persister)
	a.Recorder.SetObserver(a.Metrics)

	a.Notifier = monitoring.NewNotifier(a.named("notifier"), clk, cfg.Notifier)

	a.Integrity = monitoring.NewIntegrityChecker(a.named("integrity"), cfg.Integrity)
	a.registerProbes()

	var target emergency.Backup
	if len(cfg.Backup.Sources) > 0 {
		target = backup.NewLocalTarget(a.named("backup"), cfg.Backup)
	}

	var hooks emergency.Hooks = emergency.NopHooks{}
	if cfg.Emergency.EvidenceDir != "" {
		evidence, err := emergency.NewEvidenceHooks(a.named("evidence"), cfg.Emergency.EvidenceDir, func() []security.Event {
			return a.Recorder.Recent(evidenceEvents)
		})
		if err != nil {
			return fmt.Errorf("failed to prepare evidence directory: %w", err)
		}
		hooks = evidence
	}

	a.Watchlist, err = response.NewWatchlist(cfg.Response.WatchTTL)
	if err != nil {
		return fmt.Errorf("failed to create watchlist: %w", err)
	}

	rules, err := detection.BuildRuleSet(cfg.IDS.RulesFile)
	if err != nil {
		return fmt.Errorf("failed to load detection rules: %w", err)
	}

	// The engine forwards into the orchestrator, which hands off to the
	// coordinator, which in turn toggles heightened mode on the engine.
	// The responder closure breaks that construction cycle.
	responder := security.ResponderFunc(func(d security.Detection) {
		a.Orchestrator.Handle(d)
	})

	a.Engine = detection.NewEngine(a.named("detection"), clk, a.Store, rules, responder, detection.Config{
		Enabled:        cfg.IDS.Enabled,
		RateLimit:      cfg.IDS.RateLimit,
		RateWindow:     cfg.IDS.RateWindow,
		RateLimitBlock: cfg.IDS.RateLimitBlock,
		ProxyHeaders:   cfg.IDS.ProxyHeaders,
		SweepInterval:  cfg.IDS.SweepInterval,
		Shards:         cfg.IDS.Shards,
	})
	a.Engine.SetObserver(a.Metrics)
	a.Engine.SetWatchlist(a.Watchlist)

	a.Coordinator = emergency.NewCoordinator(a.named("emergency"), clk, emergency.Config{
		AutoResponse:       cfg.Response.AutoResponseEnabled,
		RecoveryGrace:      cfg.Emergency.RecoveryGrace(),
		StepTimeout:        cfg.Emergency.StepTimeout,
		RateLimitThreshold: cfg.Emergency.RateLimitThreshold,
		Retention:          cfg.Emergency.Retention,
		PruneInterval:      time.Hour,
	}, emergency.Deps{
		Store:     a.Store,
		Firewall:  a.Firewall,
		Notifier:  a.Notifier,
		Sink:      a.Recorder,
		Backup:    target,
		Integrity: a.Integrity,
		Hooks:     hooks,
		Protector: a.Engine,
		Observer:  a.Metrics,
	})

	a.Orchestrator = response.NewOrchestrator(a.named("response"), clk, response.Config{
		MediumBlockTTL:      cfg.Response.MediumBlockTTL,
		EscalationThreshold: cfg.Response.EscalationThreshold,
		EscalationWindow:    cfg.Response.EscalationWindow,
		StatsIdleEviction:   cfg.Response.StatsIdleEviction,
		AutoUnblock:         cfg.Firewall.AutoUnblock,
		AdvisoryHistory:     256,
		Shards:              cfg.IDS.Shards,
	}, response.Deps{
		Store:     a.Store,
		Firewall:  a.Firewall,
		Pool:      a.Pool,
		Sink:      a.Recorder,
		Notifier:  a.Notifier,
		Watchlist: a.Watchlist,
		Emergency: a.Coordinator,
		Observer:  a.Metrics,
	})

	if cfg.Firewall.Enabled && cfg.Firewall.ReconcileInterval > 0 {
		a.reconciler = firewall.NewReconciler(a.named("firewall"), clk, a.Firewall, a.Store, cfg.Firewall.ReconcileInterval)
	}

	if cfg.IDS.NetworkMonitoringEnabled {
		a.scanner = detection.NewConnectionScanner(a.named("hostscan"), clk, a.opts.connSource, responder, detection.ScanConfig{
			Interval:       cfg.IDS.Scan.Interval,
			Window:         cfg.IDS.Scan.Window,
			PortThreshold:  cfg.IDS.Scan.PortThreshold,
			MinConnections: cfg.IDS.Scan.MinConnections,
			Sigma:          cfg.IDS.Scan.Sigma,
			History:        detection.DefaultScanConfig().History,
		})
	}

	if len(cfg.IDS.IntegrityPaths) > 0 {
		a.fileIntegrity = detection.NewFileIntegrity(a.named("file_integrity"), clk, responder, cfg.IDS.IntegrityPaths, cfg.IDS.IntegrityInterval)
	}

	if cfg.API.Enabled {
		deps := api.Deps{
			Blacklist: a.Store,
			Responder: a.Orchestrator,
			Incidents: a.Coordinator,
			Events:    a.Recorder.Ring(),
			Metrics:   a.Metrics.Handler(),
			Status:    a.Status,
		}
		if a.EventStore != nil {
			deps.History = a.EventStore
		}
		a.server, err = api.NewServer(a.named("api"), cfg.API, deps)
		if err != nil {
			return fmt.Errorf("failed to create API server: %w", err)
		}
	}

	if a.opts.configPath != "" {
		a.watcher, err = config.NewWatcher(a.named("config"), a.opts.configPath, a.ApplyReload)
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
	}

	a.registerGauges()
	return nil
}

func (a *Application) buildFirewall() (firewall.Backend, error) {
	cfg := a.config.Firewall
	if !cfg.Enabled {
		return firewall.NewNoop(a.named("firewall")), nil
	}

	if !firewall.CheckPrivileges(a.named("firewall"), cfg.Backend) {
		a.logger.Warn("Firewall commands will likely fail without elevated privileges",
			zap.String("backend", cfg.Backend),
		)
	}

	backend, err := firewall.New(a.named("firewall"), a.opts.runner, firewall.Config{
		Kind:           cfg.Backend,
		CommandTimeout: cfg.CommandTimeout,
		Overrides:      cfg.Overrides,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create firewall backend: %w", err)
	}
	return backend, nil
}

func (a *Application) registerProbes() {
	a.Integrity.Register("reputation_store", true, func(context.Context) error {
		if a.Store == nil {
			return errors.New("reputation store not initialized")
		}
		return nil
	})
	a.Integrity.Register("detection_rules", true, func(context.Context) error {
		if a.Engine == nil || len(a.Engine.Rules().Rules()) == 0 {
			return errors.New("no detection rules loaded")
		}
		return nil
	})
	a.Integrity.Register("worker_pool", false, func(context.Context) error {
		stats := a.Pool.Stats()
		if stats.Workers > 0 && stats.QueueLength >= a.config.Response.QueueSize && a.config.Response.QueueSize > 0 {
			return fmt.Errorf("response queue saturated: %d queued", stats.QueueLength)
		}
		return nil
	})
	if a.EventStore != nil {
		a.Integrity.Register("event_store", false, a.EventStore.Ping)
	}
}

func (a *Application) registerGauges() {
	a.Metrics.RegisterGauge("blacklist_entries", "Identifiers currently held in the blacklist.", func() float64 {
		return float64(a.Store.Len())
	})
	a.Metrics.RegisterGauge("incidents_active", "Incidents that have not reached a terminal state.", func() float64 {
		return float64(a.Coordinator.ActiveCount())
	})
	a.Metrics.RegisterGauge("attack_sources", "Sources with recorded attack statistics.", func() float64 {
		return float64(a.Orchestrator.Statistics().Len())
	})
	a.Metrics.RegisterGauge("watchlist_entries", "Sources under heightened observation.", func() float64 {
		return float64(a.Watchlist.Len())
	})
	a.Metrics.RegisterGauge("heightened_mode", "1 while heightened protective mode is on.", func() float64 {
		if a.Engine.Heightened() {
			return 1
		}
		return 0
	})
}

// Start launches every component, consumers first.
func (a *Application) Start() error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	if a.isRunning() || a.closed {
		return nil
	}

	a.logger.Info("Starting mamoru",
		zap.Bool("ids_enabled", a.config.IDS.Enabled),
		zap.Bool("auto_response", a.config.Response.AutoResponseEnabled),
		zap.String("firewall", a.Firewall.Name()),
		zap.Int("rules", len(a.Engine.Rules().Rules())),
	)

	a.Pool.Start()
	a.Recorder.Start()
	a.Notifier.Start()
	a.Store.Start()
	a.Orchestrator.Start()
	a.Coordinator.Start()
	a.Engine.Start()

	if a.reconciler != nil {
		a.reconciler.Start()
	}
	if a.scanner != nil {
		a.scanner.Start()
	}
	if a.fileIntegrity != nil {
		if err := a.fileIntegrity.Start(); err != nil {
			a.stopComponents()
			return fmt.Errorf("failed to start file integrity monitor: %w", err)
		}
	}
	if a.server != nil {
		if err := a.server.Start(); err != nil {
			a.stopComponents()
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}
	if a.watcher != nil {
		if err := a.watcher.Start(); err != nil {
			a.logger.Warn("Config watcher unavailable", zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	if a.EventStore != nil && a.config.Events.Retention > 0 {
		a.wg.Add(1)
		go a.pruneEvents(ctx)
	}

	a.setRunning(true)
	a.logger.Info("mamoru started")
	return nil
}

// Shutdown stops producers before consumers and releases resources.
func (a *Application) Shutdown(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	if a.closed {
		return nil
	}

	a.logger.Info("Shutting down mamoru")

	done := make(chan struct{})
	var err error
	wasRunning := a.isRunning()
	a.setRunning(false)
	go func() {
		defer close(done)
		if a.server != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if serr := a.server.Stop(stopCtx); serr != nil {
				err = errors.Join(err, fmt.Errorf("api: %w", serr))
			}
			cancel()
		}
		if wasRunning {
			a.stopComponents()
		}
		err = errors.Join(err, a.closeResources())
	}()

	select {
	case <-done:
		a.closed = true
		if err != nil {
			a.logger.Error("Shutdown completed with errors", zap.Error(err))
			return err
		}
		a.logger.Info("Shutdown complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout exceeded: %w", ctx.Err())
	}
}

func (a *Application) stopComponents() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.scanner != nil {
		a.scanner.Stop()
	}
	if a.fileIntegrity != nil {
		a.fileIntegrity.Stop()
	}
	a.Engine.Stop()
	if a.reconciler != nil {
		a.reconciler.Stop()
	}
	a.Coordinator.Stop()
	a.Orchestrator.Stop()
	if err := a.Pool.Shutdown(ShutdownTimeout); err != nil {
		a.logger.Warn("Worker pool did not drain", zap.Error(err))
	}
	a.Store.Stop()
	a.Notifier.Stop()
	a.Recorder.Stop()
}

func (a *Application) closeResources() error {
	var err error
	if a.Watchlist != nil {
		err = errors.Join(err, a.Watchlist.Close())
	}
	if a.EventStore != nil {
		err = errors.Join(err, a.EventStore.Close())
	}
	return err
}

func (a *Application) pruneEvents(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := a.opts.clock.Now().Add(-a.config.Events.Retention)
			n, err := a.EventStore.Prune(ctx, cutoff)
			if err != nil {
				a.logger.Warn("Event pruning failed", zap.Error(err))
				continue
			}
			if n > 0 {
				a.logger.Debug("Pruned stored events", zap.Int64("count", n))
			}
		}
	}
}

// Handler wraps next with request screening.
func (a *Application) Handler(next http.Handler) http.Handler {
	return a.Engine.Middleware(next)
}

// APIHandler returns the admin API router, or nil when the API is disabled.
func (a *Application) APIHandler() http.Handler {
	if a.server == nil {
		return nil
	}
	return a.server.Handler()
}

// ApplyReload applies the settings that can change without a restart.
func (a *Application) ApplyReload(cfg *config.Config) {
	a.Store.SetWhitelist(cfg.IDS.Whitelist)
	if a.opts.logs != nil {
		if err := a.opts.logs.SetLevel(cfg.Log.Level); err != nil {
			a.logger.Warn("Ignoring invalid log level", zap.String("level", cfg.Log.Level))
		}
	}
	a.logger.Info("Configuration reloaded",
		zap.Int("whitelist", len(cfg.IDS.Whitelist)),
		zap.String("log_level", cfg.Log.Level),
	)
}

// Status returns a snapshot of every component's counters.
func (a *Application) Status() map[string]any {
	a.stateMu.RLock()
	startedAt := a.startedAt
	running := a.running
	a.stateMu.RUnlock()

	status := map[string]any{
		"version":           version.Get(),
		"running":           running,
		"started_at":        startedAt,
		"heightened":        a.Engine.Heightened(),
		"blacklist_entries": a.Store.Len(),
		"active_incidents":  a.Coordinator.ActiveCount(),
		"watchlist":         a.Watchlist.Len(),
		"firewall":          a.Firewall.Name(),
		"detection":         a.Engine.Stats(),
		"response":          a.Orchestrator.Counters(),
		"pool":              a.Pool.Stats(),
		"events":            a.Recorder.Stats(),
		"notifier":          a.Notifier.Stats(),
		"integrity":         a.Integrity.Last(),
	}
	if a.server != nil {
		status["api"] = a.server.Stats()
	}
	if running {
		status["uptime"] = a.opts.clock.Now().Sub(startedAt).String()
	}
	return status
}

func (a *Application) isRunning() bool {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.running
}

func (a *Application) setRunning(on bool) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.running = on
	if on {
		a.startedAt = a.opts.clock.Now()
	}
}

func (a *Application) named(module string) *zap.Logger {
	if a.opts.logs != nil {
		return a.opts.logs.Logger(module)
	}
	return a.logger.Named(module)
}
