package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/courier/agent"
	"github.com/GoCodeAlone/courier/broker"
	"github.com/GoCodeAlone/courier/config"
	"github.com/GoCodeAlone/courier/delivery"
	"github.com/GoCodeAlone/courier/internal/version"
	"github.com/GoCodeAlone/courier/policy"
	"github.com/GoCodeAlone/courier/provider"
	"github.com/GoCodeAlone/courier/provider/mock"
	"github.com/GoCodeAlone/courier/registry"
	"github.com/GoCodeAlone/courier/server"
	"github.com/GoCodeAlone/courier/server/api"
	"github.com/GoCodeAlone/courier/server/ws"
	"github.com/GoCodeAlone/courier/session"
	"github.com/GoCodeAlone/courier/store"
	"github.com/GoCodeAlone/courier/telemetry"
)

const (
	// humanSender is the sender recorded for text typed into a push channel.
	humanSender = "human"

	keywordPolicy         = "no_keyword"
	keywordPolicyPriority = 80
	shutdownTimeout       = 10 * time.Second
)

// daemon owns every long-lived component.
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store    store.Store
	engine   *policy.Engine
	registry *registry.Registry
	broker   *broker.Broker
	push     *ws.PushHub
	factory  *agent.Factory
	loop     *delivery.Loop
	server   *server.Server
}

func newDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger}

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	d.store = st

	providers, defaultProvider, err := buildProviders(cfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	d.engine = buildPolicies(cfg, providers, logger)

	events := ws.NewEventHub(logger)
	sink := telemetry.NewMulti(
		telemetry.NewSlogSink(logger),
		telemetry.NewMetricsSink(st, logger),
		events,
	)

	d.registry = registry.New(sink, logger)
	d.broker = broker.New(broker.Config{
		Store:       st,
		Directory:   d.registry,
		Policies:    d.engine,
		Sink:        sink,
		Secret:      cfg.Broker.Secret,
		MaxRetries:  cfg.Broker.MaxRetries,
		ContextSize: cfg.Broker.ContextSize,
		Logger:      logger,
	})
	d.push = ws.NewPushHub(d.fromHuman, logger)

	var sessions session.Factory = session.MemoryFactory{}
	if cfg.Sessions.Dir != "" {
		sessions = session.FileFactory{Dir: cfg.Sessions.Dir, ServerID: cfg.Server.ServerID}
	}
	d.factory = &agent.Factory{
		Providers:       providers,
		DefaultProvider: defaultProvider,
		Sessions:        sessions,
		Broker:          d.broker,
		Directory:       d.registry,
		Notifier:        d.push,
		Logger:          logger,
	}
	if err := d.registerAgents(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	d.loop = delivery.New(delivery.Config{
		Queue:    d.broker,
		Roster:   d.registry,
		Notifier: d.push,
		Sink:     sink,
		Interval: cfg.Delivery.Interval,
		Logger:   logger,
	})

	d.server = server.New(*cfg, logger)
	d.server.SetHandlers(&api.Handlers{
		Agents:   api.NewAgentManager(d.registry, d.factory, logger),
		Messages: d.broker,
		Policies: d.engine,
		Metrics:  st,
		Logger:   logger,
		Version:  version.Version,
		ServerID: cfg.Server.ServerID,
		StartAt:  time.Now(),
	})
	d.server.SetEventHub(events)
	d.server.SetPushHub(d.push)
	return d, nil
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	if cfg.Driver == "memory" {
		return store.NewMemoryStore(), nil
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	st, err := store.NewSQLiteStore(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// buildProviders instantiates every configured provider and resolves the
// default. With none configured the mock provider stands in.
func buildProviders(cfg *config.Config, logger *slog.Logger) (map[string]provider.Provider, string, error) {
	providers := make(map[string]provider.Provider, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		if strings.EqualFold(pc.Type, "mock") {
			providers[name] = mock.New()
			continue
		}
		p, err := provider.New(pc)
		if err != nil {
			return nil, "", fmt.Errorf("provider %s: %w", name, err)
		}
		providers[name] = p
	}
	def := cfg.DefaultProviderName()
	if len(providers) == 0 {
		logger.Warn("no providers configured, agents will use the mock provider")
		providers["mock"] = mock.New()
		def = "mock"
	}
	return providers, def, nil
}

func buildPolicies(cfg *config.Config, providers map[string]provider.Provider, logger *slog.Logger) *policy.Engine {
	var judge policy.Judge
	if name := cfg.Policies.Judge; name != "" {
		judge = provider.Judge{Provider: providers[name]}
	}
	engine := policy.NewEngine(policy.EngineConfig{
		Judge:       judge,
		HistorySize: cfg.Policies.HistorySize,
		Logger:      logger,
	})
	var ps []policy.Policy
	if cfg.Policies.Defaults {
		ps = append(ps, policy.Defaults()...)
	}
	if len(cfg.Policies.ForbiddenKeywords) > 0 {
		ps = append(ps, policy.ForbidKeywords(keywordPolicy, keywordPolicyPriority, cfg.Policies.ForbiddenKeywords...))
	}
	for _, p := range ps {
		if err := engine.Add(p); err != nil {
			logger.Warn("skip policy", slog.String("policy", p.Name), slog.Any("err", err))
		}
	}
	return engine
}

// registerAgents builds the configured agents, fills in default contact
// lists and activates the ones marked active.
func (d *daemon) registerAgents(ctx context.Context) error {
	for _, ac := range d.cfg.Agents {
		a, err := d.factory.Build(ac.Spec())
		if err != nil {
			return err
		}
		if err := d.registry.Register(ctx, a); err != nil {
			return err
		}
	}
	d.registry.PopulateDefaultContactLists()
	for _, ac := range d.cfg.Agents {
		if !ac.Active {
			continue
		}
		if err := d.registry.Activate(ctx, ac.Name); err != nil {
			return fmt.Errorf("activate %s: %w", ac.Name, err)
		}
	}
	return nil
}

// fromHuman queues text typed into an agent's push channel.
func (d *daemon) fromHuman(ctx context.Context, agentName, text string) error {
	_, err := d.broker.Send(ctx, broker.SendRequest{
		Sender:    humanSender,
		Recipient: agentName,
		Payload:   text,
	})
	return err
}

// run serves until ctx is cancelled, then shuts every component down.
func (d *daemon) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := d.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return d.server.Stop(shutdownCtx)
	})
	g.Go(func() error { return d.loop.Run(gctx) })
	g.Go(func() error {
		d.cleanupLoop(gctx)
		return nil
	})
	return g.Wait()
}

func (d *daemon) cleanupLoop(ctx context.Context) {
	interval, maxAge := d.cfg.Cleanup.Interval, d.cfg.Cleanup.MaxAge
	if interval <= 0 || maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.broker.Cleanup(ctx, maxAge)
			if err != nil {
				d.logger.Error("cleanup", slog.Any("err", err))
				continue
			}
			if n > 0 {
				d.logger.Info("purged old messages", slog.Int64("count", n))
			}
		}
	}
}

func (d *daemon) close() {
	d.registry.UnregisterAll(context.Background())
	if err := d.store.Close(); err != nil {
		d.logger.Warn("close store", slog.Any("err", err))
	}
}
