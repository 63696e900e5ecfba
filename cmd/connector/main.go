// Connector service
//
// Runs one JMS-style connector: resolves its connection factory, registers
// the configured receivers (each delivering to an HTTP mediator), and serves
// health, metrics and the admin API.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.flowcatalyst.tech/connector/internal/api"
	"go.flowcatalyst.tech/connector/internal/common/lifecycle"
	"go.flowcatalyst.tech/connector/internal/config"
	"go.flowcatalyst.tech/connector/internal/connector"
	"go.flowcatalyst.tech/connector/internal/deadletter"
	"go.flowcatalyst.tech/connector/internal/directory"
	"go.flowcatalyst.tech/connector/internal/directory/awssm"
	"go.flowcatalyst.tech/connector/internal/directory/gcpsm"
	"go.flowcatalyst.tech/connector/internal/directory/vault"
	"go.flowcatalyst.tech/connector/internal/endpoint"
	"go.flowcatalyst.tech/connector/internal/health"
	"go.flowcatalyst.tech/connector/internal/jms"
	"go.flowcatalyst.tech/connector/internal/mediator"
	"go.flowcatalyst.tech/connector/internal/provider"
	"go.flowcatalyst.tech/connector/internal/provider/amqp"
	"go.flowcatalyst.tech/connector/internal/provider/memory"
	"go.flowcatalyst.tech/connector/internal/provider/nats"
	"go.flowcatalyst.tech/connector/internal/provider/sqs"
	"go.flowcatalyst.tech/connector/internal/receiver"
	"go.flowcatalyst.tech/connector/internal/reconnect"
	"go.flowcatalyst.tech/connector/internal/redelivery"
	"go.flowcatalyst.tech/connector/internal/transaction"
	"go.flowcatalyst.tech/connector/internal/warning"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONNECTOR_CONFIG"), "path to the TOML configuration file")
	issueFor := flag.String("issue-token", "", "print an admin API token for this subject and exit")
	scopes := flag.String("scopes", api.ScopeRead, "comma separated scopes of the issued token")
	ttl := flag.Duration("ttl", 24*time.Hour, "lifetime of the issued token")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	setupLogging(cfg.Log)

	if *issueFor != "" {
		if err := issueToken(cfg.Admin, *issueFor, strings.Split(*scopes, ","), *ttl); err != nil {
			log.Fatal().Err(err).Msg("Failed to issue token")
		}
		return
	}

	log.Info().
		Str("version", version).
		Str("build_time", buildTime).
		Str("connector", cfg.Connector.Name).
		Msg("Starting connector service")

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Connector service failed")
	}
	log.Info().Msg("Connector service stopped")
}

func setupLogging(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func issueToken(cfg config.AdminConfig, subject string, scopes []string, ttl time.Duration) error {
	auth, err := api.NewAuthenticator(cfg.JWTSecret, cfg.Issuer)
	if err != nil {
		return err
	}
	token, err := auth.Issue(subject, scopes, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func newRegistry() *provider.Registry {
	return provider.NewRegistry().
		Register("amqp", amqp.Build).
		Register("nats", nats.Build).
		Register("sqs", sqs.Build).
		Register("memory", memory.Build)
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := lifecycle.NewManager()
	registry := newRegistry()
	live := health.NewService(5 * time.Second)
	ready := health.NewService(5 * time.Second)

	cc := cfg.ConnectorConfig()
	source, meta, err := factorySource(ctx, cfg, registry, cc)
	if err != nil {
		return err
	}

	tracker, err := redeliveryTracker(cfg, meta, mgr, ready)
	if err != nil {
		return err
	}

	poison, store, err := deadLetters(ctx, cfg, mgr, ready)
	if err != nil {
		return err
	}
	warnings := warning.NewStore(warning.DefaultCapacity)
	poison = warnings.Poison(poison)

	conn := connector.New(cc, source).WithTransactionManager(transaction.NewManager(30 * time.Second))
	if tracker != nil {
		conn.WithRedeliveryTracker(tracker)
	}

	var (
		policy     *reconnect.Policy
		escalation connector.EscalationHandler
	)
	if cfg.Reconnect.Enabled {
		policy = reconnect.New(cc.Name, cfg.ReconnectConfig()).OnExhausted(func(c *connector.Connector, err error) {
			warnings.Add(warning.CategoryReconnect, warning.SeverityCritical, fmt.Sprintf("reconnect exhausted: %v", err), c.Name())
			log.Error().Err(err).Str("connector", c.Name()).Msg("Reconnect exhausted, shutting down")
			mgr.Shutdown()
		})
		escalation = policy
		mgr.OnPhase(lifecycle.PhaseConnector, "reconnect-policy", func(context.Context) error {
			policy.Close()
			return nil
		})
	}
	conn.WithEscalation(warnings.Escalation(escalation))

	for _, rc := range cfg.Receivers {
		r, err := newReceiver(cfg, rc, conn, poison)
		if err != nil {
			return err
		}
		if err := conn.Register(ctx, r); err != nil {
			return fmt.Errorf("failed to register receiver %s: %w", rc.Name, err)
		}
	}

	live.Register("connector", health.ConnectorChecker{Connector: conn})
	ready.Register("connector", health.ConnectorChecker{Connector: conn, RequireStarted: true})

	mgr.OnPhase(lifecycle.PhaseDelivery, "connector-stop", conn.Stop)
	mgr.Register(lifecycle.Hook{
		Name:    "connector-dispose",
		Phase:   lifecycle.PhaseConnector,
		Timeout: cc.DisconnectGrace + 5*time.Second,
		Shutdown: func(ctx context.Context) error {
			conn.Dispose(ctx)
			return nil
		},
	})

	if err := conn.Start(ctx); err != nil {
		if policy == nil {
			return fmt.Errorf("failed to start connector: %w", err)
		}
		log.Warn().Err(err).Str("connector", cc.Name).Msg("Initial connect failed, reconnecting in background")
		policy.HandleConnectionFailure(ctx, conn, err)
	}

	server := newServer(cfg, conn, policy, store, warnings, live, ready)
	mgr.OnPhase(lifecycle.PhaseHTTP, "http", server.Shutdown)
	go func() {
		log.Info().Int("port", cfg.HTTP.Port).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
			mgr.Shutdown()
		}
	}()

	return mgr.Run(ctx)
}

// factorySource returns the directory source when a directory is configured,
// otherwise a direct source built from the [provider.<name>] section. Metadata
// is only known up front for a direct source.
func factorySource(ctx context.Context, cfg *config.Config, registry *provider.Registry, cc *connector.Config) (connector.FactorySource, *jms.Metadata, error) {
	var (
		dir directory.Directory
		err error
	)
	switch cfg.Directory.Kind {
	case config.DirectoryNone:
		f, err := registry.Build(ctx, cfg.Connector.Provider, cc.FactoryProperties)
		if err != nil {
			return nil, nil, err
		}
		// already applied by the builder
		cc.FactoryProperties = nil
		meta := f.Metadata()
		return connector.DirectSource{F: f}, &meta, nil
	case config.DirectoryVault:
		dir, err = vault.New(cfg.Directory.Vault)
	case config.DirectorySecretsManager:
		dir, err = awssm.New(ctx, cfg.Directory.SecretsManager)
	case config.DirectoryGCP:
		dir, err = gcpsm.New(ctx, cfg.Directory.GCP)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s directory: %w", cfg.Directory.Kind, err)
	}
	log.Info().Str("directory", cfg.Directory.Kind).Str("lookup", cfg.Connector.Lookup).Msg("Resolving connection factory through directory")
	return connector.NewDirectorySource(dir, registry, cfg.Connector.Lookup), nil, nil
}

// redeliveryTracker returns nil when the connector should pick the tracker
// from the factory metadata on connect
func redeliveryTracker(cfg *config.Config, meta *jms.Metadata, mgr *lifecycle.Manager, ready *health.Service) (redelivery.Tracker, error) {
	opts := redelivery.Options{Strategy: cfg.Redelivery.Strategy, Capacity: cfg.Redelivery.Capacity}
	if opts.Strategy == redelivery.StrategyRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redelivery.Redis.Addr,
			Password: cfg.Redelivery.Redis.Password,
			DB:       cfg.Redelivery.Redis.DB,
		})
		opts.Redis = client
		opts.RedisKey = cfg.Redelivery.Redis.Prefix
		opts.RedisTTL = cfg.Redelivery.Redis.TTL
		ready.Register("redis", health.CheckerFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
		mgr.OnPhase(lifecycle.PhaseStores, "redis", func(context.Context) error { return client.Close() })
	}

	switch {
	case meta != nil:
		return redelivery.New(opts, *meta)
	case opts.Strategy == "" || opts.Strategy == redelivery.StrategyAuto:
		return nil, nil
	default:
		return redelivery.New(opts, jms.Metadata{})
	}
}

func deadLetters(ctx context.Context, cfg *config.Config, mgr *lifecycle.Manager, ready *health.Service) (receiver.PoisonHandler, deadletter.Store, error) {
	switch cfg.DeadLetter.Sink {
	case config.DeadLetterMemory:
		store := deadletter.NewMemoryStore(cfg.DeadLetter.Capacity)
		return deadletter.NewHandler(config.DeadLetterMemory, store), store, nil
	case config.DeadLetterMongo:
		log.Info().Str("database", cfg.DeadLetter.Mongo.Database).Msg("Connecting to MongoDB")
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.DeadLetter.Mongo.URI))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			return nil, nil, fmt.Errorf("failed to ping MongoDB: %w", err)
		}
		store := deadletter.NewMongoStore(client.Database(cfg.DeadLetter.Mongo.Database), cfg.DeadLetter.Mongo.Collection)
		if err := store.EnsureIndexes(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to create dead letter indexes")
		}
		ready.Register("mongodb", health.CheckerFunc(store.Ping))
		mgr.OnPhase(lifecycle.PhaseStores, "mongodb", client.Disconnect)
		return deadletter.NewHandler(config.DeadLetterMongo, store), store, nil
	default:
		return deadletter.LogHandler{}, nil, nil
	}
}

func newReceiver(cfg *config.Config, rc config.ReceiverConfig, conn *connector.Connector, poison receiver.PoisonHandler) (connector.Receiver, error) {
	ep, err := endpoint.Parse(rc.Name, rc.Endpoint)
	if err != nil {
		return nil, err
	}
	handler, err := mediator.New(rc.Name, cfg.MediatorConfig(rc), conn, poison)
	if err != nil {
		return nil, fmt.Errorf("failed to create mediator for %s: %w", rc.Name, err)
	}

	opts := receiver.DefaultOptions()
	opts.Poison = poison
	opts.RateLimit = rc.RateLimit
	opts.RateBurst = rc.RateBurst
	if rc.Concurrency > 0 {
		opts.Concurrency = rc.Concurrency
	} else {
		opts.Concurrency = cfg.Connector.NumberOfConsumers
	}
	if rc.PollTimeout > 0 {
		opts.PollTimeout = rc.PollTimeout
	}
	opts.ReuseConsumer = rc.ReuseConsumer

	log.Info().
		Str("receiver", rc.Name).
		Str("endpoint", ep.String()).
		Bool("polling", rc.Polling).
		Int("concurrency", opts.Concurrency).
		Msg("Registering receiver")
	if rc.Polling {
		return receiver.NewPollingReceiver(conn, ep, handler, opts), nil
	}
	return receiver.NewConsumerPool(conn, ep, handler, opts), nil
}

func newServer(cfg *config.Config, conn *connector.Connector, policy *reconnect.Policy, store deadletter.Store, warnings *warning.Store, live, ready *health.Service) *http.Server {
	rcfg := api.RouterConfig{
		Connector:      api.NewConnectorHandler(conn, policy),
		Warnings:       api.NewWarningHandler(warnings),
		Health:         api.NewHealthHandler(live, ready),
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}
	if store != nil {
		rcfg.DeadLetters = api.NewDeadLetterHandler(store)
	}
	if cfg.Admin.JWTSecret != "" {
		auth, err := api.NewAuthenticator(cfg.Admin.JWTSecret, cfg.Admin.Issuer)
		if err != nil {
			log.Warn().Err(err).Msg("Admin API disabled")
		} else {
			rcfg.Auth = auth
		}
	} else {
		log.Warn().Msg("admin.jwt_secret not set, admin API disabled")
	}

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      api.NewRouter(rcfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
