// Package config loads the connector service configuration from a TOML
// file with CONNECTOR_* environment overrides
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"go.flowcatalyst.tech/connector/internal/connector"
	"go.flowcatalyst.tech/connector/internal/directory/awssm"
	"go.flowcatalyst.tech/connector/internal/directory/gcpsm"
	"go.flowcatalyst.tech/connector/internal/directory/vault"
	"go.flowcatalyst.tech/connector/internal/endpoint"
	"go.flowcatalyst.tech/connector/internal/jms"
	"go.flowcatalyst.tech/connector/internal/mediator"
	"go.flowcatalyst.tech/connector/internal/reconnect"
	"go.flowcatalyst.tech/connector/internal/redelivery"
)

// Directory kinds
const (
	DirectoryNone           = ""
	DirectoryVault          = "vault"
	DirectorySecretsManager = "secretsmanager"
	DirectoryGCP            = "gcp"
)

// Dead letter sinks
const (
	DeadLetterLog    = "log"
	DeadLetterMemory = "memory"
	DeadLetterMongo  = "mongo"
)

// Config is the whole service configuration
type Config struct {
	HTTP       HTTPConfig                   `toml:"http"`
	Log        LogConfig                    `toml:"log"`
	Connector  ConnectorConfig              `toml:"connector"`
	Providers  map[string]map[string]string `toml:"provider"`
	Directory  DirectoryConfig              `toml:"directory"`
	Redelivery RedeliveryConfig             `toml:"redelivery"`
	Reconnect  ReconnectConfig              `toml:"reconnect"`
	DeadLetter DeadLetterConfig             `toml:"deadletter"`
	Mediator   MediatorConfig               `toml:"mediator"`
	Admin      AdminConfig                  `toml:"admin"`
	Receivers  []ReceiverConfig             `toml:"receivers"`
}

type HTTPConfig struct {
	Port           int      `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type LogConfig struct {
	Level string `toml:"level"`
	// Console switches to the human readable writer
	Console bool `toml:"console"`
}

// ConnectorConfig mirrors connector.Config
type ConnectorConfig struct {
	Name string `toml:"name"`
	// Provider selects a [provider.<name>] section for a direct factory
	Provider string `toml:"provider"`
	// Lookup is the directory name of the factory descriptor
	Lookup                  string            `toml:"lookup"`
	Username                string            `toml:"username"`
	Password                string            `toml:"password"`
	ClientID                string            `toml:"client_id"`
	AckMode                 string            `toml:"ack_mode"`
	Durable                 bool              `toml:"durable"`
	NoLocal                 bool              `toml:"no_local"`
	PersistentDelivery      bool              `toml:"persistent_delivery"`
	HonorQoSHeaders         bool              `toml:"honor_qos_headers"`
	CacheSessions           bool              `toml:"cache_sessions"`
	EagerConsumer           bool              `toml:"eager_consumer"`
	Embedded                bool              `toml:"embedded"`
	MaxRedelivery           int               `toml:"max_redelivery"`
	DisableTemporaryReplyTo bool              `toml:"disable_temporary_reply_to"`
	StartOnConnect          bool              `toml:"start_on_connect"`
	NumberOfConsumers       int               `toml:"number_of_consumers"`
	DisconnectGrace         time.Duration     `toml:"disconnect_grace"`
	FactoryProperties       map[string]string `toml:"factory_properties"`
}

type DirectoryConfig struct {
	Kind           string       `toml:"kind"`
	Vault          vault.Config `toml:"vault"`
	SecretsManager awssm.Config `toml:"secretsmanager"`
	GCP            gcpsm.Config `toml:"gcp"`
}

type RedeliveryConfig struct {
	Strategy string      `toml:"strategy"`
	Capacity int         `toml:"capacity"`
	Redis    RedisConfig `toml:"redis"`
}

type RedisConfig struct {
	Addr     string        `toml:"addr"`
	Password string        `toml:"password"`
	DB       int           `toml:"db"`
	Prefix   string        `toml:"prefix"`
	TTL      time.Duration `toml:"ttl"`
}

type ReconnectConfig struct {
	Enabled         bool          `toml:"enabled"`
	InitialInterval time.Duration `toml:"initial_interval"`
	MaxInterval     time.Duration `toml:"max_interval"`
	Multiplier      float64       `toml:"multiplier"`
	MaxAttempts     uint64        `toml:"max_attempts"`
	BreakerFailures uint32        `toml:"breaker_failures"`
	BreakerTimeout  time.Duration `toml:"breaker_timeout"`
}

type DeadLetterConfig struct {
	Sink     string      `toml:"sink"`
	Capacity int         `toml:"capacity"`
	Mongo    MongoConfig `toml:"mongo"`
}

type MongoConfig struct {
	URI        string `toml:"uri"`
	Database   string `toml:"database"`
	Collection string `toml:"collection"`
}

type MediatorConfig struct {
	Target         string            `toml:"target"`
	AuthToken      string            `toml:"auth_token"`
	Headers        map[string]string `toml:"headers"`
	Timeout        time.Duration     `toml:"timeout"`
	MaxRetries     int               `toml:"max_retries"`
	BaseBackoff    time.Duration     `toml:"base_backoff"`
	MaxDelay       time.Duration     `toml:"max_delay"`
	Reply          bool              `toml:"reply"`
	CircuitBreaker bool              `toml:"circuit_breaker"`
}

type AdminConfig struct {
	JWTSecret string `toml:"jwt_secret"`
	Issuer    string `toml:"issuer"`
}

// ReceiverConfig declares one inbound endpoint
type ReceiverConfig struct {
	Name string `toml:"name"`
	// Endpoint is a jms:// URI
	Endpoint    string  `toml:"endpoint"`
	Concurrency int     `toml:"concurrency"`
	RateLimit   float64 `toml:"rate_limit"`
	RateBurst   int     `toml:"rate_burst"`
	// Polling uses a PollingReceiver instead of listener consumers
	Polling       bool          `toml:"polling"`
	PollTimeout   time.Duration `toml:"poll_timeout"`
	ReuseConsumer bool          `toml:"reuse_consumer"`
	// Target overrides the mediator target for this receiver
	Target string `toml:"target"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	cc := connector.DefaultConfig()
	rc := reconnect.DefaultConfig()
	mc := mediator.DefaultConfig()
	return &Config{
		HTTP: HTTPConfig{Port: 8080},
		Log:  LogConfig{Level: "info"},
		Connector: ConnectorConfig{
			Name:              cc.Name,
			Provider:          "memory",
			AckMode:           cc.AckMode.String(),
			CacheSessions:     cc.CacheSessions,
			EagerConsumer:     cc.EagerConsumer,
			NumberOfConsumers: cc.NumberOfConsumers,
			DisconnectGrace:   cc.DisconnectGrace,
		},
		Providers: map[string]map[string]string{},
		Directory: DirectoryConfig{
			Vault: vault.DefaultConfig(),
			GCP:   gcpsm.Config{Version: "latest"},
		},
		Redelivery: RedeliveryConfig{Strategy: redelivery.StrategyAuto, Capacity: redelivery.DefaultCapacity},
		Reconnect: ReconnectConfig{
			Enabled:         true,
			InitialInterval: rc.InitialInterval,
			MaxInterval:     rc.MaxInterval,
			Multiplier:      rc.Multiplier,
			MaxAttempts:     rc.MaxAttempts,
			BreakerFailures: rc.BreakerFailures,
			BreakerTimeout:  rc.BreakerTimeout,
		},
		DeadLetter: DeadLetterConfig{
			Sink:     DeadLetterLog,
			Capacity: 1000,
			Mongo:    MongoConfig{Database: "connector"},
		},
		Mediator: MediatorConfig{
			Timeout:        mc.Timeout,
			MaxRetries:     mc.MaxRetries,
			BaseBackoff:    mc.BaseBackoff,
			MaxDelay:       mc.MaxDelay,
			Reply:          mc.Reply,
			CircuitBreaker: mc.CircuitBreakerEnabled,
		},
		Admin: AdminConfig{Issuer: "connector"},
	}
}

// Load reads path (when not empty) over the defaults, then applies the
// environment and validates
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}
	if err := cfg.ApplyEnv(os.Environ()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from CONNECTOR_* variables given as KEY=value
// pairs. CONNECTOR_PROP_<KEY> sets a factory property; the key is lower-cased.
func (c *Config) ApplyEnv(environ []string) error {
	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		if name, value, ok := strings.Cut(kv, "="); ok {
			vars[name] = value
		}
	}
	e := envReader{vars: vars}
	e.setInt("CONNECTOR_HTTP_PORT", &c.HTTP.Port)
	e.setList("CONNECTOR_HTTP_ALLOWED_ORIGINS", &c.HTTP.AllowedOrigins)
	e.setString("CONNECTOR_LOG_LEVEL", &c.Log.Level)
	e.setBool("CONNECTOR_DEV", &c.Log.Console)

	e.setString("CONNECTOR_NAME", &c.Connector.Name)
	e.setString("CONNECTOR_PROVIDER", &c.Connector.Provider)
	e.setString("CONNECTOR_LOOKUP", &c.Connector.Lookup)
	e.setString("CONNECTOR_USERNAME", &c.Connector.Username)
	e.setString("CONNECTOR_PASSWORD", &c.Connector.Password)
	e.setString("CONNECTOR_CLIENT_ID", &c.Connector.ClientID)
	e.setString("CONNECTOR_ACK_MODE", &c.Connector.AckMode)
	e.setInt("CONNECTOR_MAX_REDELIVERY", &c.Connector.MaxRedelivery)
	e.setInt("CONNECTOR_NUMBER_OF_CONSUMERS", &c.Connector.NumberOfConsumers)
	e.setBool("CONNECTOR_START_ON_CONNECT", &c.Connector.StartOnConnect)

	e.setString("CONNECTOR_DIRECTORY", &c.Directory.Kind)
	e.setString("CONNECTOR_VAULT_ADDR", &c.Directory.Vault.Address)
	e.setString("CONNECTOR_VAULT_TOKEN", &c.Directory.Vault.Token)
	e.setString("CONNECTOR_AWS_REGION", &c.Directory.SecretsManager.Region)
	e.setString("CONNECTOR_GCP_PROJECT", &c.Directory.GCP.Project)

	e.setString("CONNECTOR_REDELIVERY_STRATEGY", &c.Redelivery.Strategy)
	e.setString("CONNECTOR_REDIS_ADDR", &c.Redelivery.Redis.Addr)
	e.setString("CONNECTOR_REDIS_PASSWORD", &c.Redelivery.Redis.Password)

	e.setBool("CONNECTOR_RECONNECT_ENABLED", &c.Reconnect.Enabled)

	e.setString("CONNECTOR_DEADLETTER_SINK", &c.DeadLetter.Sink)
	e.setString("CONNECTOR_MONGO_URI", &c.DeadLetter.Mongo.URI)
	e.setString("CONNECTOR_MONGO_DATABASE", &c.DeadLetter.Mongo.Database)

	e.setString("CONNECTOR_MEDIATOR_TARGET", &c.Mediator.Target)
	e.setString("CONNECTOR_MEDIATOR_AUTH_TOKEN", &c.Mediator.AuthToken)
	e.setDuration("CONNECTOR_MEDIATOR_TIMEOUT", &c.Mediator.Timeout)

	e.setString("CONNECTOR_ADMIN_JWT_SECRET", &c.Admin.JWTSecret)

	for name, value := range vars {
		key, ok := strings.CutPrefix(name, "CONNECTOR_PROP_")
		if !ok || key == "" {
			continue
		}
		if c.Connector.FactoryProperties == nil {
			c.Connector.FactoryProperties = map[string]string{}
		}
		c.Connector.FactoryProperties[strings.ToLower(key)] = value
	}
	return errors.Join(e.errs...)
}

// Validate checks the configuration is usable
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.Connector.Name == "" {
		errs = append(errs, errors.New("connector.name is required"))
	}
	if _, ok := jms.ParseAckMode(c.Connector.AckMode); !ok {
		errs = append(errs, fmt.Errorf("connector.ack_mode %q is not one of auto, client, dups-ok, transacted", c.Connector.AckMode))
	}
	if c.Connector.MaxRedelivery < -1 {
		errs = append(errs, errors.New("connector.max_redelivery must be -1 or more"))
	}

	switch c.Directory.Kind {
	case DirectoryNone:
		if c.Connector.Provider == "" {
			errs = append(errs, errors.New("connector.provider is required without a directory"))
		}
	case DirectoryVault:
		if c.Directory.Vault.Address == "" {
			errs = append(errs, errors.New("directory.vault.address is required"))
		}
	case DirectorySecretsManager:
	case DirectoryGCP:
		if c.Directory.GCP.Project == "" {
			errs = append(errs, errors.New("directory.gcp.project is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown directory.kind %q", c.Directory.Kind))
	}
	if c.Directory.Kind != DirectoryNone && c.Connector.Lookup == "" {
		errs = append(errs, errors.New("connector.lookup is required with a directory"))
	}

	switch c.Redelivery.Strategy {
	case "", redelivery.StrategyAuto, redelivery.StrategyCounting, redelivery.StrategyDeliveryCount:
	case redelivery.StrategyRedis:
		if c.Redelivery.Redis.Addr == "" {
			errs = append(errs, errors.New("redelivery.redis.addr is required for the redis strategy"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown redelivery.strategy %q", c.Redelivery.Strategy))
	}

	switch c.DeadLetter.Sink {
	case DeadLetterLog, DeadLetterMemory:
	case DeadLetterMongo:
		if c.DeadLetter.Mongo.URI == "" {
			errs = append(errs, errors.New("deadletter.mongo.uri is required for the mongo sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown deadletter.sink %q", c.DeadLetter.Sink))
	}

	if c.Admin.JWTSecret != "" && len(c.Admin.JWTSecret) < 32 {
		errs = append(errs, errors.New("admin.jwt_secret must be at least 32 bytes"))
	}

	names := make(map[string]bool, len(c.Receivers))
	for i, r := range c.Receivers {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("receivers[%d].name is required", i))
		} else if names[r.Name] {
			errs = append(errs, fmt.Errorf("duplicate receiver %q", r.Name))
		}
		names[r.Name] = true
		if _, err := endpoint.Parse(r.Name, r.Endpoint); err != nil {
			errs = append(errs, fmt.Errorf("receivers[%d]: %w", i, err))
		}
		if r.Target == "" && c.Mediator.Target == "" {
			errs = append(errs, fmt.Errorf("receivers[%d] has no target and mediator.target is empty", i))
		}
	}
	return errors.Join(errs...)
}

// ConnectorConfig converts the [connector] section. The factory properties
// are the selected [provider.<name>] section overlaid with
// connector.factory_properties.
func (c *Config) ConnectorConfig() *connector.Config {
	mode, _ := jms.ParseAckMode(c.Connector.AckMode)
	cc := connector.DefaultConfig()
	cc.Name = c.Connector.Name
	cc.AckMode = mode
	cc.ClientID = c.Connector.ClientID
	cc.Durable = c.Connector.Durable
	cc.NoLocal = c.Connector.NoLocal
	cc.PersistentDelivery = c.Connector.PersistentDelivery
	cc.HonorQoSHeaders = c.Connector.HonorQoSHeaders
	cc.CacheSessions = c.Connector.CacheSessions
	cc.EagerConsumer = c.Connector.EagerConsumer
	cc.Username = c.Connector.Username
	cc.Password = c.Connector.Password
	cc.EmbeddedMode = c.Connector.Embedded
	cc.MaxRedelivery = c.Connector.MaxRedelivery
	cc.DisableTemporaryReplyTo = c.Connector.DisableTemporaryReplyTo
	cc.StartOnConnect = c.Connector.StartOnConnect
	cc.NumberOfConsumers = c.Connector.NumberOfConsumers
	cc.DisconnectGrace = c.Connector.DisconnectGrace
	cc.FactoryProperties = c.FactoryProperties()
	return cc
}

// FactoryProperties returns the properties for the selected provider
func (c *Config) FactoryProperties() map[string]string {
	props := make(map[string]string)
	if c.Directory.Kind == DirectoryNone {
		for k, v := range c.Providers[c.Connector.Provider] {
			props[k] = v
		}
	}
	for k, v := range c.Connector.FactoryProperties {
		props[k] = v
	}
	return props
}

// ReconnectConfig converts the [reconnect] section
func (c *Config) ReconnectConfig() *reconnect.Config {
	return &reconnect.Config{
		InitialInterval: c.Reconnect.InitialInterval,
		MaxInterval:     c.Reconnect.MaxInterval,
		Multiplier:      c.Reconnect.Multiplier,
		MaxAttempts:     c.Reconnect.MaxAttempts,
		BreakerFailures: c.Reconnect.BreakerFailures,
		BreakerTimeout:  c.Reconnect.BreakerTimeout,
	}
}

// MediatorConfig converts the [mediator] section for a receiver
func (c *Config) MediatorConfig(r ReceiverConfig) *mediator.Config {
	mc := mediator.DefaultConfig()
	mc.Target = c.Mediator.Target
	if r.Target != "" {
		mc.Target = r.Target
	}
	mc.AuthToken = c.Mediator.AuthToken
	mc.Headers = c.Mediator.Headers
	mc.Timeout = c.Mediator.Timeout
	mc.MaxRetries = c.Mediator.MaxRetries
	mc.BaseBackoff = c.Mediator.BaseBackoff
	mc.MaxDelay = c.Mediator.MaxDelay
	mc.Reply = c.Mediator.Reply
	mc.CircuitBreakerEnabled = c.Mediator.CircuitBreaker
	return mc
}

type envReader struct {
	vars map[string]string
	errs []error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := e.vars[key]
	return v, ok
}

func (e *envReader) setString(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) setList(key string, dst *[]string) {
	if v, ok := e.lookup(key); ok {
		*dst = nil
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				*dst = append(*dst, s)
			}
		}
	}
}

func (e *envReader) setInt(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) setBool(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) setDuration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}
