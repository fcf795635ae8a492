// Package config loads service configuration from an optional YAML file and
// SIGNOUT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "SIGNOUT"

type Config struct {
	App          App          `mapstructure:"app"`
	Server       Server       `mapstructure:"server"`
	Session      Session      `mapstructure:"session"`
	Notification Notification `mapstructure:"notification"`
	Dispatch     Dispatch     `mapstructure:"dispatch"`
	Trust        Trust        `mapstructure:"trust"`
	Peers        []Peer       `mapstructure:"peers"`
	Federation   Federation   `mapstructure:"federation"`
	Ledger       Ledger       `mapstructure:"ledger"`
	Jobs         Jobs         `mapstructure:"jobs"`
	Redis        RedisConfig  `mapstructure:"redis"`
	Postgres     Postgres     `mapstructure:"postgres"`
	Kafka        Kafka        `mapstructure:"kafka"`
	OIDC         OIDC         `mapstructure:"oidc"`
	Log          Log          `mapstructure:"log"`
}

// App identifies this application inside the federation.
type App struct {
	ID string `mapstructure:"id"`
}

type Server struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type Session struct {
	SinglePerUser bool `mapstructure:"single_per_user"`
}

type Notification struct {
	SkewWindow time.Duration `mapstructure:"skew_window"`
}

type Dispatch struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	AttemptTimeout   time.Duration `mapstructure:"attempt_timeout"`
	Workers          int           `mapstructure:"workers"`
	QueueSize        int           `mapstructure:"queue_size"`
	Transport        string        `mapstructure:"transport"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// Trust lists originators accepted for every tenant plus per-tenant extras.
type Trust struct {
	Originators []string            `mapstructure:"originators"`
	Tenants     map[string][]string `mapstructure:"tenants"`
}

// Peer is another application in the federation. An empty Tenants list means
// the peer participates for every tenant.
type Peer struct {
	AppID   string   `mapstructure:"app_id"`
	URL     string   `mapstructure:"url"`
	Tenants []string `mapstructure:"tenants"`
}

// Federation holds this application's signing key and the public keys of the
// applications it accepts notifications from. Keys are PEM encoded Ed25519.
type Federation struct {
	PrivateKey string            `mapstructure:"private_key"`
	PublicKeys map[string]string `mapstructure:"public_keys"`
}

type Ledger struct {
	Retention time.Duration `mapstructure:"retention"`
}

type Jobs struct {
	SweepSchedule string        `mapstructure:"sweep_schedule"`
	SweepGrace    time.Duration `mapstructure:"sweep_grace"`
	GCSchedule    string        `mapstructure:"gc_schedule"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type Postgres struct {
	URL          string `mapstructure:"url"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type Kafka struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	Group   string   `mapstructure:"group"`
}

type OIDC struct {
	Authority    string `mapstructure:"authority"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("session.single_per_user", true)
	v.SetDefault("notification.skew_window", 5*time.Minute)
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.initial_backoff", 200*time.Millisecond)
	v.SetDefault("dispatch.max_backoff", 5*time.Second)
	v.SetDefault("dispatch.attempt_timeout", 5*time.Second)
	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.queue_size", 256)
	v.SetDefault("dispatch.transport", "http")
	v.SetDefault("dispatch.breaker_threshold", 5)
	v.SetDefault("dispatch.breaker_cooldown", 30*time.Second)
	v.SetDefault("ledger.retention", 24*time.Hour)
	v.SetDefault("jobs.sweep_schedule", "@every 1m")
	v.SetDefault("jobs.sweep_grace", 2*time.Minute)
	v.SetDefault("jobs.gc_schedule", "@every 1h")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("kafka.topic", "signout.notifications")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads path when non-empty, then overlays SIGNOUT_* variables
// (SIGNOUT_DISPATCH_MAX_ATTEMPTS overrides dispatch.max_attempts).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{"app.id", "federation.private_key", "redis.url", "postgres.url", "kafka.group",
		"oidc.authority", "oidc.client_id", "oidc.client_secret", "oidc.redirect_url"} {
		_ = v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// Comma-separated lists arrive as a single string from the environment.
	cfg.Trust.Originators = splitList(v.GetStringSlice("trust.originators"))
	cfg.Kafka.Brokers = splitList(v.GetStringSlice("kafka.brokers"))
	if cfg.Kafka.Group == "" {
		cfg.Kafka.Group = "signout-" + cfg.App.ID
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings the service cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.App.ID) == "" {
		errs = append(errs, errors.New("app.id is required"))
	}
	if c.Notification.SkewWindow <= 0 {
		errs = append(errs, errors.New("notification.skew_window must be positive"))
	}
	if c.Dispatch.MaxAttempts < 1 {
		errs = append(errs, errors.New("dispatch.max_attempts must be at least 1"))
	}
	if c.Ledger.Retention <= c.MinLedgerRetention() {
		errs = append(errs, errors.New("ledger.retention must exceed twice notification.skew_window"))
	}
	if strings.TrimSpace(c.Federation.PrivateKey) == "" {
		errs = append(errs, errors.New("federation.private_key is required"))
	}
	keyed := make(map[string]struct{}, len(c.Federation.PublicKeys))
	for app := range c.Federation.PublicKeys {
		keyed[strings.ToLower(app)] = struct{}{}
	}
	for _, app := range c.Trust.trusted() {
		if _, ok := keyed[strings.ToLower(app)]; !ok {
			errs = append(errs, fmt.Errorf("trusted originator %q has no federation.public_keys entry", app))
		}
	}
	switch c.Dispatch.Transport {
	case "http":
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers is required for the kafka transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("dispatch.transport %q is not supported", c.Dispatch.Transport))
	}
	for i, p := range c.Peers {
		if p.AppID == "" {
			errs = append(errs, fmt.Errorf("peers[%d].app_id is required", i))
		}
		if c.Dispatch.Transport == "http" && p.URL == "" {
			errs = append(errs, fmt.Errorf("peers[%d].url is required", i))
		}
	}
	return errors.Join(errs...)
}

// MinLedgerRetention is the shortest age at which an inbound entry may be
// purged. A notification dated skew in the future stays acceptable until
// skew after that, so its entry must outlive two skew windows.
func (c *Config) MinLedgerRetention() time.Duration {
	return 2 * c.Notification.SkewWindow
}

// TrustedFor returns the originators accepted for tenant.
func (t Trust) TrustedFor(tenant string) []string {
	out := append([]string{}, t.Originators...)
	return dedupeAndTrim(append(out, t.Tenants[tenant]...))
}

// trusted lists every originator trusted for any tenant.
func (t Trust) trusted() []string {
	out := append([]string{}, t.Originators...)
	for _, apps := range t.Tenants {
		out = append(out, apps...)
	}
	return dedupeAndTrim(out)
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		out = append(out, strings.Split(v, ",")...)
	}
	return dedupeAndTrim(out)
}

// dedupeAndTrim drops blanks and duplicates, keeping first-seen order.
func dedupeAndTrim(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
