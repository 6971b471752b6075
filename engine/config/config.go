// Package config loads the lease queue configuration: a YAML file, an
// optional .env file, and environment overrides, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/domain"
)

// Cache backends.
const (
	CacheFile     = "file"
	CacheNeo4j    = "neo4j"
	CachePostgres = "postgres"
)

var ErrInvalidConfig = errors.New("invalid config")

// Provider is the per-provider tuning. It is passed by value; nothing holds
// a pointer into the loaded Config.
type Provider struct {
	Name            domain.Provider `yaml:"-"`
	DisplayName     string          `yaml:"display_name"`
	Enabled         bool            `yaml:"enabled"`
	Country         string          `yaml:"country"`
	Currency        string          `yaml:"currency"`
	Brands          []string        `yaml:"brands"`
	Endpoint        string          `yaml:"endpoint"`
	Timeout         time.Duration   `yaml:"timeout"`
	MaxConcurrency  int             `yaml:"max_concurrency"`
	MinRequestDelay time.Duration   `yaml:"min_request_delay"`
	FreshnessMaxAge time.Duration   `yaml:"freshness_max_age"`
	MaxRetries      int             `yaml:"max_retries"`
	BackoffBase     time.Duration   `yaml:"backoff_base"`
	BackoffMax      time.Duration   `yaml:"backoff_max"`
	BreakerFailures int             `yaml:"breaker_failures"`
	BreakerCooldown time.Duration   `yaml:"breaker_cooldown"`
}

// Validate rejects settings the worker cannot run with.
func (p Provider) Validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("%w: provider without name", ErrInvalidConfig)
	case p.MaxConcurrency < 1:
		return fmt.Errorf("%w: %s: max_concurrency must be >= 1", ErrInvalidConfig, p.Name)
	case p.MinRequestDelay < 0:
		return fmt.Errorf("%w: %s: min_request_delay must be >= 0", ErrInvalidConfig, p.Name)
	case p.FreshnessMaxAge <= 0:
		return fmt.Errorf("%w: %s: freshness_max_age must be > 0", ErrInvalidConfig, p.Name)
	case p.MaxRetries < 0:
		return fmt.Errorf("%w: %s: max_retries must be >= 0", ErrInvalidConfig, p.Name)
	case p.BackoffBase <= 0 || p.BackoffMax < p.BackoffBase:
		return fmt.Errorf("%w: %s: need 0 < backoff_base <= backoff_max", ErrInvalidConfig, p.Name)
	}
	return nil
}

// Cache selects and configures the offer cache backend.
type Cache struct {
	Backend     string `yaml:"backend"`
	Dir         string `yaml:"dir"`
	Neo4jURL    string `yaml:"neo4j_url"`
	Neo4jUser   string `yaml:"neo4j_user"`
	Neo4jPass   string `yaml:"neo4j_pass"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Config is the full runtime configuration.
type Config struct {
	StateDir    string `yaml:"state_dir"`
	Cache       Cache  `yaml:"cache"`
	NATSURL     string `yaml:"nats_url"`
	MetricsAddr string `yaml:"metrics_addr"`
	ScraperURL  string `yaml:"scraper_url"`
	// Overlap is "changed" or "stale"; see detect.Overlap.
	Overlap   string              `yaml:"overlap"`
	Defaults  Provider            `yaml:"defaults"`
	Providers map[string]Provider `yaml:"-"`
}

// fileConfig is the on-disk shape. Provider sections are decoded over a copy
// of the defaults so they only need to name what differs.
type fileConfig struct {
	Config    `yaml:",inline"`
	Providers map[string]yaml.Node `yaml:"providers"`
}

// DefaultProvider holds the settings every provider starts from.
var DefaultProvider = Provider{
	Enabled:         true,
	Country:         "NL",
	Currency:        "EUR",
	Timeout:         2 * time.Minute,
	MaxConcurrency:  1,
	MinRequestDelay: time.Second,
	FreshnessMaxAge: 7 * 24 * time.Hour,
	MaxRetries:      3,
	BackoffBase:     5 * time.Second,
	BackoffMax:      10 * time.Minute,
	BreakerFailures: 5,
	BreakerCooldown: time.Minute,
}

// builtin is the provider table used when the config file names none.
var builtin = map[domain.Provider]func(Provider) Provider{
	domain.ProviderToyotaNL: func(p Provider) Provider {
		p.DisplayName, p.MinRequestDelay, p.Brands = "Toyota Netherlands", 3*time.Second, []string{"Toyota"}
		return p
	},
	domain.ProviderSuzukiNL: func(p Provider) Provider {
		p.DisplayName, p.MinRequestDelay, p.Brands = "Suzuki Netherlands", 3*time.Second, []string{"Suzuki"}
		return p
	},
	domain.ProviderAyvensNL: func(p Provider) Provider {
		p.DisplayName, p.MinRequestDelay, p.Brands = "Ayvens Netherlands", 2*time.Second, []string{"Toyota", "Suzuki"}
		return p
	},
	domain.ProviderLeasysNL: func(p Provider) Provider {
		p.DisplayName, p.MinRequestDelay, p.Brands = "Leasys Netherlands", 3*time.Second, []string{"Toyota", "Suzuki"}
		return p
	},
}

// Default returns the built-in configuration.
func Default() Config {
	c := Config{
		StateDir:    "data",
		Cache:       Cache{Backend: CacheFile},
		MetricsAddr: ":9464",
		Overlap:     "changed",
		Defaults:    DefaultProvider,
		Providers:   map[string]Provider{},
	}
	for name, mk := range builtin {
		p := mk(c.Defaults)
		p.Name = name
		c.Providers[string(name)] = p
	}
	return c
}

// Load reads .env (if present), then path (if non-empty), then applies
// environment overrides.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("config: no .env file, using process environment")
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if cfg, err = Parse(data); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes a YAML document over the built-in defaults. When the
// document lists providers, only those providers are configured.
func Parse(data []byte) (Config, error) {
	fc := fileConfig{Config: Default()}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg := fc.Config
	if len(fc.Providers) == 0 {
		// Re-derive the built-in table from possibly overridden defaults.
		for name, mk := range builtin {
			p := mk(cfg.Defaults)
			p.Name = name
			cfg.Providers[string(name)] = p
		}
		return cfg, nil
	}

	cfg.Providers = make(map[string]Provider, len(fc.Providers))
	for name, node := range fc.Providers {
		p := cfg.Defaults
		if mk, ok := builtin[domain.Provider(name)]; ok {
			p = mk(p)
		}
		if known, ok := domain.KnownProviders[domain.Provider(name)]; ok {
			p.Country, p.Currency = known.Country, known.Currency
		}
		if err := node.Decode(&p); err != nil {
			return Config{}, fmt.Errorf("%w: provider %s: %v", ErrInvalidConfig, name, err)
		}
		p.Name = domain.Provider(name)
		cfg.Providers[name] = p
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.StateDir, "LEASEQUEUE_STATE_DIR")
	setString(&c.Cache.Backend, "LEASEQUEUE_CACHE")
	setString(&c.Cache.Dir, "LEASEQUEUE_CACHE_DIR")
	setString(&c.NATSURL, "NATS_URL")
	setString(&c.Cache.Neo4jURL, "NEO4J_URL")
	setString(&c.Cache.Neo4jUser, "NEO4J_USER")
	setString(&c.Cache.Neo4jPass, "NEO4J_PASS")
	setString(&c.Cache.PostgresDSN, "POSTGRES_DSN")
	setString(&c.MetricsAddr, "LEASEQUEUE_METRICS_ADDR")
	setString(&c.ScraperURL, "LEASEQUEUE_SCRAPER_URL")

	if n, ok := envInt("LEASEQUEUE_MAX_RETRIES"); ok {
		for name, p := range c.Providers {
			p.MaxRetries = n
			c.Providers[name] = p
		}
	}
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	switch c.Cache.Backend {
	case CacheFile, CacheNeo4j, CachePostgres:
	default:
		return fmt.Errorf("%w: unknown cache backend %q", ErrInvalidConfig, c.Cache.Backend)
	}
	if c.Cache.Backend == CacheNeo4j && c.Cache.Neo4jURL == "" {
		return fmt.Errorf("%w: neo4j cache needs neo4j_url", ErrInvalidConfig)
	}
	if c.Cache.Backend == CachePostgres && c.Cache.PostgresDSN == "" {
		return fmt.Errorf("%w: postgres cache needs postgres_dsn", ErrInvalidConfig)
	}
	if c.Overlap != "changed" && c.Overlap != "stale" {
		return fmt.Errorf("%w: overlap must be changed or stale, got %q", ErrInvalidConfig, c.Overlap)
	}
	for _, p := range c.Providers {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Provider returns the settings for one provider by value.
func (c Config) Provider(name domain.Provider) (Provider, error) {
	p, ok := c.Providers[string(name)]
	if !ok {
		return Provider{}, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, name)
	}
	return p, nil
}

// Enabled returns the enabled providers sorted by name.
func (c Config) Enabled() []Provider {
	var out []Provider
	for _, p := range c.Providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CacheDir returns the file cache directory.
func (c Config) CacheDir() string {
	if c.Cache.Dir != "" {
		return c.Cache.Dir
	}
	return c.StateDir + "/cache"
}

// QueueDir returns the queue partition directory.
func (c Config) QueueDir() string {
	return c.StateDir + "/queue"
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("config: ignoring non-integer env value", "key", key, "value", v)
		return 0, false
	}
	return n, true
}
