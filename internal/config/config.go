package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/infrahub-project/infrahub-core/internal/logging"
)

// Config holds everything the core needs to open a backend connection,
// bound its concurrency, and log — nothing about schema content, the
// GraphQL surface, or any other application-level concern.
type Config struct {
	Backend     BackendConfig     `yaml:"backend"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Logging     logging.Config    `yaml:"-"`
}

// BackendConfig is the connection information for the property-graph
// backend. URI determines which store.Backend implementation a caller
// should construct: a "bolt://" or "neo4j://" URI selects Neo4jBackend,
// an empty URI or a file path selects the embedded BoltBackend.
type BackendConfig struct {
	URI             string        `yaml:"uri" mapstructure:"uri"`
	Username        string        `yaml:"username" mapstructure:"username"`
	Password        string        `yaml:"password" mapstructure:"password"`
	Database        string        `yaml:"database" mapstructure:"database"`
	LocalPath       string        `yaml:"local_path" mapstructure:"local_path"` // BoltBackend file, when URI is empty
	MaxPoolSize     int           `yaml:"max_pool_size" mapstructure:"max_pool_size"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout" mapstructure:"acquire_timeout"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" mapstructure:"max_conn_lifetime"`
}

// ConcurrencyConfig sizes the registry's concurrency controls (§5's
// resource model): MaxConcurrentOperations sizes the weighted semaphore
// behind registry.Acquire and RunGuarded, RateLimitPerSecond sets the
// rate limiter behind registry.Allow. The node manager, diff and merge
// functions take neither themselves.
type ConcurrencyConfig struct {
	MaxConcurrentOperations int     `yaml:"max_concurrent_operations" mapstructure:"max_concurrent_operations"`
	RateLimitPerSecond      float64 `yaml:"rate_limit_per_second" mapstructure:"rate_limit_per_second"`
}

// Default returns a configuration pointed at the embedded Bolt backend
// with conservative concurrency limits, suitable for tests and local
// development without a running Neo4j instance.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			LocalPath:       "infrahub-core.db",
			MaxPoolSize:     50,
			ConnectTimeout:  5 * time.Second,
			AcquireTimeout:  60 * time.Second,
			MaxConnLifetime: time.Hour,
		},
		Concurrency: ConcurrencyConfig{
			MaxConcurrentOperations: 16,
			RateLimitPerSecond:      50,
		},
		Logging: logging.DefaultConfig(false),
	}
}

// Load reads configuration from an optional file plus environment
// variables (prefixed INFRAHUB_CORE_), falling back to Default() for
// anything unset. With an empty path, a missing infrahub-core file in
// the working directory is not an error; an explicit path that cannot
// be read is.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	v := viper.New()
	v.SetConfigType("yaml")

	cfg := Default()
	v.SetDefault("backend", cfg.Backend)
	v.SetDefault("concurrency", cfg.Concurrency)

	v.SetEnvPrefix("INFRAHUB_CORE")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("infrahub-core")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func loadEnvFiles() {
	for _, file := range []string{".env.local", ".env"} {
		if _, err := os.Stat(file); err == nil {
			_ = godotenv.Load(file)
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if uri := os.Getenv("NEO4J_URI"); uri != "" {
		cfg.Backend.URI = uri
	}
	if user := os.Getenv("NEO4J_USER"); user != "" {
		cfg.Backend.Username = user
	}
	if pass := os.Getenv("NEO4J_PASSWORD"); pass != "" {
		cfg.Backend.Password = pass
	}
	if db := os.Getenv("NEO4J_DATABASE"); db != "" {
		cfg.Backend.Database = db
	}
}
