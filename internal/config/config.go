// Package config loads the single YAML configuration file shared by all
// subcommands and exposes per-source API limits with hot reload.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nacsos/metacache/internal/models"
)

// DatabaseConfig is the meta-cache PostgreSQL connection.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// SolrConfig points at the OpenAlex Solr collection.
type SolrConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Collection string        `mapstructure:"collection"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// OpenAlexConfig is the works API used by the daily ingestor.
type OpenAlexConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// SourceLimit configures the rate-limited HTTP client for one source.
type SourceLimit struct {
	MaxRPS           float64       `mapstructure:"max_rps"`
	MaxRetries       int           `mapstructure:"max_retries"`
	TimeoutGrowth    float64       `mapstructure:"timeout_growth"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxPagesPerFetch int           `mapstructure:"max_pages_per_fetch"`
}

// WorkerConfig bounds one drainer invocation.
type WorkerConfig struct {
	MaxRuntime     time.Duration `mapstructure:"max_runtime"`
	BatchSize      int           `mapstructure:"batch_size"`
	MinAbstractLen int           `mapstructure:"min_abstract_len"`
	Sources        []string      `mapstructure:"sources"`
}

// Settings is the full configuration surface.
type Settings struct {
	LogLevel string `mapstructure:"log_level"`

	DB       DatabaseConfig `mapstructure:"db"`
	Solr     SolrConfig     `mapstructure:"solr"`
	OpenAlex OpenAlexConfig `mapstructure:"openalex"`

	RedisURL string `mapstructure:"redis_url"`
	AuthKey  string `mapstructure:"auth_key"`

	Worker WorkerConfig `mapstructure:"worker"`

	// SourceLimits maps source tags to client limits; missing tags fall
	// back to DefaultSourceLimit.
	SourceLimits map[string]SourceLimit `mapstructure:"source_limits"`
}

// DefaultSourceLimit is applied when a source has no override.
func DefaultSourceLimit() SourceLimit {
	return SourceLimit{
		MaxRPS:           2,
		MaxRetries:       3,
		TimeoutGrowth:    2,
		Timeout:          60 * time.Second,
		MaxPagesPerFetch: 10,
	}
}

// LimitFor returns the limit configured for source, defaults filled in.
func (s *Settings) LimitFor(source models.Source) SourceLimit {
	limit, ok := s.SourceLimits[strings.ToUpper(string(source))]
	if !ok {
		return DefaultSourceLimit()
	}
	def := DefaultSourceLimit()
	if limit.MaxRPS <= 0 {
		limit.MaxRPS = def.MaxRPS
	}
	if limit.MaxRetries <= 0 {
		limit.MaxRetries = def.MaxRetries
	}
	if limit.TimeoutGrowth <= 1 {
		limit.TimeoutGrowth = def.TimeoutGrowth
	}
	if limit.Timeout <= 0 {
		limit.Timeout = def.Timeout
	}
	if limit.MaxPagesPerFetch <= 0 {
		limit.MaxPagesPerFetch = def.MaxPagesPerFetch
	}
	return limit
}

// WorkerSources resolves the configured source list, defaulting to the
// standard drain order.
func (s *Settings) WorkerSources() ([]models.Source, error) {
	if len(s.Worker.Sources) == 0 {
		return models.AllSources(), nil
	}
	out := make([]models.Source, 0, len(s.Worker.Sources))
	for _, tag := range s.Worker.Sources {
		src := models.Source(strings.ToUpper(tag))
		if !src.Valid() {
			return nil, fmt.Errorf("unknown source %q", tag)
		}
		out = append(out, src)
	}
	return out, nil
}

// ResolvePath picks the config file: the explicit path, the
// METACACHE_CONFIG environment variable, or the in-tree default.
func ResolvePath(path string) string {
	if path == "" {
		path = os.Getenv("METACACHE_CONFIG")
	}
	if path == "" {
		path = "config/metacache.yaml"
	}
	return path
}

// Load reads settings from path, or from the METACACHE_CONFIG environment
// variable when path is empty.
func Load(path string) (*Settings, error) {
	path = ResolvePath(path)

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("METACACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// viper lowercases map keys; source tags are upper-case everywhere else
	if len(s.SourceLimits) > 0 {
		norm := make(map[string]SourceLimit, len(s.SourceLimits))
		for tag, limit := range s.SourceLimits {
			norm[strings.ToUpper(tag)] = limit
		}
		s.SourceLimits = norm
	}
	return &s, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.database", "meta_cache")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("solr.base_url", "http://localhost:8983")
	v.SetDefault("solr.collection", "openalex")
	v.SetDefault("solr.timeout", "240s")
	v.SetDefault("openalex.base_url", "https://api.openalex.org")
	v.SetDefault("worker.max_runtime", "5m")
	v.SetDefault("worker.batch_size", 25)
	v.SetDefault("worker.min_abstract_len", 25)
}
