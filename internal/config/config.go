// Package config loads and validates the JournalRelay YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/njoerd114/journalrelay/internal/backend"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// Backend names the record store to import into.
	Backend string `yaml:"backend" validate:"required,oneof=nocodb teable grist sqlite"`

	NocoDB *HostedConfig `yaml:"nocodb,omitempty"`
	Teable *HostedConfig `yaml:"teable,omitempty"`
	Grist  *GristConfig  `yaml:"grist,omitempty"`
	SQLite *SQLiteConfig `yaml:"sqlite,omitempty"`

	// Tables overrides the default table names ("journal_entries" and
	// "journal_attachments").
	Tables TablesConfig `yaml:"tables"`

	// BatchSize caps the number of records per create request. It is
	// further clamped to what the backend accepts. Zero uses the backend
	// maximum.
	BatchSize int `yaml:"batch_size" validate:"gte=0,lte=1000"`

	// RequestTimeout bounds each single backend request. Defaults to 30s.
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gte=0"`

	// RetryAttempts is the total number of tries per request, including
	// the first. Defaults to 3.
	RetryAttempts int `yaml:"retry_attempts" validate:"gte=0,lte=10"`

	// CircuitBreaker tunes the breaker in front of hosted backends.
	CircuitBreaker *BreakerConfig `yaml:"circuit_breaker,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`

	Log LogConfig `yaml:"log"`

	// StateDB is the local run history database. Defaults to
	// ~/.local/share/journalrelay/runs.db.
	StateDB string `yaml:"state_db"`
}

// HostedConfig addresses a NocoDB or Teable base.
type HostedConfig struct {
	// URL is the server's base URL, e.g. "https://app.nocodb.com".
	URL string `yaml:"url" validate:"required,http_url"`

	// Token is the API token. ${VAR} references are expanded.
	Token string `yaml:"token" validate:"required"`

	// BaseID is the base holding the journal tables.
	BaseID string `yaml:"base_id" validate:"required"`
}

// GristConfig addresses a Grist document.
type GristConfig struct {
	URL   string `yaml:"url" validate:"required,http_url"`
	Token string `yaml:"token" validate:"required"`
	DocID string `yaml:"doc_id" validate:"required"`
}

// SQLiteConfig points at the local database file. An empty path uses
// ~/.local/share/journalrelay/journal.db.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type TablesConfig struct {
	Entries     string `yaml:"entries" validate:"omitempty,max=64"`
	Attachments string `yaml:"attachments" validate:"omitempty,max=64,nefield=Entries"`
}

type BreakerConfig struct {
	// Failures is the number of consecutive transport failures that open
	// the breaker.
	Failures uint32 `yaml:"failures" validate:"gte=1"`

	// OpenFor is how long the breaker stays open before probing again.
	OpenFor time.Duration `yaml:"open_for" validate:"gte=0"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint" validate:"required,hostname_port"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "journalrelay".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// LogConfig controls the log output. With File set, logs are written to a
// rotating file instead of stderr.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=0"`
	Verbose    bool   `yaml:"verbose"`
}

// DefaultPath returns the default config file path: ~/.config/journalrelay/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "journalrelay", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.expandEnv(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv resolves ${VAR} references in URLs, tokens and paths. Bare $
// is left alone since tokens may contain it.
func (c *Config) expandEnv() error {
	var missing []string
	expand := func(s *string) {
		*s = envRef.ReplaceAllStringFunc(*s, func(ref string) string {
			name := envRef.FindStringSubmatch(ref)[1]
			v, ok := os.LookupEnv(name)
			if !ok {
				missing = append(missing, name)
			}
			return v
		})
	}

	for _, h := range []*HostedConfig{c.NocoDB, c.Teable} {
		if h != nil {
			expand(&h.URL)
			expand(&h.Token)
		}
	}
	if c.Grist != nil {
		expand(&c.Grist.URL)
		expand(&c.Grist.Token)
	}
	if c.SQLite != nil {
		expand(&c.SQLite.Path)
	}
	if c.Telemetry != nil {
		for k, v := range c.Telemetry.Headers {
			expand(&v)
			c.Telemetry.Headers[k] = v
		}
	}
	expand(&c.Log.File)
	expand(&c.StateDB)

	if len(missing) > 0 {
		return fmt.Errorf("environment variable(s) not set: %s", strings.Join(missing, ", "))
	}
	return nil
}

var structValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report yaml keys rather than Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validate checks field rules and then the rules spanning several fields.
func (c *Config) validate() error {
	if err := structValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, describe(fe))
		}
		return errors.New(strings.Join(msgs, "; "))
	}

	switch c.Backend {
	case "nocodb":
		if c.NocoDB == nil {
			return fmt.Errorf("backend is nocodb but the nocodb block is missing")
		}
	case "teable":
		if c.Teable == nil {
			return fmt.Errorf("backend is teable but the teable block is missing")
		}
	case "grist":
		if c.Grist == nil {
			return fmt.Errorf("backend is grist but the grist block is missing")
		}
	}

	if cb := c.CircuitBreaker; cb != nil && c.Backend == "sqlite" {
		return fmt.Errorf("circuit_breaker does not apply to the sqlite backend")
	}

	return nil
}

func describe(fe validator.FieldError) string {
	// Namespace is "Config.<key>.<key>"; drop the root type.
	key := fe.Namespace()
	if _, rest, ok := strings.Cut(key, "."); ok {
		key = rest
	}
	switch fe.Tag() {
	case "required":
		return key + " is required"
	case "oneof":
		return fmt.Sprintf("%s %q must be one of: %s", key, fe.Value(), fe.Param())
	case "http_url":
		return fmt.Sprintf("%s %q must be a valid http or https URL", key, fe.Value())
	case "hostname_port":
		return fmt.Sprintf("%s %q must be host:port", key, fe.Value())
	case "nefield":
		return fmt.Sprintf("%s must differ from %s", key, strings.ToLower(fe.Param()))
	case "gte", "lte", "max":
		return fmt.Sprintf("%s %v is out of range (%s %s)", key, fe.Value(), fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("%s fails %s", key, fe.Tag())
	}
}

// TableNames returns the configured table names with defaults filled in.
func (c *Config) TableNames() backend.TableNames {
	return backend.TableNames{
		Entries:     c.Tables.Entries,
		Attachments: c.Tables.Attachments,
	}.WithDefaults()
}

// BackendSettings translates the selected backend's block and the shared
// transport knobs into adapter settings.
func (c *Config) BackendSettings() backend.Settings {
	retry := backend.DefaultRetryPolicy()
	if c.RetryAttempts > 0 {
		retry.Attempts = c.RetryAttempts
	}
	if c.RequestTimeout > 0 {
		retry.Timeout = c.RequestTimeout
	}

	s := backend.Settings{BatchSize: c.BatchSize, Retry: retry}
	switch c.Backend {
	case "nocodb":
		s.URL, s.Token, s.Container = c.NocoDB.URL, c.NocoDB.Token, c.NocoDB.BaseID
	case "teable":
		s.URL, s.Token, s.Container = c.Teable.URL, c.Teable.Token, c.Teable.BaseID
	case "grist":
		s.URL, s.Token, s.Container = c.Grist.URL, c.Grist.Token, c.Grist.DocID
	case "sqlite":
		if c.SQLite != nil {
			s.Path = c.SQLite.Path
		}
	}
	if cb := c.CircuitBreaker; cb != nil {
		s.BreakerFailures = cb.Failures
		s.BreakerOpenFor = cb.OpenFor
	}
	return s
}

// UseBackend switches to another configured backend, e.g. from a command
// line override, and re-validates.
func (c *Config) UseBackend(name string) error {
	prev := c.Backend
	c.Backend = name
	if err := c.validate(); err != nil {
		c.Backend = prev
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
