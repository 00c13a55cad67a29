// Package config loads the workstation descriptor.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iudanet/benchkeeper/internal/crypto"
	"github.com/iudanet/benchkeeper/internal/validation"
)

// PassphraseEnv переменная окружения с парольной фразой для запечатанных секретов
const PassphraseEnv = "BENCHKEEPER_PASSPHRASE"

// Drivers of central endpoints
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// ErrInvalidConfig возвращается при ошибке проверки дескриптора
var ErrInvalidConfig = errors.New("invalid config")

// Config is the workstation descriptor
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Endpoints EndpointsConfig `yaml:"endpoints"`
	Failover  FailoverConfig  `yaml:"failover"`
	Sync      SyncConfig      `yaml:"sync"`
	Auth      AuthConfig      `yaml:"auth"`
	Lookup    LookupConfig    `yaml:"lookup"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Log       LogConfig       `yaml:"log"`
}

// AgentConfig описывает рабочую станцию
type AgentConfig struct {
	Listen     string `yaml:"listen"`      // адрес локального HTTP API
	DBPath     string `yaml:"db_path"`     // файл BoltDB с очередью и зеркалом
	Site       string `yaml:"site"`        // площадка по умолчанию
	Technician string `yaml:"technician"`  // техник по умолчанию для выпуска токена
	TagPrefix  string `yaml:"tag_prefix"`  // признак тега актива при сканировании
	ServerURL  string `yaml:"server_url"`  // адрес агента для CLI
	TokenFile  string `yaml:"token_file"`  // файл с токеном техника для CLI
}

// EndpointsConfig одна основная точка и реплики в порядке приоритета
type EndpointsConfig struct {
	Primary  EndpointConfig   `yaml:"primary"`
	Replicas []EndpointConfig `yaml:"replicas"`
}

// EndpointConfig описывает подключение к центральной БД
type EndpointConfig struct {
	Name           string        `yaml:"name"`
	Driver         string        `yaml:"driver"`
	Host           string        `yaml:"host"`
	Database       string        `yaml:"database"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	PasswordSealed string        `yaml:"password_sealed"`
	SSLMode        string        `yaml:"ssl_mode"`
	Path           string        `yaml:"path"` // файл БД для драйвера sqlite
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Port           int           `yaml:"port"`
	MaxConns       int32         `yaml:"max_conns"`
	ReadOnly       bool          `yaml:"read_only"`
}

// FailoverConfig параметры выбора точки подключения
type FailoverConfig struct {
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	CloseGrace       time.Duration `yaml:"close_grace"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// SyncConfig параметры доставки и сверки
type SyncConfig struct {
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	CursorOverlap   time.Duration `yaml:"cursor_overlap"`
	ArchiveAfter    time.Duration `yaml:"archive_after"`
	InFlightTimeout time.Duration `yaml:"in_flight_timeout"`
	AlertThreshold  int           `yaml:"alert_threshold"`
}

// AuthConfig параметры токенов техников
type AuthConfig struct {
	TokenSecret       string        `yaml:"token_secret"`
	TokenSecretSealed string        `yaml:"token_secret_sealed"`
	TokenTTL          time.Duration `yaml:"token_ttl"`
}

// LookupConfig параметры поиска метаданных актива
type LookupConfig struct {
	CMDBURL   string        `yaml:"cmdb_url"`
	CMDBToken string        `yaml:"cmdb_token"`
	RedisAddr string        `yaml:"redis_addr"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// KafkaConfig публикация подтвержденных событий; пустой список брокеров отключает
type KafkaConfig struct {
	Topic   string   `yaml:"topic"`
	Brokers []string `yaml:"brokers"`
}

// LogConfig параметры логирования
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a descriptor with every default applied and no endpoints
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads, defaults and validates the descriptor
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes a descriptor from YAML
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	c.Agent.Site = validation.NormalizeSite(c.Agent.Site)
	setString(&c.Agent.Listen, "127.0.0.1:8765")
	setString(&c.Agent.DBPath, "benchkeeper.db")
	setString(&c.Agent.TagPrefix, validation.DefaultTagPrefix)
	setString(&c.Agent.ServerURL, "http://"+c.Agent.Listen)
	setString(&c.Agent.TokenFile, ".benchkeeper-token")

	setString(&c.Endpoints.Primary.Name, "primary")
	c.Endpoints.Primary.applyDefaults()
	for i := range c.Endpoints.Replicas {
		setString(&c.Endpoints.Replicas[i].Name, "replica-"+strconv.Itoa(i+1))
		c.Endpoints.Replicas[i].applyDefaults()
	}

	setDuration(&c.Failover.ProbeInterval, 10*time.Second)
	setDuration(&c.Failover.ProbeTimeout, 3*time.Second)
	setDuration(&c.Failover.CloseGrace, 30*time.Second)
	setInt(&c.Failover.FailureThreshold, 2)

	setDuration(&c.Sync.DeliveryTimeout, 10*time.Second)
	setDuration(&c.Sync.BackoffBase, time.Second)
	setDuration(&c.Sync.BackoffMax, 30*time.Second)
	setDuration(&c.Sync.RefreshInterval, 30*time.Second)
	setDuration(&c.Sync.CursorOverlap, 5*time.Second)
	setDuration(&c.Sync.ArchiveAfter, 24*time.Hour)
	setDuration(&c.Sync.InFlightTimeout, 30*time.Second)
	setInt(&c.Sync.AlertThreshold, 50)

	setDuration(&c.Auth.TokenTTL, 12*time.Hour)

	setDuration(&c.Lookup.Timeout, 10*time.Second)
	setDuration(&c.Lookup.CacheTTL, time.Hour)

	setString(&c.Kafka.Topic, "benchkeeper.events")
	setString(&c.Log.Level, "info")
}

func (e *EndpointConfig) applyDefaults() {
	setString(&e.Driver, DriverPostgres)
	if e.Driver != DriverPostgres {
		return
	}
	setInt(&e.Port, 5432)
	setString(&e.SSLMode, "prefer")
	if e.MaxConns == 0 {
		e.MaxConns = 4
	}
	setDuration(&e.AcquireTimeout, 5*time.Second)
	setDuration(&e.ConnectTimeout, 3*time.Second)
}

// Validate checks the descriptor
func (c *Config) Validate() error {
	if err := c.Endpoints.Primary.validate(); err != nil {
		return fmt.Errorf("%w: primary: %w", ErrInvalidConfig, err)
	}

	names := map[string]bool{c.Endpoints.Primary.Name: true}
	for i, r := range c.Endpoints.Replicas {
		if err := r.validate(); err != nil {
			return fmt.Errorf("%w: replica %d: %w", ErrInvalidConfig, i+1, err)
		}
		if names[r.Name] {
			return fmt.Errorf("%w: duplicate endpoint name %q", ErrInvalidConfig, r.Name)
		}
		names[r.Name] = true
	}

	if c.Agent.Site != "" {
		if err := validation.ValidateSite(c.Agent.Site); err != nil {
			return fmt.Errorf("%w: agent: %w", ErrInvalidConfig, err)
		}
	}
	if c.Agent.Technician != "" {
		if err := validation.ValidateTechnician(c.Agent.Technician); err != nil {
			return fmt.Errorf("%w: agent: %w", ErrInvalidConfig, err)
		}
	}
	if _, _, err := net.SplitHostPort(c.Agent.Listen); err != nil {
		return fmt.Errorf("%w: agent.listen: %w", ErrInvalidConfig, err)
	}

	switch {
	case c.Failover.FailureThreshold < 1:
		return fmt.Errorf("%w: failover.failure_threshold must be positive", ErrInvalidConfig)
	case c.Sync.BackoffBase > c.Sync.BackoffMax:
		return fmt.Errorf("%w: sync.backoff_base exceeds sync.backoff_max", ErrInvalidConfig)
	case c.Sync.AlertThreshold < 0:
		return fmt.Errorf("%w: sync.alert_threshold cannot be negative", ErrInvalidConfig)
	case len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "":
		return fmt.Errorf("%w: kafka.topic is required with brokers", ErrInvalidConfig)
	}

	return nil
}

func (e EndpointConfig) validate() error {
	switch e.Driver {
	case DriverPostgres:
		if e.Host == "" {
			return errors.New("host is required")
		}
		if e.Database == "" {
			return errors.New("database is required")
		}
		if e.MaxConns < 1 {
			return errors.New("max_conns must be positive")
		}
	case DriverSQLite:
		if e.Path == "" {
			return errors.New("path is required")
		}
	default:
		return fmt.Errorf("unknown driver %q", e.Driver)
	}

	if e.Password != "" && e.PasswordSealed != "" {
		return errors.New("password and password_sealed are mutually exclusive")
	}
	return nil
}

// NeedsPassphrase reports whether any secret is sealed
func (c *Config) NeedsPassphrase() bool {
	if c.Auth.TokenSecretSealed != "" {
		return true
	}
	for _, e := range c.AllEndpoints() {
		if e.PasswordSealed != "" {
			return true
		}
	}
	return false
}

// AllEndpoints returns the primary followed by replicas in priority order
func (c *Config) AllEndpoints() []EndpointConfig {
	return append([]EndpointConfig{c.Endpoints.Primary}, c.Endpoints.Replicas...)
}

// TokenSecret returns the token signing secret, opening it if sealed
func (c *Config) TokenSecret(passphrase string) (string, error) {
	if c.Auth.TokenSecretSealed == "" {
		return c.Auth.TokenSecret, nil
	}
	secret, err := crypto.Open(passphrase, c.Auth.TokenSecretSealed)
	if err != nil {
		return "", fmt.Errorf("auth.token_secret_sealed: %w", err)
	}
	return secret, nil
}

// ResolvePassword returns the endpoint password, opening it if sealed
func (e EndpointConfig) ResolvePassword(passphrase string) (string, error) {
	if e.PasswordSealed == "" {
		return e.Password, nil
	}
	password, err := crypto.Open(passphrase, e.PasswordSealed)
	if err != nil {
		return "", fmt.Errorf("endpoint %s: %w", e.Name, err)
	}
	return password, nil
}

// DSN builds a postgres connection URL
func (e EndpointConfig) DSN(password string) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(e.Host, strconv.Itoa(e.Port)),
		Path:   "/" + e.Database,
	}
	if e.User != "" {
		if password != "" {
			u.User = url.UserPassword(e.User, password)
		} else {
			u.User = url.User(e.User)
		}
	}

	q := url.Values{}
	q.Set("sslmode", e.SSLMode)
	q.Set("application_name", "benchkeeper")
	u.RawQuery = q.Encode()

	return u.String()
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}
