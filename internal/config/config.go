// Package config provides Viper-based configuration loading for the bot fleet server.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Account store drivers.
const (
	DriverFile     = "file"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Gateway authentication modes.
const (
	AuthOffline = "offline"
	AuthDevice  = "device"
)

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
	// ObserverLevel is the minimum level mirrored to connected observers.
	ObserverLevel string `mapstructure:"observer_level"`
}

// ControlConfig holds the operator-facing control surface settings.
type ControlConfig struct {
	// HTTPHost is the bind address for the dashboard websocket endpoint.
	HTTPHost string `mapstructure:"http_host"`
	// HTTPPort is the TCP port for the dashboard websocket endpoint.
	HTTPPort int `mapstructure:"http_port"`
	// GRPCHost is the bind/connect address for the gRPC ControlService.
	GRPCHost string `mapstructure:"grpc_host"`
	// GRPCPort is the TCP port for the gRPC ControlService.
	GRPCPort int `mapstructure:"grpc_port"`
	// PasswordHash is a bcrypt hash of the operator password. Empty disables auth.
	PasswordHash string `mapstructure:"password_hash"`
	// ObserverBuffer is the per-observer live event buffer size.
	ObserverBuffer int `mapstructure:"observer_buffer"`
	// WriteTimeout bounds a single websocket write to an observer.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// HTTPAddr returns the "host:port" dashboard listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (c ControlConfig) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPHost, c.HTTPPort)
}

// GRPCAddr returns the "host:port" gRPC address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (c ControlConfig) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", c.GRPCHost, c.GRPCPort)
}

// SessionsConfig holds session lifecycle timing and defaults.
type SessionsConfig struct {
	// DefaultIdentity is used when a start request names no account.
	DefaultIdentity string `mapstructure:"default_identity"`
	// DefaultHost is used when a start request names no host.
	DefaultHost string `mapstructure:"default_host"`
	// DefaultPort is used when a start request names no port.
	DefaultPort int `mapstructure:"default_port"`
	// ReconnectDelay is the constant delay before a dropped session reconnects.
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	// KeepaliveInterval is the period of the idle-avoidance pulse.
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	// KeepalivePulse is how long the keepalive control stays pressed.
	KeepalivePulse time.Duration `mapstructure:"keepalive_pulse"`
	// KeepaliveControl is the movement control toggled by the pulse.
	KeepaliveControl string `mapstructure:"keepalive_control"`
	// HistoryLimit caps the per-session chat history replayed to observers.
	HistoryLimit int `mapstructure:"history_limit"`
}

// GatewayConfig holds protocol client settings.
type GatewayConfig struct {
	// TLS selects wss:// instead of ws://.
	TLS bool `mapstructure:"tls"`
	// Path is the websocket path on the gateway.
	Path string `mapstructure:"path"`
	// DialTimeout bounds the websocket handshake.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// PingInterval is the websocket ping period.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// Auth is the authentication mode: "offline" or "device".
	Auth string `mapstructure:"auth"`
	// Device holds device-code flow settings used when Auth is "device".
	Device DeviceAuthConfig `mapstructure:"device"`
}

// DeviceAuthConfig holds OAuth 2.0 device authorization grant endpoints.
type DeviceAuthConfig struct {
	ClientID      string        `mapstructure:"client_id"`
	DeviceCodeURL string        `mapstructure:"device_code_url"`
	TokenURL      string        `mapstructure:"token_url"`
	Scopes        []string      `mapstructure:"scopes"`
	Timeout       time.Duration `mapstructure:"timeout"`
	// CacheDir holds per-identity token files. Empty disables caching.
	CacheDir string `mapstructure:"cache_dir"`
}

// AccountsConfig selects the account store backend.
type AccountsConfig struct {
	// Driver is one of "file", "postgres", "sqlite".
	Driver string `mapstructure:"driver"`
	// Path is the file path for the "file" and "sqlite" drivers.
	Path string `mapstructure:"path"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// ScriptingConfig holds Lua chat hook settings.
type ScriptingConfig struct {
	// Dir is a directory of *.lua files. Empty disables scripting.
	Dir string `mapstructure:"dir"`
	// InstructionLimit caps opcodes per hook invocation; 0 uses the default.
	InstructionLimit int `mapstructure:"instruction_limit"`
}

// Config is the top-level application configuration.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Control   ControlConfig   `mapstructure:"control"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Accounts  AccountsConfig  `mapstructure:"accounts"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scripting ScriptingConfig `mapstructure:"scripting"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, err := range []error{
		validateLogging(c.Logging),
		validateControl(c.Control),
		validateSessions(c.Sessions),
		validateGateway(c.Gateway),
		validateAccounts(c.Accounts),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.Accounts.Driver == DriverPostgres {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.Scripting.InstructionLimit < 0 {
		errs = append(errs, fmt.Sprintf("scripting.instruction_limit must be >= 0, got %d", c.Scripting.InstructionLimit))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func validateLogging(l LoggingConfig) error {
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	if !validLevels[l.ObserverLevel] {
		return fmt.Errorf("logging.observer_level must be one of [debug, info, warn, error], got %q", l.ObserverLevel)
	}
	return nil
}

func validateControl(c ControlConfig) error {
	var errs []string
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Sprintf("control.http_port must be 1-65535, got %d", c.HTTPPort))
	}
	if c.GRPCHost == "" {
		errs = append(errs, "control.grpc_host must not be empty")
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		errs = append(errs, fmt.Sprintf("control.grpc_port must be 1-65535, got %d", c.GRPCPort))
	}
	if c.ObserverBuffer < 1 {
		errs = append(errs, fmt.Sprintf("control.observer_buffer must be >= 1, got %d", c.ObserverBuffer))
	}
	if c.WriteTimeout < 0 {
		errs = append(errs, "control.write_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateSessions(s SessionsConfig) error {
	var errs []string
	if s.DefaultIdentity == "" {
		errs = append(errs, "sessions.default_identity must not be empty")
	}
	if s.DefaultPort < 1 || s.DefaultPort > 65535 {
		errs = append(errs, fmt.Sprintf("sessions.default_port must be 1-65535, got %d", s.DefaultPort))
	}
	if s.ReconnectDelay <= 0 {
		errs = append(errs, "sessions.reconnect_delay must be positive")
	}
	if s.KeepaliveInterval <= 0 {
		errs = append(errs, "sessions.keepalive_interval must be positive")
	}
	if s.KeepalivePulse <= 0 || s.KeepalivePulse >= s.KeepaliveInterval {
		errs = append(errs, "sessions.keepalive_pulse must be positive and shorter than keepalive_interval")
	}
	if s.KeepaliveControl == "" {
		errs = append(errs, "sessions.keepalive_control must not be empty")
	}
	if s.HistoryLimit < 1 {
		errs = append(errs, fmt.Sprintf("sessions.history_limit must be >= 1, got %d", s.HistoryLimit))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateGateway(g GatewayConfig) error {
	var errs []string
	if !strings.HasPrefix(g.Path, "/") {
		errs = append(errs, fmt.Sprintf("gateway.path must start with '/', got %q", g.Path))
	}
	if g.DialTimeout <= 0 {
		errs = append(errs, "gateway.dial_timeout must be positive")
	}
	if g.WriteTimeout <= 0 {
		errs = append(errs, "gateway.write_timeout must be positive")
	}
	if g.PingInterval < 0 {
		errs = append(errs, "gateway.ping_interval must not be negative")
	}
	switch g.Auth {
	case AuthOffline:
	case AuthDevice:
		if g.Device.ClientID == "" {
			errs = append(errs, "gateway.device.client_id must not be empty when gateway.auth is device")
		}
		if g.Device.DeviceCodeURL == "" || g.Device.TokenURL == "" {
			errs = append(errs, "gateway.device.device_code_url and token_url must be set when gateway.auth is device")
		}
	default:
		errs = append(errs, fmt.Sprintf("gateway.auth must be one of [offline, device], got %q", g.Auth))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAccounts(a AccountsConfig) error {
	switch a.Driver {
	case DriverFile:
		ext := strings.ToLower(filepath.Ext(a.Path))
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			return fmt.Errorf("accounts.path must end in .json, .yaml or .yml for the file driver, got %q", a.Path)
		}
	case DriverSQLite:
		if a.Path == "" {
			return errors.New("accounts.path must not be empty for the sqlite driver")
		}
	case DriverPostgres:
	default:
		return fmt.Errorf("accounts.driver must be one of [file, postgres, sqlite], got %q", a.Driver)
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := NewViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromViper(v)
}

// NewViper returns a Viper instance with defaults and BOTFLEET_ environment
// overrides applied, but no config file attached.
//
// Postcondition: Returns a non-nil Viper.
func NewViper() *viper.Viper {
	v := viper.New()

	// Environment variable overrides with BOTFLEET_ prefix
	v.SetEnvPrefix("BOTFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.observer_level", "info")

	v.SetDefault("control.http_host", "0.0.0.0")
	v.SetDefault("control.http_port", 3000)
	v.SetDefault("control.grpc_host", "127.0.0.1")
	v.SetDefault("control.grpc_port", 50061)
	v.SetDefault("control.password_hash", "")
	v.SetDefault("control.observer_buffer", 256)
	v.SetDefault("control.write_timeout", "10s")

	v.SetDefault("sessions.default_identity", "microsoft")
	v.SetDefault("sessions.default_host", "localhost")
	v.SetDefault("sessions.default_port", 25565)
	v.SetDefault("sessions.reconnect_delay", "10s")
	v.SetDefault("sessions.keepalive_interval", "15s")
	v.SetDefault("sessions.keepalive_pulse", "400ms")
	v.SetDefault("sessions.keepalive_control", "jump")
	v.SetDefault("sessions.history_limit", 100)

	v.SetDefault("gateway.tls", false)
	v.SetDefault("gateway.path", "/play")
	v.SetDefault("gateway.dial_timeout", "15s")
	v.SetDefault("gateway.write_timeout", "5s")
	v.SetDefault("gateway.ping_interval", "10s")
	v.SetDefault("gateway.auth", AuthDevice)
	v.SetDefault("gateway.device.client_id", "00000000402b5328")
	v.SetDefault("gateway.device.device_code_url", "https://login.live.com/oauth20_connect.srf")
	v.SetDefault("gateway.device.token_url", "https://login.live.com/oauth20_token.srf")
	v.SetDefault("gateway.device.scopes", []string{"service::user.auth.xboxlive.com::MBI_SSL"})
	v.SetDefault("gateway.device.timeout", "15m")
	v.SetDefault("gateway.device.cache_dir", "tokens")

	v.SetDefault("accounts.driver", DriverFile)
	v.SetDefault("accounts.path", "accounts.json")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "botfleet")
	v.SetDefault("database.password", "botfleet")
	v.SetDefault("database.name", "botfleet")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("scripting.dir", "")
	v.SetDefault("scripting.instruction_limit", 0)
}
