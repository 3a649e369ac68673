package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	Logging     LoggingConfig      `mapstructure:"logging"`
	Auth        AuthConfig         `mapstructure:"auth"`
	Transport   TransportConfig    `mapstructure:"transport"`
	Acquisition AcquisitionConfig  `mapstructure:"acquisition"`
	Catalogs    CatalogsConfig     `mapstructure:"catalogs"`
	Artifacts   ArtifactsConfig    `mapstructure:"artifacts"`
	Storage     StorageConfig      `mapstructure:"storage"`
	Instruments []InstrumentConfig `mapstructure:"instruments"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Auth Configuration
type AuthConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	JWTSecretEnv   string        `mapstructure:"jwt_secret_env"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

type TransportConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	Terminator     string        `mapstructure:"terminator"`
}

type AcquisitionConfig struct {
	DefaultTimeout      time.Duration `mapstructure:"default_timeout"`
	DefaultPollInterval time.Duration `mapstructure:"default_poll_interval"`
}

type CatalogsConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
	Watch       bool     `mapstructure:"watch"`
}

type ArtifactsConfig struct {
	Directory string `mapstructure:"directory"`
}

type StorageConfig struct {
	Driver     string         `mapstructure:"driver"` // "", sqlite, postgres
	SQLitePath string         `mapstructure:"sqlite_path"`
	Database   DatabaseConfig `mapstructure:"database"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// InstrumentConfig binds one catalog to one instrument address.
type InstrumentConfig struct {
	Name    string        `mapstructure:"name"`
	Catalog string        `mapstructure:"catalog"`
	Address string        `mapstructure:"address"`
	Timeout time.Duration `mapstructure:"timeout"`

	// Optional periodic read of scalar signals. Zero disables polling;
	// empty PollSignals means every readable signal.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollSignals  []string      `mapstructure:"poll_signals"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")

	v.SetDefault("transport.default_timeout", "2s")
	v.SetDefault("transport.terminator", "\n")

	v.SetDefault("acquisition.default_timeout", "30s")
	v.SetDefault("acquisition.default_poll_interval", "50ms")

	v.SetDefault("catalogs.search_paths", []string{"configs/catalogs"})
	v.SetDefault("catalogs.watch", false)

	v.SetDefault("artifacts.directory", "data")

	v.SetDefault("storage.driver", "")
	v.SetDefault("storage.sqlite_path", "data/acquisitions.db")
	v.SetDefault("storage.database.port", 5432)
	v.SetDefault("storage.database.max_connections", 10)
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	// Environment variables with prefix OIC_, e.g. OIC_SERVER_HTTP_PORT
	v.SetEnvPrefix("OIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	// Defaults always decode.
	_ = v.Unmarshal(&config)
	return &config
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q (valid: sqlite, postgres)", c.Storage.Driver)
	}

	seen := make(map[string]bool, len(c.Instruments))
	for i, inst := range c.Instruments {
		if inst.Name == "" {
			return fmt.Errorf("instrument #%d: missing name", i)
		}
		if seen[inst.Name] {
			return fmt.Errorf("instrument %q configured twice", inst.Name)
		}
		seen[inst.Name] = true
		if inst.Catalog == "" {
			return fmt.Errorf("instrument %q: missing catalog", inst.Name)
		}
		if inst.PollInterval < 0 {
			return fmt.Errorf("instrument %q: poll_interval must not be negative", inst.Name)
		}
	}

	if c.Acquisition.DefaultPollInterval <= 0 {
		return fmt.Errorf("acquisition.default_poll_interval must be > 0")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return devSecret
	}
	return secret
}

const devSecret = "dev-secret-change-in-production-min-32-chars"

// IsProductionReady reports whether a real secret of sufficient length is set.
func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devSecret && len(secret) >= 32
}
