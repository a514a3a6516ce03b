// Package config loads and validates devserve configuration.
package config

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	// DefaultPort is the static file server port.
	DefaultPort = 4321
	// DefaultAPIPort is the API server port.
	DefaultAPIPort = 5432

	envPrefix = "DEVSERVE"
)

// APIConfig describes the optional API server.
type APIConfig struct {
	Port  int
	Entry string
}

type Config struct {
	// Static server configuration
	Host            string
	Port            int
	Root            string
	ProjectRoot     string
	InitialPage     string
	LiveReload      bool
	BundleSuffix    string
	GracefulTimeout time.Duration

	// TLS configuration
	HTTPS         bool
	PFXPath       string
	PFXPassphrase string
	KeyPath       string
	CertPath      string
	AutoDevCert   bool
	DevCertDir    string

	// API server configuration, nil when no entry is configured
	API *APIConfig

	// Observability
	MetricsAddress string
	OTLPEndpoint   string
	OTLPInsecure   bool

	// Logging configuration
	LogLevel string
	Console  bool

	NoBrowser bool
}

// New creates a new Config with default values
func New() *Config {
	return &Config{
		Host:            "",
		Port:            DefaultPort,
		Root:            ".",
		ProjectRoot:     ".",
		LiveReload:      true,
		BundleSuffix:    "bundle.js",
		GracefulTimeout: 30 * time.Second,
		DevCertDir:      defaultDevCertDir(),
		LogLevel:        "info",
		Console:         false,
	}
}

func defaultDevCertDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(".devserve", "certs")
	}
	return filepath.Join(dir, "devserve", "certs")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %v", c.LogLevel, err)
	}

	if c.Host != "" && c.Host != "localhost" {
		if ip := net.ParseIP(c.Host); ip == nil {
			return fmt.Errorf("invalid IP address: %q", c.Host)
		}
	}

	if err := validatePort("port", c.Port); err != nil {
		return err
	}

	if c.API != nil {
		if c.API.Entry == "" {
			return fmt.Errorf("api entry must not be empty")
		}
		if err := validatePort("api port", c.API.Port); err != nil {
			return err
		}
		if c.API.Port != 0 && c.API.Port == c.Port {
			return fmt.Errorf("api port %d collides with static port", c.API.Port)
		}
	}

	if c.MetricsAddress != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddress); err != nil {
			return fmt.Errorf("invalid metrics address %q: %v", c.MetricsAddress, err)
		}
	}

	if c.GracefulTimeout <= 0 {
		return fmt.Errorf("graceful timeout must be positive, got %v", c.GracefulTimeout)
	}

	return nil
}

// Port 0 is accepted and lets the OS pick a free port.
func validatePort(name string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid %s %d: must be between 0 and 65535", name, port)
	}
	return nil
}

// ApplyPortOverride replaces the static port with a runtime override.
// It must run before any certificate resolution or server bootstrap so that
// logs and browser URLs show the effective port.
func (c *Config) ApplyPortOverride(port int) error {
	if err := validatePort("port override", port); err != nil {
		return err
	}
	c.Port = port
	return nil
}

// Scheme returns the URL scheme both servers are reachable on.
func (c *Config) Scheme() string {
	if c.HTTPS {
		return "https"
	}
	return "http"
}

// StaticURL returns the browser-facing URL of the static server, including
// the initial page when one is configured.
func (c *Config) StaticURL() string {
	return c.URL(c.Port)
}

// URL is StaticURL for a static server bound on port.
func (c *Config) URL(port int) string {
	page := strings.TrimPrefix(c.InitialPage, "/")
	return fmt.Sprintf("%s://localhost:%d/%s", c.Scheme(), port, page)
}

// InitializeLogging sets up the global logging configuration
func (c *Config) InitializeLogging() {
	level, _ := zerolog.ParseLevel(c.LogLevel)
	zerolog.SetGlobalLevel(level)

	if c.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "2006-01-02T15:04:05.000Z",
		})
	}
}

// NewLogger builds the root logger handed to every component.
func (c *Config) NewLogger(out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level: %w", err)
	}

	if c.Console {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "2006-01-02T15:04:05.000Z",
		}
	}

	return zerolog.New(out).With().
		Timestamp().
		Str("service", "devserve").
		Logger().
		Level(level), nil
}

var (
	stringKeys = []string{
		"host",
		"root",
		"project-root",
		"initial-page",
		"bundle-suffix",
		"pfx-path",
		"pfx-passphrase",
		"key-path",
		"cert-path",
		"dev-cert-dir",
		"api.entry",
		"metrics-address",
		"otlp-endpoint",
		"log-level",
	}
	boolKeys = []string{
		"https",
		"live-reload",
		"auto-dev-cert",
		"otlp-insecure",
		"console",
		"nobrowser",
	}
	intKeys = []string{
		"port",
		"api.port",
	}
)

// InitViper wires environment variable lookups for every config key.
func InitViper() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	keys := append(append(append([]string{}, stringKeys...), boolKeys...), intKeys...)
	keys = append(keys, "graceful-timeout")
	for _, key := range keys {
		if err := viper.BindEnv(key); err != nil {
			log.Error().Err(err).Msgf("Failed to bind environment variable for key: %s", key)
		}
	}
}

// LoadConfig loads the configuration from viper
func LoadConfig(cfgFile string) (*Config, error) {
	config := New()

	InitViper()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("error parsing config: %v", err)
			}
			return nil, fmt.Errorf("error reading config file: %v", err)
		}
		log.Info().Str("config", viper.ConfigFileUsed()).Msg("Using config file")

		if err := checkTypes(); err != nil {
			return nil, err
		}
	}

	for _, key := range stringKeys {
		if viper.IsSet(key) {
			setString(config, key, viper.GetString(key))
		}
	}
	for _, key := range boolKeys {
		if viper.IsSet(key) {
			setBool(config, key, viper.GetBool(key))
		}
	}
	if viper.IsSet("port") {
		port, err := strconv.Atoi(viper.GetString("port"))
		if err != nil {
			return nil, fmt.Errorf("invalid port value: %s", viper.GetString("port"))
		}
		config.Port = port
	}
	if config.API != nil && viper.IsSet("api.port") {
		port, err := strconv.Atoi(viper.GetString("api.port"))
		if err != nil {
			return nil, fmt.Errorf("invalid api port value: %s", viper.GetString("api.port"))
		}
		config.API.Port = port
	}
	if viper.IsSet("graceful-timeout") {
		rawValue := viper.GetString("graceful-timeout")
		if duration, err := time.ParseDuration(rawValue); err == nil {
			config.GracefulTimeout = duration
		} else if seconds, err := strconv.ParseInt(rawValue, 10, 64); err == nil && seconds > 0 {
			config.GracefulTimeout = time.Duration(seconds) * time.Second
		} else {
			return nil, fmt.Errorf("invalid graceful timeout value: %s (must be duration string or positive integer)", rawValue)
		}
	}

	return config, nil
}

// checkTypes verifies the types of values read from a config file.
func checkTypes() error {
	for _, key := range stringKeys {
		if viper.IsSet(key) {
			if _, ok := viper.Get(key).(string); !ok {
				return fmt.Errorf("error unmarshaling config: %s must be a string", key)
			}
		}
	}
	for _, key := range boolKeys {
		if !viper.IsSet(key) {
			continue
		}
		switch v := viper.Get(key).(type) {
		case bool:
		case string:
			if _, err := strconv.ParseBool(v); err != nil {
				return fmt.Errorf("error unmarshaling config: %s must be a boolean", key)
			}
		default:
			return fmt.Errorf("error unmarshaling config: %s must be a boolean", key)
		}
	}
	for _, key := range intKeys {
		if !viper.IsSet(key) {
			continue
		}
		switch v := viper.Get(key).(type) {
		case int, int32, int64:
		case string:
			if _, err := strconv.Atoi(v); err != nil {
				return fmt.Errorf("error unmarshaling config: %s must be an integer", key)
			}
		default:
			return fmt.Errorf("error unmarshaling config: %s must be an integer", key)
		}
	}
	if viper.IsSet("graceful-timeout") {
		switch v := viper.Get("graceful-timeout").(type) {
		case int, int32, int64:
		case string:
			if _, err := time.ParseDuration(v); err != nil {
				return fmt.Errorf("invalid graceful timeout duration: %v", err)
			}
		default:
			return fmt.Errorf("graceful timeout must be a duration string or integer seconds")
		}
	}
	return nil
}

func setString(c *Config, key, value string) {
	switch key {
	case "host":
		c.Host = value
	case "root":
		c.Root = value
	case "project-root":
		c.ProjectRoot = value
	case "initial-page":
		c.InitialPage = value
	case "bundle-suffix":
		c.BundleSuffix = value
	case "pfx-path":
		c.PFXPath = value
	case "pfx-passphrase":
		c.PFXPassphrase = value
	case "key-path":
		c.KeyPath = value
	case "cert-path":
		c.CertPath = value
	case "dev-cert-dir":
		c.DevCertDir = value
	case "api.entry":
		if value != "" {
			c.API = &APIConfig{Port: DefaultAPIPort, Entry: value}
		}
	case "metrics-address":
		c.MetricsAddress = value
	case "otlp-endpoint":
		c.OTLPEndpoint = value
	case "log-level":
		c.LogLevel = value
	}
}

func setBool(c *Config, key string, value bool) {
	switch key {
	case "https":
		c.HTTPS = value
	case "live-reload":
		c.LiveReload = value
	case "auto-dev-cert":
		c.AutoDevCert = value
	case "otlp-insecure":
		c.OTLPInsecure = value
	case "console":
		c.Console = value
	case "nobrowser":
		c.NoBrowser = value
	}
}
