package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	cfg := New()
	assert.NotNil(t, cfg)
	assert.Equal(t, 4321, cfg.Port)
	assert.Equal(t, ".", cfg.Root)
	assert.Equal(t, ".", cfg.ProjectRoot)
	assert.False(t, cfg.HTTPS)
	assert.True(t, cfg.LiveReload)
	assert.Equal(t, "bundle.js", cfg.BundleSuffix)
	assert.Nil(t, cfg.API)
	assert.NotEmpty(t, cfg.DevCertDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.GracefulTimeout)
	assert.False(t, cfg.Console)
}

func TestConfig_Validate(t *testing.T) {
	valid := func(mutate func(c *Config)) *Config {
		c := New()
		mutate(c)
		return c
	}

	tests := []struct {
		name    string
		config  *Config
		wantErr bool
		errMsg  string
	}{
		{
			name:   "defaults",
			config: New(),
		},
		{
			name:    "invalid log level",
			config:  valid(func(c *Config) { c.LogLevel = "invalid" }),
			wantErr: true,
			errMsg:  "invalid log level",
		},
		{
			name:    "port out of range",
			config:  valid(func(c *Config) { c.Port = 70000 }),
			wantErr: true,
			errMsg:  "invalid port",
		},
		{
			name:   "port zero picks a free port",
			config: valid(func(c *Config) { c.Port = 0 }),
		},
		{
			name:    "invalid host",
			config:  valid(func(c *Config) { c.Host = "256.256.256.256" }),
			wantErr: true,
			errMsg:  "invalid IP address",
		},
		{
			name:   "localhost host",
			config: valid(func(c *Config) { c.Host = "localhost" }),
		},
		{
			name: "api with default port",
			config: valid(func(c *Config) {
				c.API = &APIConfig{Port: DefaultAPIPort, Entry: "api.yaml"}
			}),
		},
		{
			name: "api without entry",
			config: valid(func(c *Config) {
				c.API = &APIConfig{Port: DefaultAPIPort}
			}),
			wantErr: true,
			errMsg:  "api entry must not be empty",
		},
		{
			name: "api port collides with static port",
			config: valid(func(c *Config) {
				c.API = &APIConfig{Port: DefaultPort, Entry: "api.yaml"}
			}),
			wantErr: true,
			errMsg:  "collides",
		},
		{
			name:    "invalid metrics address",
			config:  valid(func(c *Config) { c.MetricsAddress = "nope" }),
			wantErr: true,
			errMsg:  "invalid metrics address",
		},
		{
			name:    "non-positive graceful timeout",
			config:  valid(func(c *Config) { c.GracefulTimeout = 0 }),
			wantErr: true,
			errMsg:  "graceful timeout must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_ApplyPortOverride(t *testing.T) {
	cfg := New()
	cfg.InitialPage = "/index.html"

	require.NoError(t, cfg.ApplyPortOverride(8080))
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "http://localhost:8080/index.html", cfg.StaticURL())

	cfg.HTTPS = true
	assert.Equal(t, "https://localhost:8080/index.html", cfg.StaticURL())

	err := cfg.ApplyPortOverride(-1)
	assert.Error(t, err)
	assert.Equal(t, 8080, cfg.Port)
}

func TestConfig_InitializeLogging(t *testing.T) {
	tests := []struct {
		name      string
		config    *Config
		wantLevel zerolog.Level
	}{
		{
			name:      "debug level",
			config:    &Config{LogLevel: "debug"},
			wantLevel: zerolog.DebugLevel,
		},
		{
			name:      "info level with console",
			config:    &Config{LogLevel: "info", Console: true},
			wantLevel: zerolog.InfoLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			origLevel := zerolog.GlobalLevel()
			defer zerolog.SetGlobalLevel(origLevel)

			tt.config.InitializeLogging()
			assert.Equal(t, tt.wantLevel, zerolog.GlobalLevel())
		})
	}
}

func TestConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{LogLevel: "warn"}

	logger, err := cfg.NewLogger(&buf)
	require.NoError(t, err)

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), `"service":"devserve"`)

	_, err = (&Config{LogLevel: "loud"}).NewLogger(&buf)
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()

	validConfig := `
port: 8000
root: "public"
https: true
pfx-path: "/certs/dev.pfx"
initial-page: "index.html"
api:
  port: 6000
  entry: "api.yaml"
log-level: "debug"
console: true
graceful-timeout: "5s"
`
	apiDefaultPortConfig := `
api:
  entry: "routes.json"
`
	invalidTypeConfig := `
port: "not-a-port"
https: "maybe"
`
	malformedConfig := `
port: 8000
root: "public"
  invalid-indent:
    - this is not valid yaml
`

	write := func(name, content string) string {
		path := filepath.Join(tmpDir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	validConfigFile := write("valid.yaml", validConfig)
	apiDefaultPortFile := write("api-default.yaml", apiDefaultPortConfig)
	emptyConfigFile := write("empty.yaml", "")
	invalidTypeConfigFile := write("invalid-type.yaml", invalidTypeConfig)
	malformedConfigFile := write("malformed.yaml", malformedConfig)

	tests := []struct {
		name       string
		configFile string
		envVars    map[string]string
		check      func(t *testing.T, cfg *Config)
		wantErr    bool
		errMsg     string
	}{
		{
			name:       "load from valid config file",
			configFile: validConfigFile,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8000, cfg.Port)
				assert.Equal(t, "public", cfg.Root)
				assert.True(t, cfg.HTTPS)
				assert.Equal(t, "/certs/dev.pfx", cfg.PFXPath)
				assert.Equal(t, "index.html", cfg.InitialPage)
				require.NotNil(t, cfg.API)
				assert.Equal(t, 6000, cfg.API.Port)
				assert.Equal(t, "api.yaml", cfg.API.Entry)
				assert.Equal(t, "debug", cfg.LogLevel)
				assert.True(t, cfg.Console)
				assert.Equal(t, 5*time.Second, cfg.GracefulTimeout)
			},
		},
		{
			name:       "api entry without port uses default api port",
			configFile: apiDefaultPortFile,
			check: func(t *testing.T, cfg *Config) {
				require.NotNil(t, cfg.API)
				assert.Equal(t, DefaultAPIPort, cfg.API.Port)
				assert.Equal(t, "routes.json", cfg.API.Entry)
			},
		},
		{
			name: "load defaults",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, New().Port, cfg.Port)
				assert.Nil(t, cfg.API)
			},
		},
		{
			name: "load from environment",
			envVars: map[string]string{
				"DEVSERVE_PORT":      "9000",
				"DEVSERVE_HTTPS":     "true",
				"DEVSERVE_KEY_PATH":  "/certs/dev.key",
				"DEVSERVE_CERT_PATH": "/certs/dev.crt",
				"DEVSERVE_API_ENTRY": "api.yaml",
				"DEVSERVE_API_PORT":  "9001",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9000, cfg.Port)
				assert.True(t, cfg.HTTPS)
				assert.Equal(t, "/certs/dev.key", cfg.KeyPath)
				assert.Equal(t, "/certs/dev.crt", cfg.CertPath)
				require.NotNil(t, cfg.API)
				assert.Equal(t, 9001, cfg.API.Port)
			},
		},
		{
			name:       "empty config file loads defaults",
			configFile: emptyConfigFile,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, DefaultPort, cfg.Port)
				assert.Equal(t, "info", cfg.LogLevel)
			},
		},
		{
			name:       "nonexistent config file",
			configFile: filepath.Join(tmpDir, "nonexistent.yaml"),
			wantErr:    true,
			errMsg:     "error reading config file",
		},
		{
			name:       "invalid type in config file",
			configFile: invalidTypeConfigFile,
			wantErr:    true,
			errMsg:     "error unmarshaling config",
		},
		{
			name:       "malformed config file",
			configFile: malformedConfigFile,
			wantErr:    true,
			errMsg:     "error parsing config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()

			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			got, err := LoadConfig(tt.configFile)
			if tt.wantErr {
				assert.Error(t, err)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
				return
			}

			require.NoError(t, err)
			tt.check(t, got)
		})
	}
}
