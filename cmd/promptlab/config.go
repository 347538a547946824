package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MegaGrindStone/prompt-lab/internal/relay"
	"github.com/MegaGrindStone/prompt-lab/internal/stream"
	"gopkg.in/yaml.v3"
)

const (
	appDirName     = "promptlab"
	configFileName = "config.yaml"
	storeFileName  = "store.db"

	defaultPort     = "8080"
	defaultRelayURL = "http://127.0.0.1:" + defaultPort + "/functions/v1/chat"
)

// Environment variables used when the matching secret is not in the config file.
const (
	envGatewayAPIKey = "AI_GATEWAY_API_KEY"
	envAuthAPIKey    = "AUTH_API_KEY"
	envClientToken   = "PROMPTLAB_TOKEN"
)

type config struct {
	Port     string        `yaml:"port"`
	LogLevel string        `yaml:"logLevel"`
	Gateway  gatewayConfig `yaml:"gateway"`
	Auth     authConfig    `yaml:"auth"`
	Models   modelsConfig  `yaml:"models"`
	Client   clientConfig  `yaml:"client"`
}

type gatewayConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"apiKey"`
}

type authConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"apiKey"`
}

type modelsConfig struct {
	Default string   `yaml:"default"`
	Allowed []string `yaml:"allowed"`
}

type clientConfig struct {
	RelayURL    string        `yaml:"relayURL"`
	Token       string        `yaml:"token"`
	APIKey      string        `yaml:"apiKey"`
	IdleTimeout time.Duration `yaml:"idleTimeout"`
}

// appDir returns the directory holding the config file and the chat store, creating it if needed.
func appDir() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	dir := filepath.Join(cfgDir, appDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("error creating config directory: %w", err)
	}
	return dir, nil
}

// loadConfig reads the config at path. With an empty path the default location is used, and a
// missing file there only means defaults and environment variables apply.
func loadConfig(path string) (config, error) {
	explicit := path != ""
	if !explicit {
		dir, err := appDir()
		if err != nil {
			return config{}, err
		}
		path = filepath.Join(dir, configFileName)
	}

	cfg := config{}

	cfgFile, err := os.Open(path)
	switch {
	case err == nil:
		defer cfgFile.Close()
		if err := decodeConfig(cfgFile, &cfg); err != nil {
			return config{}, err
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}

	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	return cfg, nil
}

func decodeConfig(r io.Reader, cfg *config) error {
	if err := yaml.NewDecoder(r).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("error decoding config file: %w", err)
	}
	return nil
}

func (c *config) applyEnv(getenv func(string) string) {
	if c.Gateway.APIKey == "" {
		c.Gateway.APIKey = getenv(envGatewayAPIKey)
	}
	if c.Auth.APIKey == "" {
		c.Auth.APIKey = getenv(envAuthAPIKey)
	}
	if c.Client.Token == "" {
		c.Client.Token = getenv(envClientToken)
	}
}

func (c *config) applyDefaults() {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.Gateway.URL == "" {
		c.Gateway.URL = relay.DefaultGatewayURL
	}
	if c.Client.RelayURL == "" {
		c.Client.RelayURL = defaultRelayURL
	}
	if c.Client.IdleTimeout <= 0 {
		c.Client.IdleTimeout = stream.DefaultIdleTimeout
	}
	if c.Client.APIKey == "" {
		c.Client.APIKey = c.Auth.APIKey
	}
}

// catalog builds the model allow-list. Without configured models the built-in catalog is used.
func (m modelsConfig) catalog() (relay.ModelCatalog, error) {
	if m.Default == "" && len(m.Allowed) == 0 {
		return relay.DefaultModelCatalog(), nil
	}
	def := m.Default
	if def == "" {
		def = m.Allowed[0]
	}
	return relay.NewModelCatalog(def, m.Allowed...)
}

func (c config) validateServer() error {
	var errs []error
	if c.Gateway.APIKey == "" {
		errs = append(errs, fmt.Errorf("gateway api key is required (set gateway.apiKey or %s)", envGatewayAPIKey))
	}
	if c.Auth.URL == "" {
		errs = append(errs, errors.New("auth url is required"))
	}
	return errors.Join(errs...)
}

func (c config) logger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
