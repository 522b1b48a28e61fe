package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"walletlink/go-backend/internal/session"
	"walletlink/go-backend/internal/transport"

	"gopkg.in/yaml.v3"
)

const envPrefix = "WALLETLINK_"

var ErrInvalidConfig = errors.New("invalid config")

var clusters = map[string]struct{}{
	"mainnet-beta": {},
	"testnet":      {},
	"devnet":       {},
}

type Config struct {
	Wallet    WalletConfig
	Transport string
	Callback  CallbackConfig
	Relay     transport.RelayConfig
	LogLevel  string
}

type WalletConfig struct {
	BaseURL      string
	Cluster      string
	AppURL       string
	RedirectLink string
}

type CallbackConfig struct {
	Enabled        bool
	Addr           string
	RateLimitRPS   float64
	RateLimitBurst int
	Metrics        bool
}

func Default() Config {
	return Config{
		Wallet: WalletConfig{
			BaseURL:      session.DefaultBaseURL,
			Cluster:      session.DefaultCluster,
			RedirectLink: "http://" + transport.DefaultCallbackAddr,
		},
		Transport: transport.KindPrint,
		Callback: CallbackConfig{
			Enabled:        true,
			Addr:           transport.DefaultCallbackAddr,
			RateLimitRPS:   5,
			RateLimitBurst: 20,
			Metrics:        true,
		},
		Relay:    transport.DefaultRelayConfig(),
		LogLevel: "info",
	}
}

// FileConfig is the on-disk shape. Pointer fields distinguish "unset" from an
// explicit zero so Merge never clobbers defaults by accident.
type FileConfig struct {
	Wallet    FileWalletConfig      `yaml:"wallet"`
	Transport string                `yaml:"transport"`
	Callback  FileCallbackConfig    `yaml:"callback"`
	Relay     transport.RelayConfig `yaml:"relay"`
	LogLevel  string                `yaml:"logLevel"`
}

type FileWalletConfig struct {
	BaseURL      string `yaml:"baseURL"`
	Cluster      string `yaml:"cluster"`
	AppURL       string `yaml:"appURL"`
	RedirectLink string `yaml:"redirectLink"`
}

type FileCallbackConfig struct {
	Enabled        *bool    `yaml:"enabled"`
	Addr           string   `yaml:"addr"`
	RateLimitRPS   *float64 `yaml:"rateLimitRPS"`
	RateLimitBurst *int     `yaml:"rateLimitBurst"`
	Metrics        *bool    `yaml:"metrics"`
}

// LoadFromPath reads configPath (or the first default location that exists),
// merges it over Default and applies WALLETLINK_* overrides. A missing
// default file is not an error; a missing explicit path is.
func LoadFromPath(configPath string) (Config, error) {
	cfg := Default()

	candidates := []string{configPath}
	explicit := configPath != ""
	if !explicit {
		candidates = []string{"configs/walletlink.yaml", "walletlink.yaml"}
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if explicit {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			continue
		}
		var parsed FileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		Merge(&cfg, parsed)
		break
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Merge(dst *Config, src FileConfig) {
	if src.Wallet.BaseURL != "" {
		dst.Wallet.BaseURL = src.Wallet.BaseURL
	}
	if src.Wallet.Cluster != "" {
		dst.Wallet.Cluster = src.Wallet.Cluster
	}
	if src.Wallet.AppURL != "" {
		dst.Wallet.AppURL = src.Wallet.AppURL
	}
	if src.Wallet.RedirectLink != "" {
		dst.Wallet.RedirectLink = src.Wallet.RedirectLink
	}
	if src.Transport != "" {
		dst.Transport = src.Transport
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}

	if src.Callback.Enabled != nil {
		dst.Callback.Enabled = *src.Callback.Enabled
	}
	if src.Callback.Addr != "" {
		dst.Callback.Addr = src.Callback.Addr
	}
	if src.Callback.RateLimitRPS != nil {
		dst.Callback.RateLimitRPS = *src.Callback.RateLimitRPS
	}
	if src.Callback.RateLimitBurst != nil {
		dst.Callback.RateLimitBurst = *src.Callback.RateLimitBurst
	}
	if src.Callback.Metrics != nil {
		dst.Callback.Metrics = *src.Callback.Metrics
	}

	relay := src.Relay
	if relay.Port != 0 {
		dst.Relay.Port = relay.Port
	}
	if relay.BootstrapNodes != nil {
		dst.Relay.BootstrapNodes = relay.BootstrapNodes
	}
	if relay.PubsubTopic != "" {
		dst.Relay.PubsubTopic = relay.PubsubTopic
	}
	if relay.RequestTopic != "" {
		dst.Relay.RequestTopic = relay.RequestTopic
	}
	if relay.CallbackTopic != "" {
		dst.Relay.CallbackTopic = relay.CallbackTopic
	}
	if relay.StartTimeout != 0 {
		dst.Relay.StartTimeout = relay.StartTimeout
	}
}

func ApplyEnvOverrides(cfg *Config) error {
	setString := func(name string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(envPrefix + name)); v != "" {
			*dst = v
		}
	}
	setString("TRANSPORT", &cfg.Transport)
	setString("BASE_URL", &cfg.Wallet.BaseURL)
	setString("CLUSTER", &cfg.Wallet.Cluster)
	setString("APP_URL", &cfg.Wallet.AppURL)
	setString("REDIRECT_LINK", &cfg.Wallet.RedirectLink)
	setString("CALLBACK_ADDR", &cfg.Callback.Addr)
	setString("LOG_LEVEL", &cfg.LogLevel)

	if raw := strings.TrimSpace(os.Getenv(envPrefix + "CALLBACK_ENABLED")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%w: %sCALLBACK_ENABLED: %v", ErrInvalidConfig, envPrefix, err)
		}
		cfg.Callback.Enabled = v
	}
	if raw := strings.TrimSpace(os.Getenv(envPrefix + "RELAY_BOOTSTRAP")); raw != "" {
		nodes := make([]string, 0)
		for _, n := range strings.Split(raw, ",") {
			if n = strings.TrimSpace(n); n != "" {
				nodes = append(nodes, n)
			}
		}
		cfg.Relay.BootstrapNodes = nodes
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Transport {
	case transport.KindPrint, transport.KindMock, transport.KindRelay:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Transport)
	}
	if _, ok := clusters[c.Wallet.Cluster]; !ok {
		return fmt.Errorf("%w: unknown cluster %q", ErrInvalidConfig, c.Wallet.Cluster)
	}
	base, err := url.Parse(c.Wallet.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return fmt.Errorf("%w: wallet baseURL %q is not an absolute url", ErrInvalidConfig, c.Wallet.BaseURL)
	}
	if c.Wallet.AppURL != "" {
		if u, err := url.Parse(c.Wallet.AppURL); err != nil || u.Scheme == "" {
			return fmt.Errorf("%w: wallet appURL %q is not an absolute url", ErrInvalidConfig, c.Wallet.AppURL)
		}
	}
	if strings.TrimSpace(c.Wallet.RedirectLink) == "" {
		return fmt.Errorf("%w: wallet redirectLink is required", ErrInvalidConfig)
	}
	if strings.ContainsAny(c.Wallet.RedirectLink, "?#") {
		return fmt.Errorf("%w: wallet redirectLink must not carry a query or fragment", ErrInvalidConfig)
	}
	if c.Callback.Enabled {
		if _, _, err := net.SplitHostPort(c.Callback.Addr); err != nil {
			return fmt.Errorf("%w: callback addr %q: %v", ErrInvalidConfig, c.Callback.Addr, err)
		}
	}
	if c.Callback.RateLimitRPS < 0 || c.Callback.RateLimitBurst < 0 {
		return fmt.Errorf("%w: callback rate limit must not be negative", ErrInvalidConfig)
	}
	if c.Transport == transport.KindRelay {
		if err := transport.ValidateBootstrapNodes(c.Relay.BootstrapNodes); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func ParseLogLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: log level %q", ErrInvalidConfig, raw)
	}
	return level, nil
}
