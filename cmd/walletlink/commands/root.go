package commands

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"walletlink/go-backend/internal/composition/linkruntime"
	"walletlink/go-backend/internal/config"
	"walletlink/go-backend/internal/platform/privacylog"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	configPath    string
	logLevel      string
	transportKind string
	timeout       time.Duration

	programLevel = new(slog.LevelVar)
)

func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:          "walletlink",
		Short:        "Encrypted deep-link sessions with a mobile wallet",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to walletlink.yaml (default configs/walletlink.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override: debug | info | warn | error")
	root.PersistentFlags().StringVar(&transportKind, "transport", "", "transport override: print | mock | relay")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait for each wallet answer")

	root.AddCommand(shellCmd(), signMessageCmd(), versionCmd())
	return root.ExecuteContext(ctx)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.LoadFromPath(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if transportKind != "" {
		cfg.Transport = transportKind
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return config.Config{}, err
	}
	programLevel.Set(level)
	return cfg, nil
}

func newLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel})
	return slog.New(privacylog.WrapHandler(h))
}

// startRuntime loads config, wires the provider and starts its listeners.
func startRuntime(ctx context.Context) (*linkruntime.Runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger()
	slog.SetDefault(logger)

	rt, err := linkruntime.Build(cfg, linkruntime.Options{Out: os.Stdout, Logger: logger})
	if err != nil {
		return nil, err
	}
	if err := rt.Start(ctx); err != nil {
		return nil, err
	}
	return rt, nil
}

func withTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
