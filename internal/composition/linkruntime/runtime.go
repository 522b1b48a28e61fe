package linkruntime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"walletlink/go-backend/internal/callback"
	"walletlink/go-backend/internal/config"
	"walletlink/go-backend/internal/platform/metrics"
	"walletlink/go-backend/internal/platform/ratelimiter"
	"walletlink/go-backend/internal/session"
	"walletlink/go-backend/internal/simwallet"
	"walletlink/go-backend/internal/transport"

	"github.com/prometheus/client_golang/prometheus"
)

type Options struct {
	// Out receives request URLs for the print transport. Defaults to stdout.
	Out           io.Writer
	Logger        *slog.Logger
	Registry      *prometheus.Registry
	WalletOptions []simwallet.Option
}

// Runtime is one wired provider plus the infrastructure it listens on.
type Runtime struct {
	Config   config.Config
	Bus      *callback.MemoryBus
	Provider *session.Provider
	Registry *prometheus.Registry
	// Wallet is set only for the mock transport.
	Wallet *simwallet.Wallet

	callbackServer *transport.CallbackServer
	relay          *transport.Relay
	log            *slog.Logger

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	serveErr chan error
	addr     string
}

func Build(cfg config.Config, opts Options) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}

	collector, err := metrics.NewCollector(opts.Registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	rt := &Runtime{
		Config:   cfg,
		Bus:      callback.NewMemoryBus(),
		Registry: opts.Registry,
		log:      opts.Logger,
	}

	var opener transport.Opener
	switch cfg.Transport {
	case transport.KindPrint:
		opener = transport.NewPrintOpener(opts.Out)
	case transport.KindMock:
		walletOpts := append([]simwallet.Option{simwallet.WithLogger(opts.Logger.With("component", "simwallet"))}, opts.WalletOptions...)
		wallet, err := simwallet.New(rt.Bus, walletOpts...)
		if err != nil {
			return nil, err
		}
		rt.Wallet = wallet
		opener = transport.LoopbackOpener{Handle: wallet.Handle}
	case transport.KindRelay:
		rt.relay = transport.NewRelay(cfg.Relay, rt.Bus, opts.Logger.With("component", "relay"))
		opener = rt.relay
	}

	if cfg.Callback.Enabled {
		serverOpts := transport.CallbackServerOptions{
			Addr:    cfg.Callback.Addr,
			Limiter: ratelimiter.New(cfg.Callback.RateLimitRPS, cfg.Callback.RateLimitBurst, 0),
			Metrics: collector,
			Logger:  opts.Logger.With("component", "callback_server"),
		}
		if cfg.Callback.Metrics {
			serverOpts.Gatherer = opts.Registry
		}
		rt.callbackServer = transport.NewCallbackServer(rt.Bus, serverOpts)
	}

	provider, err := session.NewProvider(session.Options{
		BaseURL:      cfg.Wallet.BaseURL,
		Cluster:      cfg.Wallet.Cluster,
		AppURL:       cfg.Wallet.AppURL,
		RedirectLink: cfg.Wallet.RedirectLink,
		Opener:       opener,
		Bus:          rt.Bus,
		Logger:       opts.Logger.With("component", "session"),
		Metrics:      collector,
	})
	if err != nil {
		return nil, err
	}
	rt.Provider = provider
	return rt, nil
}

// Start brings up the relay and the callback server. The callback listener is
// bound before Start returns.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("runtime already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if r.relay != nil {
		if err := r.relay.Start(runCtx); err != nil {
			cancel()
			return err
		}
	}
	if r.callbackServer != nil {
		ln, err := net.Listen("tcp", r.Config.Callback.Addr)
		if err != nil {
			cancel()
			if r.relay != nil {
				r.relay.Stop()
			}
			return fmt.Errorf("listen callback server: %w", err)
		}
		r.addr = ln.Addr().String()
		errCh := make(chan error, 1)
		r.serveErr = errCh
		go func() {
			errCh <- r.callbackServer.Serve(runCtx, ln)
		}()
	}
	r.cancel = cancel
	r.started = true
	r.log.Info("walletlink runtime started", "transport", r.Config.Transport, "callback_addr", r.addr)
	return nil
}

// CallbackAddr is the bound callback listener address, empty when the server
// is disabled or not started.
func (r *Runtime) CallbackAddr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// Close disconnects the provider and stops everything Start brought up.
func (r *Runtime) Close() error {
	r.Provider.Disconnect()

	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	cancel := r.cancel
	serveErr := r.serveErr
	r.cancel = nil
	r.serveErr = nil
	r.addr = ""
	r.mu.Unlock()

	cancel()
	if r.relay != nil {
		r.relay.Stop()
	}
	if serveErr == nil {
		return nil
	}
	select {
	case err := <-serveErr:
		return err
	case <-time.After(10 * time.Second):
		return errors.New("callback server did not stop")
	}
}
