package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"walletlink/go-backend/internal/callback"

	ma "github.com/multiformats/go-multiaddr"
)

const (
	RelayStateStopped = "stopped"
	RelayStateRunning = "running"
)

var (
	ErrRelayUnavailable = errors.New("go-waku relay backend is not available in this build")
	ErrRelayNotRunning  = errors.New("relay not running")
)

// RelayConfig drives the waku relay transport: request URLs go out on
// RequestTopic, wallet redirects come back on CallbackTopic.
type RelayConfig struct {
	Port           int           `yaml:"port"`
	BootstrapNodes []string      `yaml:"bootstrapNodes"`
	PubsubTopic    string        `yaml:"pubsubTopic"`
	RequestTopic   string        `yaml:"requestTopic"`
	CallbackTopic  string        `yaml:"callbackTopic"`
	StartTimeout   time.Duration `yaml:"startTimeout"`
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Port:          60010,
		PubsubTopic:   "/waku/2/default-waku/proto",
		RequestTopic:  "/walletlink/1/request/proto",
		CallbackTopic: "/walletlink/1/callback/proto",
		StartTimeout:  10 * time.Second,
	}
}

func normalizeRelayConfig(cfg RelayConfig) RelayConfig {
	def := DefaultRelayConfig()
	if cfg.PubsubTopic == "" {
		cfg.PubsubTopic = def.PubsubTopic
	}
	if cfg.RequestTopic == "" {
		cfg.RequestTopic = def.RequestTopic
	}
	if cfg.CallbackTopic == "" {
		cfg.CallbackTopic = def.CallbackTopic
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = def.StartTimeout
	}
	if cfg.Port < 0 {
		cfg.Port = 0
	}
	return cfg
}

// ValidateBootstrapNodes checks that every entry is a multiaddr.
func ValidateBootstrapNodes(nodes []string) error {
	for i, addr := range nodes {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			return fmt.Errorf("bootstrap node %d is empty", i)
		}
		if _, err := ma.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("bootstrap node %q: %w", addr, err)
		}
	}
	return nil
}

type relayBackend interface {
	Start(ctx context.Context, cfg RelayConfig) error
	Stop()
	PeerCount() int
	Publish(ctx context.Context, contentTopic string, payload []byte) error
	Subscribe(ctx context.Context, contentTopic string, handler func([]byte)) error
}

type relayEnvelope struct {
	URL    string `json:"url"`
	SentAt int64  `json:"sent_at"`
}

// Relay is an Opener that reaches the wallet through a waku relay bridge and
// feeds the bridge's redirects into the callback bus.
type Relay struct {
	mu      sync.RWMutex
	cfg     RelayConfig
	state   string
	backend relayBackend
	bus     callback.Publisher
	log     *slog.Logger
}

func NewRelay(cfg RelayConfig, bus callback.Publisher, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		cfg:   normalizeRelayConfig(cfg),
		state: RelayStateStopped,
		bus:   bus,
		log:   logger,
	}
}

func (r *Relay) Start(ctx context.Context) error {
	backend := newWakuBackend()
	if backend == nil {
		return ErrRelayUnavailable
	}
	return r.startWith(ctx, backend)
}

func (r *Relay) startWith(ctx context.Context, backend relayBackend) error {
	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()
	if err := ValidateBootstrapNodes(cfg.BootstrapNodes); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, cfg.StartTimeout)
	defer cancel()
	if err := backend.Start(startCtx, cfg); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}
	if err := backend.Subscribe(ctx, cfg.CallbackTopic, r.deliver); err != nil {
		backend.Stop()
		return fmt.Errorf("subscribe callbacks: %w", err)
	}

	r.mu.Lock()
	r.backend = backend
	r.state = RelayStateRunning
	r.mu.Unlock()
	r.log.Info("relay transport started", "peers", backend.PeerCount(), "callback_topic", cfg.CallbackTopic)
	return nil
}

func (r *Relay) Stop() {
	r.mu.Lock()
	backend := r.backend
	r.backend = nil
	r.state = RelayStateStopped
	r.mu.Unlock()
	if backend != nil {
		backend.Stop()
	}
}

func (r *Relay) State() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Relay) PeerCount() int {
	r.mu.RLock()
	backend := r.backend
	r.mu.RUnlock()
	if backend == nil {
		return 0
	}
	return backend.PeerCount()
}

func (r *Relay) Open(ctx context.Context, rawURL string) error {
	r.mu.RLock()
	backend := r.backend
	topic := r.cfg.RequestTopic
	r.mu.RUnlock()
	if backend == nil {
		return ErrRelayNotRunning
	}
	if strings.TrimSpace(rawURL) == "" {
		return errors.New("request url is required")
	}
	payload, err := json.Marshal(relayEnvelope{URL: rawURL, SentAt: time.Now().UnixNano()})
	if err != nil {
		return err
	}
	return backend.Publish(ctx, topic, payload)
}

func (r *Relay) deliver(payload []byte) {
	var env relayEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.log.Warn("relay callback dropped", "reason", err.Error())
		return
	}
	if strings.TrimSpace(env.URL) == "" {
		return
	}
	r.bus.Publish(callback.Event{URL: env.URL})
}
