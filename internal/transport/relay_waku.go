//go:build real_waku

package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
)

type wakuBackend struct {
	mu   sync.RWMutex
	node *wakuNode.WakuNode
	cfg  RelayConfig
}

func newWakuBackend() relayBackend {
	return &wakuBackend{}
}

func (w *wakuBackend) Start(ctx context.Context, cfg RelayConfig) error {
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return err
	}
	node, err := wakuNode.New(
		wakuNode.WithHostAddress(hostAddr),
		wakuNode.WithWakuRelay(),
	)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}
	for _, addr := range cfg.BootstrapNodes {
		addr = strings.TrimSpace(addr)
		if err := node.DialPeer(ctx, addr); err != nil {
			slog.Warn("relay bootstrap dial failed", "peer_addr", addr, "reason", err.Error())
		}
	}

	w.mu.Lock()
	w.node = node
	w.cfg = cfg
	w.mu.Unlock()
	return nil
}

func (w *wakuBackend) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.node != nil {
		w.node.Stop()
		w.node = nil
	}
}

func (w *wakuBackend) PeerCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.node == nil {
		return 0
	}
	return w.node.PeerCount()
}

func (w *wakuBackend) Subscribe(ctx context.Context, contentTopic string, handler func([]byte)) error {
	w.mu.RLock()
	node := w.node
	pubsubTopic := w.cfg.PubsubTopic
	w.mu.RUnlock()
	if node == nil {
		return errors.New("go-waku node is nil")
	}

	filter := protocol.NewContentFilter(pubsubTopic, contentTopic)
	subs, err := node.Relay().Subscribe(ctx, filter)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		go func(subscription *relay.Subscription) {
			for env := range subscription.Ch {
				if env == nil || env.Message() == nil {
					continue
				}
				handler(env.Message().Payload)
			}
		}(sub)
	}
	return nil
}

func (w *wakuBackend) Publish(ctx context.Context, contentTopic string, payload []byte) error {
	w.mu.RLock()
	node := w.node
	pubsubTopic := w.cfg.PubsubTopic
	w.mu.RUnlock()
	if node == nil {
		return errors.New("go-waku node is nil")
	}
	ts := time.Now().UnixNano()
	wm := &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: contentTopic,
		Timestamp:    &ts,
	}
	_, err := node.Relay().Publish(ctx, wm, relay.WithPubSubTopic(pubsubTopic))
	return err
}
