package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"walletlink/go-backend/internal/callback"
	"walletlink/go-backend/internal/platform/metrics"
	"walletlink/go-backend/internal/platform/ratelimiter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultCallbackAddr = "127.0.0.1:8788"

const callbackLandingPage = "Request received. You can return to the application.\n"

type CallbackServerOptions struct {
	Addr     string
	Limiter  *ratelimiter.MapLimiter
	Metrics  *metrics.Collector
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// CallbackServer receives wallet redirects over plain HTTP (redirect_link
// pointing at http://127.0.0.1:8788/...) and republishes them on the bus.
type CallbackServer struct {
	httpServer *http.Server
	bus        callback.Publisher
	limiter    *ratelimiter.MapLimiter
	metrics    *metrics.Collector
	log        *slog.Logger
}

func NewCallbackServer(bus callback.Publisher, opts CallbackServerOptions) *CallbackServer {
	if opts.Addr == "" {
		opts.Addr = DefaultCallbackAddr
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	mux := http.NewServeMux()
	s := &CallbackServer{
		httpServer: &http.Server{
			Addr:              opts.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		bus:     bus,
		limiter: opts.Limiter,
		metrics: opts.Metrics,
		log:     opts.Logger,
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	if opts.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/", s.handleCallback)
	return s
}

func (s *CallbackServer) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *CallbackServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the server on ln until ctx ends.
func (s *CallbackServer) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()
	s.log.Info("callback server listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *CallbackServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.metrics.CallbackSeen(metrics.CallbackRejected)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow(ratelimiter.ClientKey(r), time.Now()) {
		s.metrics.CallbackSeen(metrics.CallbackRateLimited)
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	if strings.Trim(r.URL.Path, "/") == "" {
		s.metrics.CallbackSeen(metrics.CallbackRejected)
		http.NotFound(w, r)
		return
	}

	ev := callback.Event{URL: eventURL(r)}
	s.metrics.CallbackSeen(metrics.CallbackAccepted)
	s.log.Debug("callback received", "url", ev.URL)
	s.bus.Publish(ev)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(callbackLandingPage))
}

func eventURL(r *http.Request) string {
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	return "http://" + host + r.URL.RequestURI()
}
