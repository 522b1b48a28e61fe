package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"unicode/utf8"

	"walletlink/go-backend/internal/callback"
	"walletlink/go-backend/internal/codec"
	"walletlink/go-backend/internal/crypto"
	"walletlink/go-backend/internal/platform/metrics"
	"walletlink/go-backend/internal/transport"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const (
	DefaultBaseURL = "https://phantom.app/ul/v1"
	DefaultCluster = "mainnet-beta"
)

const (
	paramDappEncryptionPK = "dapp_encryption_public_key"
	paramCluster          = "cluster"
	paramAppURL           = "app_url"
	paramRedirectLink     = "redirect_link"
	paramPayload          = "payload"
)

var (
	ErrNotConnected      = errors.New("wallet session not connected")
	ErrAlreadyConnected  = errors.New("wallet session already connected")
	ErrConnectInProgress = errors.New("wallet connect already in progress")
	ErrConnectAborted    = errors.New("wallet connect aborted by disconnect")
)

type operation struct {
	method string
	route  string
}

var (
	opConnect                = operation{method: "connect", route: callback.RouteConnect}
	opSignTransaction        = operation{method: "signTransaction", route: callback.RouteSignTransaction}
	opSignMessage            = operation{method: "signMessage", route: callback.RouteSignMessage}
	opSignAllTransactions    = operation{method: "signAllTransactions", route: callback.RouteSignAllTransactions}
	opSignAndSendTransaction = operation{method: "signAndSendTransaction", route: callback.RouteSignAndSendTransaction}
)

// Session is the state a successful connect installs. A Provider holds either
// a complete Session or none.
type Session struct {
	ID           string
	KeyPair      crypto.KeyPair
	SharedSecret crypto.SharedSecret
	PublicKey    string
}

func (s *Session) wipe() {
	s.KeyPair.Wipe()
	s.SharedSecret.Wipe()
	s.ID = ""
	s.PublicKey = ""
}

type Options struct {
	// BaseURL is the wallet deep-link root, e.g. https://phantom.app/ul/v1.
	BaseURL string
	Cluster string
	AppURL  string
	// RedirectLink is where the wallet sends its answers; the callback route
	// is appended as the last path segment.
	RedirectLink string

	Opener  transport.Opener
	Bus     callback.Bus
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

type Provider struct {
	baseURL      string
	cluster      string
	appURL       string
	redirectLink string
	opener       transport.Opener
	bus          callback.Bus
	log          *slog.Logger
	metrics      *metrics.Collector

	mu         sync.RWMutex
	state      State
	session    *Session
	generation uint64
}

func NewProvider(opts Options) (*Provider, error) {
	if opts.Opener == nil {
		return nil, errors.New("opener is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("callback bus is required")
	}
	redirect := strings.TrimSpace(opts.RedirectLink)
	if redirect == "" {
		return nil, errors.New("redirect link is required")
	}
	if strings.ContainsAny(redirect, "?#") {
		return nil, errors.New("redirect link must not carry a query or fragment")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Cluster == "" {
		opts.Cluster = DefaultCluster
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Provider{
		baseURL:      strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		cluster:      opts.Cluster,
		appURL:       strings.TrimSpace(opts.AppURL),
		redirectLink: redirect,
		opener:       opts.Opener,
		bus:          opts.Bus,
		log:          opts.Logger,
		metrics:      opts.Metrics,
		state:        StateDisconnected,
	}, nil
}

func (p *Provider) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Provider) SessionID() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.session == nil {
		return "", false
	}
	return p.session.ID, true
}

// WalletPublicKey is the identity key the wallet reported on connect.
func (p *Provider) WalletPublicKey() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.session == nil {
		return "", false
	}
	return p.session.PublicKey, true
}

// Connect runs the establish exchange. On any failure the provider is back
// in StateDisconnected with no session installed.
func (p *Provider) Connect(ctx context.Context) (err error) {
	p.mu.Lock()
	switch p.state {
	case StateConnected:
		p.mu.Unlock()
		return ErrAlreadyConnected
	case StateConnecting:
		p.mu.Unlock()
		return ErrConnectInProgress
	}
	p.state = StateConnecting
	p.generation++
	gen := p.generation
	p.mu.Unlock()

	done := p.metrics.RequestStarted(opConnect.method)
	defer func() { done(outcomeOf(err)) }()

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		p.abortConnect(gen)
		return err
	}
	defer kp.Wipe()

	sess, err := p.establish(ctx, &kp)
	if err != nil {
		p.abortConnect(gen)
		p.log.Warn("wallet connect failed", "error", err.Error())
		return err
	}

	p.mu.Lock()
	if p.generation != gen || p.state != StateConnecting {
		p.mu.Unlock()
		sess.wipe()
		return ErrConnectAborted
	}
	p.session = sess
	p.state = StateConnected
	p.mu.Unlock()

	p.log.Info("wallet connected", "session_id", sess.ID, "wallet_public_key", sess.PublicKey)
	return nil
}

func (p *Provider) abortConnect(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.generation == gen && p.state == StateConnecting {
		p.state = StateDisconnected
	}
}

func (p *Provider) establish(ctx context.Context, kp *crypto.KeyPair) (*Session, error) {
	rid, err := newRequestID()
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set(paramDappEncryptionPK, crypto.EncodePublicKey(kp.PublicKey))
	q.Set(paramCluster, p.cluster)
	if p.appURL != "" {
		q.Set(paramAppURL, p.appURL)
	}
	q.Set(paramRedirectLink, p.redirectFor(opConnect.route, rid))

	pending := callback.WaitFor(p.bus, opConnect.route, func(params url.Values) (*Session, error) {
		return openConnectResponse(params, kp)
	}, callback.WithRequestID(rid))
	if err := p.opener.Open(ctx, p.endpoint(opConnect.method, q)); err != nil {
		pending.Cancel()
		return nil, fmt.Errorf("dispatch %s: %w", opConnect.method, err)
	}
	return pending.Await(ctx)
}

// Disconnect drops the session and its key material. The wallet is not told.
func (p *Provider) Disconnect() {
	p.mu.Lock()
	sess := p.session
	prev := p.state
	p.session = nil
	p.state = StateDisconnected
	p.generation++
	p.mu.Unlock()

	if sess != nil {
		sess.wipe()
	}
	if prev != StateDisconnected {
		p.log.Info("wallet disconnected", "previous_state", string(prev))
	}
}

func (p *Provider) SignTransaction(ctx context.Context, tx []byte) ([]byte, error) {
	res, err := request[codec.SignTransactionResult](ctx, p, opSignTransaction, func(sessionID string) codec.Payload {
		return codec.SignTransactionRequest{Session: sessionID, Transaction: codec.EncodeBinary(tx)}
	})
	if err != nil {
		return nil, err
	}
	return codec.DecodeBinary(res.Transaction)
}

// SignMessage returns the raw signature over msg. Messages that are not
// valid UTF-8 are shown to the user as hex.
func (p *Provider) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	display := codec.DisplayUTF8
	if !utf8.Valid(msg) {
		display = codec.DisplayHex
	}
	res, err := request[codec.SignMessageResult](ctx, p, opSignMessage, func(sessionID string) codec.Payload {
		return codec.SignMessageRequest{Session: sessionID, Message: codec.EncodeBinary(msg), Display: display}
	})
	if err != nil {
		return nil, err
	}
	return codec.DecodeBinary(res.Signature)
}

func (p *Provider) SignAllTransactions(ctx context.Context, txs [][]byte) ([][]byte, error) {
	encoded := make([]string, 0, len(txs))
	for _, tx := range txs {
		encoded = append(encoded, codec.EncodeBinary(tx))
	}
	res, err := request[codec.SignAllTransactionsResult](ctx, p, opSignAllTransactions, func(sessionID string) codec.Payload {
		return codec.SignAllTransactionsRequest{Session: sessionID, Transactions: encoded}
	})
	if err != nil {
		return nil, err
	}
	if len(res.Transactions) != len(txs) {
		return nil, fmt.Errorf("%w: wallet returned %d transactions for %d", codec.ErrMalformedPayload, len(res.Transactions), len(txs))
	}
	out := make([][]byte, 0, len(res.Transactions))
	for _, tx := range res.Transactions {
		raw, err := codec.DecodeBinary(tx)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// SignAndSendTransaction asks the wallet to sign and submit tx and returns
// the transaction signature. opts may be nil.
func (p *Provider) SignAndSendTransaction(ctx context.Context, tx []byte, opts *codec.SendOptions) ([]byte, error) {
	res, err := request[codec.SignAndSendTransactionResult](ctx, p, opSignAndSendTransaction, func(sessionID string) codec.Payload {
		return codec.SignAndSendTransactionRequest{Session: sessionID, Transaction: codec.EncodeBinary(tx), SendOptions: opts}
	})
	if err != nil {
		return nil, err
	}
	return codec.DecodeBinary(res.Signature)
}

// request runs one encrypted exchange against a copy of the current session,
// so a concurrent Disconnect never tears key material out from under it.
func request[Res codec.Payload](ctx context.Context, p *Provider, op operation, build func(sessionID string) codec.Payload) (res Res, err error) {
	sess, ok := p.snapshot()
	if !ok {
		return res, ErrNotConnected
	}
	defer sess.wipe()

	done := p.metrics.RequestStarted(op.method)
	defer func() { done(outcomeOf(err)) }()

	plaintext, err := codec.EncodePayload(build(sess.ID))
	if err != nil {
		return res, err
	}
	env, err := crypto.Encrypt(plaintext, sess.SharedSecret)
	if err != nil {
		return res, err
	}
	rid, err := newRequestID()
	if err != nil {
		return res, err
	}
	q := url.Values{}
	q.Set(paramDappEncryptionPK, crypto.EncodePublicKey(sess.KeyPair.PublicKey))
	q.Set(callback.ParamNonce, codec.EncodeBinary(env.Nonce[:]))
	q.Set(paramRedirectLink, p.redirectFor(op.route, rid))
	q.Set(paramPayload, codec.EncodeBinary(env.Ciphertext))

	pending := callback.WaitFor(p.bus, op.route, func(params url.Values) (Res, error) {
		return openPayload[Res](params, sess.SharedSecret)
	}, callback.WithRequestID(rid))
	if err := p.opener.Open(ctx, p.endpoint(op.method, q)); err != nil {
		pending.Cancel()
		return res, fmt.Errorf("dispatch %s: %w", op.method, err)
	}
	res, err = pending.Await(ctx)
	if err != nil {
		p.log.Warn("wallet request failed", "operation", op.method, "session_id", sess.ID, "error", err.Error())
	}
	return res, err
}

func (p *Provider) snapshot() (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state != StateConnected || p.session == nil {
		return nil, false
	}
	cp := *p.session
	return &cp, true
}

func (p *Provider) endpoint(method string, q url.Values) string {
	return p.baseURL + "/" + method + "?" + q.Encode()
}

// redirectFor appends route to the redirect link, as a host for bare
// custom schemes (walletlink://onConnect) and as a path segment otherwise.
func (p *Provider) redirectFor(route, rid string) string {
	var link string
	if strings.HasSuffix(p.redirectLink, "://") {
		link = p.redirectLink + route
	} else {
		link = strings.TrimRight(p.redirectLink, "/") + "/" + route
	}
	return link + "?" + callback.ParamRequestID + "=" + url.QueryEscape(rid)
}

// The session keeps its own copy of kp; the caller wipes the original.
func openConnectResponse(params url.Values, kp *crypto.KeyPair) (*Session, error) {
	walletKeyText, err := requiredParam(params, callback.ParamWalletEncryptionPK)
	if err != nil {
		return nil, err
	}
	walletKey, err := crypto.ParsePublicKey(walletKeyText)
	if err != nil {
		return nil, fmt.Errorf("wallet encryption key: %w", err)
	}
	secret, err := crypto.DeriveSharedSecret(kp.SecretKey[:], walletKey[:])
	if err != nil {
		return nil, err
	}
	res, err := openPayload[codec.ConnectResult](params, secret)
	if err != nil {
		secret.Wipe()
		return nil, err
	}
	return &Session{
		ID:           res.Session,
		KeyPair:      *kp,
		SharedSecret: secret,
		PublicKey:    res.PublicKey,
	}, nil
}

func openPayload[T codec.Payload](params url.Values, secret crypto.SharedSecret) (T, error) {
	var zero T
	nonceText, err := requiredParam(params, callback.ParamNonce)
	if err != nil {
		return zero, err
	}
	dataText, err := requiredParam(params, callback.ParamData)
	if err != nil {
		return zero, err
	}
	nonce, err := codec.DecodeBinary(nonceText)
	if err != nil {
		return zero, err
	}
	data, err := codec.DecodeBinary(dataText)
	if err != nil {
		return zero, err
	}
	plaintext, err := crypto.Decrypt(data, nonce, secret)
	if err != nil {
		return zero, err
	}
	return codec.DecodePayload[T](plaintext)
}

func requiredParam(params url.Values, name string) (string, error) {
	v := strings.TrimSpace(params.Get(name))
	if v == "" {
		return "", fmt.Errorf("%w: callback is missing %s", codec.ErrMalformedPayload, name)
	}
	return v, nil
}

func newRequestID() (string, error) {
	var raw [12]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generate request id: %w", err)
	}
	return codec.EncodeBinary(raw[:]), nil
}

func outcomeOf(err error) string {
	var remote *callback.RemoteError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &remote):
		return "remote_error"
	case errors.Is(err, callback.ErrCanceled):
		return "canceled"
	case errors.Is(err, crypto.ErrDecryptionFailed):
		return "decryption_failed"
	case errors.Is(err, codec.ErrMalformedPayload), errors.Is(err, codec.ErrMalformedEncoding):
		return "malformed"
	case errors.Is(err, ErrConnectAborted):
		return "aborted"
	}
	return "error"
}
