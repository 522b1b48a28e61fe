package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sync"
	"testing"
	"time"

	"walletlink/go-backend/internal/callback"
	"walletlink/go-backend/internal/codec"
	"walletlink/go-backend/internal/crypto"
	"walletlink/go-backend/internal/platform/metrics"
	"walletlink/go-backend/internal/simwallet"
	"walletlink/go-backend/internal/transport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const testRedirect = "walletlink://"

// scriptedWallet answers each opened URL with whatever respond returns. A nil
// answer means the wallet stays silent.
type scriptedWallet struct {
	bus     *callback.MemoryBus
	respond func(method string, q url.Values) url.Values

	mu     sync.Mutex
	opened []string
}

func (s *scriptedWallet) Open(_ context.Context, rawURL string) error {
	s.mu.Lock()
	s.opened = append(s.opened, rawURL)
	s.mu.Unlock()

	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	q := u.Query()
	if s.respond == nil {
		return nil
	}
	params := s.respond(path.Base(u.Path), q)
	if params == nil {
		return nil
	}
	publishReply(s.bus, q.Get(paramRedirectLink), params)
	return nil
}

func (s *scriptedWallet) openedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.opened)
}

func publishReply(bus *callback.MemoryBus, redirect string, params url.Values) {
	target, err := url.Parse(redirect)
	if err != nil {
		panic(err)
	}
	q := target.Query()
	for k, vs := range params {
		q[k] = vs
	}
	target.RawQuery = q.Encode()
	bus.Publish(callback.Event{URL: target.String()})
}

func newTestProvider(t *testing.T, bus *callback.MemoryBus, opener transport.Opener) *Provider {
	t.Helper()
	p, err := NewProvider(Options{
		Cluster:      "devnet",
		AppURL:       "https://dapp.example",
		RedirectLink: testRedirect,
		Opener:       opener,
		Bus:          bus,
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p
}

// walletSide plays the wallet for one connect, remembering the shared secret.
type walletSide struct {
	t         *testing.T
	sessionID string
	identity  string
	secret    crypto.SharedSecret
}

func newWalletSide(t *testing.T) *walletSide {
	t.Helper()
	identity := make([]byte, 32)
	for i := range identity {
		identity[i] = byte(i + 1)
	}
	return &walletSide{t: t, sessionID: "session-7f3a", identity: codec.EncodeBinary(identity)}
}

func (w *walletSide) connectReply(q url.Values) url.Values {
	w.t.Helper()
	dappKey, err := crypto.ParsePublicKey(q.Get(paramDappEncryptionPK))
	if err != nil {
		w.t.Fatalf("dapp key in connect request: %v", err)
	}
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		w.t.Fatalf("wallet keypair: %v", err)
	}
	w.secret, err = crypto.DeriveSharedSecret(kp.SecretKey[:], dappKey[:])
	if err != nil {
		w.t.Fatalf("wallet shared secret: %v", err)
	}
	params := w.seal(codec.ConnectResult{PublicKey: w.identity, Session: w.sessionID})
	params.Set(callback.ParamWalletEncryptionPK, crypto.EncodePublicKey(kp.PublicKey))
	return params
}

func (w *walletSide) seal(p codec.Payload) url.Values {
	w.t.Helper()
	plaintext, err := codec.EncodePayload(p)
	if err != nil {
		w.t.Fatalf("encode payload: %v", err)
	}
	env, err := crypto.Encrypt(plaintext, w.secret)
	if err != nil {
		w.t.Fatalf("encrypt payload: %v", err)
	}
	params := url.Values{}
	params.Set(callback.ParamNonce, codec.EncodeBinary(env.Nonce[:]))
	params.Set(callback.ParamData, codec.EncodeBinary(env.Ciphertext))
	return params
}

func openRequestPayload[T codec.Payload](t *testing.T, w *walletSide, q url.Values) T {
	t.Helper()
	nonce, err := codec.DecodeBinary(q.Get(callback.ParamNonce))
	if err != nil {
		t.Fatalf("decode nonce: %v", err)
	}
	data, err := codec.DecodeBinary(q.Get(paramPayload))
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	plaintext, err := crypto.Decrypt(data, nonce, w.secret)
	if err != nil {
		t.Fatalf("decrypt request: %v", err)
	}
	req, err := codec.DecodePayload[T](plaintext)
	if err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return req
}

func TestConnectInstallsSessionFromEnvelope(t *testing.T) {
	bus := callback.NewMemoryBus()
	ws := newWalletSide(t)
	wallet := &scriptedWallet{bus: bus}
	wallet.respond = func(method string, q url.Values) url.Values {
		if method != "connect" {
			t.Fatalf("unexpected method %q", method)
		}
		if q.Get(paramCluster) != "devnet" || q.Get(paramAppURL) != "https://dapp.example" {
			t.Fatalf("unexpected connect params %v", q)
		}
		return ws.connectReply(q)
	}
	p := newTestProvider(t, bus, wallet)

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if p.State() != StateConnected {
		t.Fatalf("expected connected, got %s", p.State())
	}
	id, ok := p.SessionID()
	if !ok || id != ws.sessionID {
		t.Fatalf("session id mismatch: got %q", id)
	}
	pk, ok := p.WalletPublicKey()
	if !ok || pk != ws.identity {
		t.Fatalf("wallet public key mismatch: got %q", pk)
	}

	sess := p.session
	if sess.KeyPair.IsZero() || sess.SharedSecret.IsZero() {
		t.Fatal("session key material must be populated")
	}
	if !sess.SharedSecret.Equal(ws.secret) {
		t.Fatal("provider derived a different shared secret than the wallet")
	}
	if n := bus.SubscriberCount(); n != 0 {
		t.Fatalf("expected no live subscriptions, got %d", n)
	}
}

func TestConnectRemoteErrorLeavesDisconnected(t *testing.T) {
	bus := callback.NewMemoryBus()
	wallet := &scriptedWallet{bus: bus, respond: func(string, url.Values) url.Values {
		return url.Values{
			callback.ParamErrorCode:    {"4001"},
			callback.ParamErrorMessage: {"User rejected the request."},
		}
	}}
	p := newTestProvider(t, bus, wallet)

	err := p.Connect(context.Background())
	var remote *callback.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Code != "4001" {
		t.Fatalf("unexpected code %q", remote.Code)
	}
	assertDisconnected(t, p)
}

func TestConnectFailuresLeaveNoPartialSession(t *testing.T) {
	cases := []struct {
		name    string
		tamper  func(params url.Values)
		wantErr error
	}{
		{
			name: "tampered ciphertext",
			tamper: func(params url.Values) {
				data, _ := codec.DecodeBinary(params.Get(callback.ParamData))
				data[len(data)-1] ^= 0x01
				params.Set(callback.ParamData, codec.EncodeBinary(data))
			},
			wantErr: crypto.ErrDecryptionFailed,
		},
		{
			name:    "missing nonce",
			tamper:  func(params url.Values) { params.Del(callback.ParamNonce) },
			wantErr: codec.ErrMalformedPayload,
		},
		{
			name:    "bad wallet key",
			tamper:  func(params url.Values) { params.Set(callback.ParamWalletEncryptionPK, "0OIl") },
			wantErr: codec.ErrMalformedEncoding,
		},
		{
			name:    "short wallet key",
			tamper:  func(params url.Values) { params.Set(callback.ParamWalletEncryptionPK, codec.EncodeBinary([]byte{1, 2, 3})) },
			wantErr: crypto.ErrInvalidKey,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bus := callback.NewMemoryBus()
			ws := newWalletSide(t)
			wallet := &scriptedWallet{bus: bus, respond: func(_ string, q url.Values) url.Values {
				params := ws.connectReply(q)
				tc.tamper(params)
				return params
			}}
			p := newTestProvider(t, bus, wallet)
			if err := p.Connect(context.Background()); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			assertDisconnected(t, p)
		})
	}
}

func TestConnectResponseOwnsKeyCopy(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	secretKey := kp.SecretKey
	ws := newWalletSide(t)
	q := url.Values{}
	q.Set(paramDappEncryptionPK, crypto.EncodePublicKey(kp.PublicKey))

	sess, err := openConnectResponse(ws.connectReply(q), &kp)
	if err != nil {
		t.Fatalf("open connect response: %v", err)
	}
	kp.Wipe()
	if kp.SecretKey != ([crypto.KeySize]byte{}) {
		t.Fatal("caller keypair not wiped")
	}
	if sess.KeyPair.SecretKey != secretKey {
		t.Fatal("session keypair must survive wiping the caller's copy")
	}
	sess.wipe()
	if sess.KeyPair.SecretKey != ([crypto.KeySize]byte{}) {
		t.Fatal("session keypair not wiped")
	}
}

func TestConnectRejectsMalformedConnectPayload(t *testing.T) {
	bus := callback.NewMemoryBus()
	ws := newWalletSide(t)
	wallet := &scriptedWallet{bus: bus, respond: func(_ string, q url.Values) url.Values {
		params := ws.connectReply(q)
		bad := ws.seal(rawPayload(`{"public_key":"` + ws.identity + `"}`))
		params.Set(callback.ParamNonce, bad.Get(callback.ParamNonce))
		params.Set(callback.ParamData, bad.Get(callback.ParamData))
		return params
	}}
	p := newTestProvider(t, bus, wallet)
	if err := p.Connect(context.Background()); !errors.Is(err, codec.ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
	assertDisconnected(t, p)
}

// rawPayload lets a test seal arbitrary JSON.
type rawPayload string

func (rawPayload) Validate() error { return nil }

func (r rawPayload) MarshalJSON() ([]byte, error) { return []byte(r), nil }

func TestSignWhileDisconnectedDispatchesNothing(t *testing.T) {
	bus := callback.NewMemoryBus()
	wallet := &scriptedWallet{bus: bus}
	p := newTestProvider(t, bus, wallet)

	if _, err := p.SignTransaction(context.Background(), []byte{1, 2, 3}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, err := p.SignMessage(context.Background(), []byte("hi")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, err := p.SignAllTransactions(context.Background(), [][]byte{{1}}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, err := p.SignAndSendTransaction(context.Background(), []byte{1}, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if n := wallet.openedCount(); n != 0 {
		t.Fatalf("expected no dispatched requests, got %d", n)
	}
	if n := bus.SubscriberCount(); n != 0 {
		t.Fatalf("expected no subscriptions, got %d", n)
	}
}

func TestSignMessageReturnsWalletSignature(t *testing.T) {
	bus := callback.NewMemoryBus()
	ws := newWalletSide(t)
	message := []byte("sign in to dapp.example")
	sig := bytes.Repeat([]byte{0xAB}, 64)

	wallet := &scriptedWallet{bus: bus}
	wallet.respond = func(method string, q url.Values) url.Values {
		switch method {
		case "connect":
			return ws.connectReply(q)
		case "signMessage":
			req := openRequestPayload[codec.SignMessageRequest](t, ws, q)
			if req.Session != ws.sessionID {
				t.Fatalf("request carried session %q", req.Session)
			}
			got, _ := codec.DecodeBinary(req.Message)
			if !bytes.Equal(got, message) {
				t.Fatalf("wallet saw message %q", got)
			}
			if req.Display != codec.DisplayUTF8 {
				t.Fatalf("unexpected display %q", req.Display)
			}
			return ws.seal(codec.SignMessageResult{Signature: codec.EncodeBinary(sig)})
		}
		t.Fatalf("unexpected method %q", method)
		return nil
	}
	p := newTestProvider(t, bus, wallet)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	got, err := p.SignMessage(context.Background(), message)
	if err != nil {
		t.Fatalf("sign message failed: %v", err)
	}
	if !bytes.Equal(got, sig) {
		t.Fatalf("signature mismatch: got %x", got)
	}
}

func TestSignFailureKeepsSession(t *testing.T) {
	bus := callback.NewMemoryBus()
	ws := newWalletSide(t)
	calls := 0
	wallet := &scriptedWallet{bus: bus}
	wallet.respond = func(method string, q url.Values) url.Values {
		if method == "connect" {
			return ws.connectReply(q)
		}
		calls++
		switch calls {
		case 1:
			return url.Values{callback.ParamErrorCode: {"4001"}}
		case 2:
			params := ws.seal(codec.SignTransactionResult{Transaction: codec.EncodeBinary([]byte{9})})
			params.Set(callback.ParamNonce, codec.EncodeBinary(make([]byte, crypto.NonceSize)))
			return params
		}
		return ws.seal(codec.SignTransactionResult{Transaction: codec.EncodeBinary([]byte{7, 7})})
	}
	p := newTestProvider(t, bus, wallet)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	var remote *callback.RemoteError
	if _, err := p.SignTransaction(context.Background(), []byte{1}); !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if _, err := p.SignTransaction(context.Background(), []byte{1}); !errors.Is(err, crypto.ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
	if p.State() != StateConnected {
		t.Fatalf("failed sign must not change state, got %s", p.State())
	}
	if id, _ := p.SessionID(); id != ws.sessionID {
		t.Fatalf("session changed to %q", id)
	}

	signed, err := p.SignTransaction(context.Background(), []byte{1})
	if err != nil {
		t.Fatalf("third sign failed: %v", err)
	}
	if !bytes.Equal(signed, []byte{7, 7}) {
		t.Fatalf("unexpected signed tx %x", signed)
	}
}

func TestSignRejectsEmptyInput(t *testing.T) {
	bus := callback.NewMemoryBus()
	ws := newWalletSide(t)
	wallet := &scriptedWallet{bus: bus, respond: func(method string, q url.Values) url.Values {
		if method != "connect" {
			t.Fatalf("empty input must not be dispatched")
		}
		return ws.connectReply(q)
	}}
	p := newTestProvider(t, bus, wallet)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if _, err := p.SignTransaction(context.Background(), nil); !errors.Is(err, codec.ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
	if _, err := p.SignAllTransactions(context.Background(), nil); !errors.Is(err, codec.ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	bus := callback.NewMemoryBus()
	ws := newWalletSide(t)
	wallet := &scriptedWallet{bus: bus, respond: func(_ string, q url.Values) url.Values { return ws.connectReply(q) }}
	p := newTestProvider(t, bus, wallet)

	p.Disconnect()
	p.Disconnect()
	assertDisconnected(t, p)

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	sess := p.session
	p.Disconnect()
	assertDisconnected(t, p)
	if !sess.KeyPair.IsZero() || !sess.SharedSecret.IsZero() {
		t.Fatal("disconnect must wipe key material")
	}
	p.Disconnect()
	assertDisconnected(t, p)
	if n := wallet.openedCount(); n != 1 {
		t.Fatalf("disconnect must not dispatch, opened=%d", n)
	}
}

func TestConnectStateGuards(t *testing.T) {
	bus := callback.NewMemoryBus()
	ws := newWalletSide(t)
	release := make(chan struct{})
	var p *Provider
	wallet := &scriptedWallet{bus: bus, respond: func(_ string, q url.Values) url.Values {
		if err := p.Connect(context.Background()); !errors.Is(err, ErrConnectInProgress) {
			t.Errorf("expected ErrConnectInProgress, got %v", err)
		}
		close(release)
		return ws.connectReply(q)
	}}
	p = newTestProvider(t, bus, wallet)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	<-release
	if err := p.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestDisconnectDuringConnectAborts(t *testing.T) {
	bus := callback.NewMemoryBus()
	ws := newWalletSide(t)
	var p *Provider
	wallet := &scriptedWallet{bus: bus, respond: func(_ string, q url.Values) url.Values {
		p.Disconnect()
		return ws.connectReply(q)
	}}
	p = newTestProvider(t, bus, wallet)
	if err := p.Connect(context.Background()); !errors.Is(err, ErrConnectAborted) {
		t.Fatalf("expected ErrConnectAborted, got %v", err)
	}
	assertDisconnected(t, p)
}

func TestConnectCancelReleasesSubscription(t *testing.T) {
	bus := callback.NewMemoryBus()
	wallet := &scriptedWallet{bus: bus}
	p := newTestProvider(t, bus, wallet)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Connect(ctx)
	if !errors.Is(err, callback.ErrCanceled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected canceled wait, got %v", err)
	}
	assertDisconnected(t, p)
	if n := bus.SubscriberCount(); n != 0 {
		t.Fatalf("expected subscription released, got %d", n)
	}
}

func TestDispatchFailureReleasesSubscription(t *testing.T) {
	bus := callback.NewMemoryBus()
	boom := errors.New("no browser")
	p := newTestProvider(t, bus, transport.OpenerFunc(func(context.Context, string) error { return boom }))
	if err := p.Connect(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected dispatch error, got %v", err)
	}
	assertDisconnected(t, p)
	if n := bus.SubscriberCount(); n != 0 {
		t.Fatalf("expected subscription released, got %d", n)
	}
}

func TestRedirectFor(t *testing.T) {
	cases := []struct {
		link string
		want string
	}{
		{link: "walletlink://", want: "walletlink://onConnect?rid=abc"},
		{link: "https://dapp.example/cb", want: "https://dapp.example/cb/onConnect?rid=abc"},
		{link: "https://dapp.example/cb/", want: "https://dapp.example/cb/onConnect?rid=abc"},
		{link: "http://127.0.0.1:8788", want: "http://127.0.0.1:8788/onConnect?rid=abc"},
	}
	for _, tc := range cases {
		p := &Provider{redirectLink: tc.link}
		if got := p.redirectFor(callback.RouteConnect, "abc"); got != tc.want {
			t.Fatalf("redirectFor(%q) = %q, want %q", tc.link, got, tc.want)
		}
	}
}

func TestNewProviderValidatesOptions(t *testing.T) {
	bus := callback.NewMemoryBus()
	opener := transport.OpenerFunc(func(context.Context, string) error { return nil })
	cases := []Options{
		{Bus: bus, RedirectLink: testRedirect},
		{Opener: opener, RedirectLink: testRedirect},
		{Opener: opener, Bus: bus},
		{Opener: opener, Bus: bus, RedirectLink: "https://dapp.example/cb?x=1"},
	}
	for i, opts := range cases {
		if _, err := NewProvider(opts); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
	p, err := NewProvider(Options{Opener: opener, Bus: bus, RedirectLink: testRedirect})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if p.baseURL != DefaultBaseURL || p.cluster != DefaultCluster {
		t.Fatalf("defaults not applied: %s %s", p.baseURL, p.cluster)
	}
}

func newSimulatedPair(t *testing.T, opts ...simwallet.Option) (*Provider, *simwallet.Wallet, *callback.MemoryBus, *prometheus.Registry) {
	t.Helper()
	bus := callback.NewMemoryBus()
	wallet, err := simwallet.New(bus, opts...)
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}
	reg := prometheus.NewRegistry()
	m, err := metrics.NewCollector(reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	p, err := NewProvider(Options{
		RedirectLink: "https://dapp.example/callback",
		Opener:       transport.LoopbackOpener{Handle: wallet.Handle},
		Bus:          bus,
		Metrics:      m,
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p, wallet, bus, reg
}

func TestSimulatedWalletRoundTrips(t *testing.T) {
	p, wallet, bus, reg := newSimulatedPair(t)
	ctx := context.Background()
	if err := p.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if pk, _ := p.WalletPublicKey(); pk != wallet.PublicKey() {
		t.Fatalf("wallet key mismatch: %s != %s", pk, wallet.PublicKey())
	}

	tx := []byte("opaque transaction bytes")
	signed, err := p.SignTransaction(ctx, tx)
	if err != nil {
		t.Fatalf("sign transaction: %v", err)
	}
	if !bytes.Equal(signed[64:], tx) || !wallet.Verify(tx, signed[:64]) {
		t.Fatal("signed transaction does not carry a valid signature")
	}

	msg := []byte{0xff, 0x00, 0x10}
	sig, err := p.SignMessage(ctx, msg)
	if err != nil {
		t.Fatalf("sign message: %v", err)
	}
	if !wallet.Verify(msg, sig) {
		t.Fatal("message signature does not verify")
	}

	txs := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	all, err := p.SignAllTransactions(ctx, txs)
	if err != nil {
		t.Fatalf("sign all: %v", err)
	}
	for i := range txs {
		if !bytes.Equal(all[i][64:], txs[i]) || !wallet.Verify(txs[i], all[i][:64]) {
			t.Fatalf("transaction %d not signed", i)
		}
	}

	retries := 3
	txSig, err := p.SignAndSendTransaction(ctx, tx, &codec.SendOptions{MaxRetries: &retries})
	if err != nil {
		t.Fatalf("sign and send: %v", err)
	}
	if !wallet.Verify(tx, txSig) {
		t.Fatal("sign-and-send signature does not verify")
	}

	wallet.RejectNext(simwallet.CodeUserRejected, "User rejected the request.")
	var remote *callback.RemoteError
	if _, err := p.SignMessage(ctx, []byte("again")); !errors.As(err, &remote) || remote.Code != simwallet.CodeUserRejected {
		t.Fatalf("expected user rejection, got %v", err)
	}

	if n := bus.SubscriberCount(); n != 0 {
		t.Fatalf("expected no leaked subscriptions, got %d", n)
	}
	if n, err := testutil.GatherAndCount(reg, "walletlink_request_results_total"); err != nil || n != 6 {
		t.Fatalf("expected 6 result series, got %d (%v)", n, err)
	}
}

func TestConcurrentSameRouteRequestsDoNotCross(t *testing.T) {
	p, wallet, bus, _ := newSimulatedPair(t, simwallet.WithReplyDelay(10*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := []byte(fmt.Sprintf("message %d", i))
			sig, err := p.SignMessage(ctx, msg)
			if err != nil {
				errs <- err
				return
			}
			if !wallet.Verify(msg, sig) {
				errs <- fmt.Errorf("message %d got a signature for another request", i)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if c := bus.SubscriberCount(); c != 0 {
		t.Fatalf("expected no leaked subscriptions, got %d", c)
	}
}

func TestConcurrentDifferentRoutes(t *testing.T) {
	p, wallet, _, _ := newSimulatedPair(t, simwallet.WithReplyDelay(5*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	var wg sync.WaitGroup
	var txErr, msgErr error
	var signed, sig []byte
	wg.Add(2)
	go func() {
		defer wg.Done()
		signed, txErr = p.SignTransaction(ctx, []byte("tx"))
	}()
	go func() {
		defer wg.Done()
		sig, msgErr = p.SignMessage(ctx, []byte("msg"))
	}()
	wg.Wait()
	if txErr != nil || msgErr != nil {
		t.Fatalf("unexpected errors tx=%v msg=%v", txErr, msgErr)
	}
	if !wallet.Verify([]byte("tx"), signed[:64]) || !wallet.Verify([]byte("msg"), sig) {
		t.Fatal("results crossed between routes")
	}
}

func assertDisconnected(t *testing.T, p *Provider) {
	t.Helper()
	if p.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", p.State())
	}
	if p.session != nil {
		t.Fatal("expected no session")
	}
	if _, ok := p.SessionID(); ok {
		t.Fatal("session id must be absent")
	}
	if _, ok := p.WalletPublicKey(); ok {
		t.Fatal("wallet public key must be absent")
	}
}
