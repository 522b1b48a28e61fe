package simwallet

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"walletlink/go-backend/internal/callback"
	"walletlink/go-backend/internal/codec"
	"walletlink/go-backend/internal/crypto"
)

// Error codes the wallet answers with, as carried in the errorCode parameter.
const (
	CodeUserRejected  = "4001"
	CodeUnauthorized  = "4100"
	CodeInvalidParams = "-32602"
	CodeInternal      = "-32603"
)

const (
	MethodConnect                = "connect"
	MethodSignTransaction        = "signTransaction"
	MethodSignMessage            = "signMessage"
	MethodSignAllTransactions    = "signAllTransactions"
	MethodSignAndSendTransaction = "signAndSendTransaction"
)

const (
	paramDappEncryptionPK = "dapp_encryption_public_key"
	paramRedirectLink     = "redirect_link"
	paramPayload          = "payload"
)

var ErrBadRequest = errors.New("bad wallet request")

type replyError struct {
	code    string
	message string
}

func (e *replyError) Error() string {
	return e.code + ": " + e.message
}

func invalidParams(format string, args ...any) error {
	return &replyError{code: CodeInvalidParams, message: fmt.Sprintf(format, args...)}
}

type Option func(*Wallet)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Wallet) {
		if logger != nil {
			w.log = logger
		}
	}
}

// WithReplyDelay makes the wallet answer asynchronously, d after the request.
func WithReplyDelay(d time.Duration) Option {
	return func(w *Wallet) {
		w.delay = d
	}
}

type walletSession struct {
	id     string
	secret crypto.SharedSecret
}

// Wallet answers deep-link requests the way a mobile wallet would and posts
// its redirects on a callback bus.
type Wallet struct {
	bus     callback.Publisher
	log     *slog.Logger
	delay   time.Duration
	signPub ed25519.PublicKey
	signKey ed25519.PrivateKey

	mu       sync.Mutex
	sessions map[string]*walletSession
	reject   *replyError
	handled  int
}

func New(bus callback.Publisher, opts ...Option) (*Wallet, error) {
	if bus == nil {
		return nil, errors.New("callback publisher is required")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate wallet identity: %w", err)
	}
	w := &Wallet{
		bus:      bus,
		log:      slog.Default(),
		signPub:  pub,
		signKey:  priv,
		sessions: make(map[string]*walletSession),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// PublicKey is the wallet identity key, base58.
func (w *Wallet) PublicKey() string {
	return codec.EncodeBinary(w.signPub)
}

func (w *Wallet) Verify(message, signature []byte) bool {
	return ed25519.Verify(w.signPub, message, signature)
}

// RejectNext answers the next request with code instead of handling it.
func (w *Wallet) RejectNext(code, message string) {
	w.mu.Lock()
	w.reject = &replyError{code: code, message: message}
	w.mu.Unlock()
}

// Handled is the number of requests answered so far.
func (w *Wallet) Handled() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handled
}

func (w *Wallet) SessionCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sessions)
}

// Handle processes one request URL. Protocol failures are answered on the
// redirect link; an error is returned only when no answer can be sent.
func (w *Wallet) Handle(ctx context.Context, rawURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	q := u.Query()
	redirect := strings.TrimSpace(q.Get(paramRedirectLink))
	if redirect == "" {
		return fmt.Errorf("%w: %s is required", ErrBadRequest, paramRedirectLink)
	}
	target, err := url.Parse(redirect)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadRequest, paramRedirectLink, err)
	}

	method := path.Base(u.Path)
	w.mu.Lock()
	w.handled++
	rejection := w.reject
	w.reject = nil
	w.mu.Unlock()

	var params url.Values
	if rejection != nil {
		err = rejection
	} else {
		params, err = w.dispatch(method, q)
	}
	if err != nil {
		var re *replyError
		if !errors.As(err, &re) {
			re = &replyError{code: CodeInternal, message: err.Error()}
		}
		w.log.Warn("wallet request refused", "method", method, "error_code", re.code, "reason", re.message)
		params = url.Values{}
		params.Set(callback.ParamErrorCode, re.code)
		params.Set(callback.ParamErrorMessage, re.message)
	}
	w.reply(target, params)
	return nil
}

func (w *Wallet) dispatch(method string, q url.Values) (url.Values, error) {
	switch method {
	case MethodConnect:
		return w.connect(q)
	case MethodSignTransaction:
		return w.signTransaction(q)
	case MethodSignMessage:
		return w.signMessage(q)
	case MethodSignAllTransactions:
		return w.signAllTransactions(q)
	case MethodSignAndSendTransaction:
		return w.signAndSendTransaction(q)
	}
	return nil, invalidParams("unsupported method %q", method)
}

func (w *Wallet) reply(target *url.URL, params url.Values) {
	q := target.Query()
	for k, vs := range params {
		q[k] = vs
	}
	out := *target
	out.RawQuery = q.Encode()
	ev := callback.Event{URL: out.String()}
	if w.delay <= 0 {
		w.bus.Publish(ev)
		return
	}
	time.AfterFunc(w.delay, func() { w.bus.Publish(ev) })
}

func (w *Wallet) connect(q url.Values) (url.Values, error) {
	dappKey, err := crypto.ParsePublicKey(q.Get(paramDappEncryptionPK))
	if err != nil {
		return nil, invalidParams("%s: %v", paramDappEncryptionPK, err)
	}
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer kp.Wipe()
	secret, err := crypto.DeriveSharedSecret(kp.SecretKey[:], dappKey[:])
	if err != nil {
		return nil, invalidParams("%s: %v", paramDappEncryptionPK, err)
	}
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	params, err := seal(codec.ConnectResult{PublicKey: w.PublicKey(), Session: id}, secret)
	if err != nil {
		return nil, err
	}
	params.Set(callback.ParamWalletEncryptionPK, crypto.EncodePublicKey(kp.PublicKey))

	w.mu.Lock()
	if prev, ok := w.sessions[crypto.EncodePublicKey(dappKey)]; ok {
		prev.secret.Wipe()
	}
	w.sessions[crypto.EncodePublicKey(dappKey)] = &walletSession{id: id, secret: secret}
	w.mu.Unlock()
	return params, nil
}

func (w *Wallet) signTransaction(q url.Values) (url.Values, error) {
	req, sess, err := openRequest[codec.SignTransactionRequest](w, q)
	if err != nil {
		return nil, err
	}
	if err := checkSession(req.Session, sess); err != nil {
		return nil, err
	}
	signed, err := w.signTx(req.Transaction)
	if err != nil {
		return nil, err
	}
	return seal(codec.SignTransactionResult{Transaction: codec.EncodeBinary(signed)}, sess.secret)
}

func (w *Wallet) signMessage(q url.Values) (url.Values, error) {
	req, sess, err := openRequest[codec.SignMessageRequest](w, q)
	if err != nil {
		return nil, err
	}
	if err := checkSession(req.Session, sess); err != nil {
		return nil, err
	}
	msg, err := codec.DecodeBinary(req.Message)
	if err != nil {
		return nil, invalidParams("message: %v", err)
	}
	sig := ed25519.Sign(w.signKey, msg)
	return seal(codec.SignMessageResult{Signature: codec.EncodeBinary(sig), PublicKey: w.PublicKey()}, sess.secret)
}

func (w *Wallet) signAllTransactions(q url.Values) (url.Values, error) {
	req, sess, err := openRequest[codec.SignAllTransactionsRequest](w, q)
	if err != nil {
		return nil, err
	}
	if err := checkSession(req.Session, sess); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(req.Transactions))
	for _, tx := range req.Transactions {
		signed, err := w.signTx(tx)
		if err != nil {
			return nil, err
		}
		out = append(out, codec.EncodeBinary(signed))
	}
	return seal(codec.SignAllTransactionsResult{Transactions: out}, sess.secret)
}

func (w *Wallet) signAndSendTransaction(q url.Values) (url.Values, error) {
	req, sess, err := openRequest[codec.SignAndSendTransactionRequest](w, q)
	if err != nil {
		return nil, err
	}
	if err := checkSession(req.Session, sess); err != nil {
		return nil, err
	}
	tx, err := codec.DecodeBinary(req.Transaction)
	if err != nil {
		return nil, invalidParams("transaction: %v", err)
	}
	sig := ed25519.Sign(w.signKey, tx)
	return seal(codec.SignAndSendTransactionResult{Signature: codec.EncodeBinary(sig)}, sess.secret)
}

// signTx returns signature || transaction.
func (w *Wallet) signTx(encoded string) ([]byte, error) {
	tx, err := codec.DecodeBinary(encoded)
	if err != nil {
		return nil, invalidParams("transaction: %v", err)
	}
	sig := ed25519.Sign(w.signKey, tx)
	out := make([]byte, 0, len(sig)+len(tx))
	out = append(out, sig...)
	return append(out, tx...), nil
}

func openRequest[T codec.Payload](w *Wallet, q url.Values) (T, *walletSession, error) {
	var zero T
	dappKey, err := crypto.ParsePublicKey(q.Get(paramDappEncryptionPK))
	if err != nil {
		return zero, nil, invalidParams("%s: %v", paramDappEncryptionPK, err)
	}
	// Copy under the lock: a reconnect wipes the stored secret in place.
	w.mu.Lock()
	entry, ok := w.sessions[crypto.EncodePublicKey(dappKey)]
	var sess walletSession
	if ok {
		sess = *entry
	}
	w.mu.Unlock()
	if !ok {
		return zero, nil, &replyError{code: CodeUnauthorized, message: "no session for this dapp key"}
	}

	nonce, err := codec.DecodeBinary(q.Get(callback.ParamNonce))
	if err != nil {
		return zero, nil, invalidParams("nonce: %v", err)
	}
	data, err := codec.DecodeBinary(q.Get(paramPayload))
	if err != nil {
		return zero, nil, invalidParams("payload: %v", err)
	}
	plaintext, err := crypto.Decrypt(data, nonce, sess.secret)
	if err != nil {
		return zero, nil, invalidParams("payload: %v", err)
	}
	req, err := codec.DecodePayload[T](plaintext)
	if err != nil {
		return zero, nil, invalidParams("payload: %v", err)
	}
	return req, &sess, nil
}

func checkSession(got string, sess *walletSession) error {
	if got != sess.id {
		return &replyError{code: CodeUnauthorized, message: "session mismatch"}
	}
	return nil
}

func seal(p codec.Payload, secret crypto.SharedSecret) (url.Values, error) {
	plaintext, err := codec.EncodePayload(p)
	if err != nil {
		return nil, err
	}
	env, err := crypto.Encrypt(plaintext, secret)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set(callback.ParamNonce, codec.EncodeBinary(env.Nonce[:]))
	params.Set(callback.ParamData, codec.EncodeBinary(env.Ciphertext))
	return params, nil
}

func newSessionID() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return codec.EncodeBinary(raw[:]), nil
}
