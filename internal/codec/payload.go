package codec

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Payload is a structured document carried inside an encrypted envelope.
// Validate is the schema check applied on both encode and decode.
type Payload interface {
	Validate() error
}

// EncodePayload validates p and renders it as UTF-8 JSON.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrMalformedPayload)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return data, nil
}

// DecodePayload parses data as T and runs its schema check, so a missing or
// mistyped field fails here rather than deeper in the protocol.
func DecodePayload[T Payload](data []byte) (T, error) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := out.Validate(); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

const (
	DisplayUTF8 = "utf8"
	DisplayHex  = "hex"
)

// ConnectResult is what the wallet encrypts into the establish callback.
type ConnectResult struct {
	PublicKey string `json:"public_key"`
	Session   string `json:"session"`
}

func (r ConnectResult) Validate() error {
	if err := requireField("session", r.Session); err != nil {
		return err
	}
	return requireBase58("public_key", r.PublicKey)
}

type SignTransactionRequest struct {
	Session     string `json:"session"`
	Transaction string `json:"transaction"`
}

func (r SignTransactionRequest) Validate() error {
	if err := requireField("session", r.Session); err != nil {
		return err
	}
	return requireBase58("transaction", r.Transaction)
}

type SignTransactionResult struct {
	Transaction string `json:"transaction"`
}

func (r SignTransactionResult) Validate() error {
	return requireBase58("transaction", r.Transaction)
}

type SignMessageRequest struct {
	Session string `json:"session"`
	Message string `json:"message"`
	Display string `json:"display,omitempty"`
}

func (r SignMessageRequest) Validate() error {
	if err := requireField("session", r.Session); err != nil {
		return err
	}
	switch r.Display {
	case "", DisplayUTF8, DisplayHex:
	default:
		return fmt.Errorf("%w: unsupported display %q", ErrMalformedPayload, r.Display)
	}
	return requireBase58("message", r.Message)
}

type SignMessageResult struct {
	Signature string `json:"signature"`
	PublicKey string `json:"publicKey,omitempty"`
}

func (r SignMessageResult) Validate() error {
	return requireBase58("signature", r.Signature)
}

type SignAllTransactionsRequest struct {
	Session      string   `json:"session"`
	Transactions []string `json:"transactions"`
}

func (r SignAllTransactionsRequest) Validate() error {
	if err := requireField("session", r.Session); err != nil {
		return err
	}
	return requireBase58List("transactions", r.Transactions)
}

type SignAllTransactionsResult struct {
	Transactions []string `json:"transactions"`
}

func (r SignAllTransactionsResult) Validate() error {
	return requireBase58List("transactions", r.Transactions)
}

type SendOptions struct {
	SkipPreflight       bool   `json:"skipPreflight,omitempty"`
	PreflightCommitment string `json:"preflightCommitment,omitempty"`
	MaxRetries          *int   `json:"maxRetries,omitempty"`
}

type SignAndSendTransactionRequest struct {
	Session     string       `json:"session"`
	Transaction string       `json:"transaction"`
	SendOptions *SendOptions `json:"sendOptions,omitempty"`
}

func (r SignAndSendTransactionRequest) Validate() error {
	if err := requireField("session", r.Session); err != nil {
		return err
	}
	if r.SendOptions != nil && r.SendOptions.MaxRetries != nil && *r.SendOptions.MaxRetries < 0 {
		return fmt.Errorf("%w: maxRetries must be >= 0", ErrMalformedPayload)
	}
	return requireBase58("transaction", r.Transaction)
}

type SignAndSendTransactionResult struct {
	Signature string `json:"signature"`
}

func (r SignAndSendTransactionResult) Validate() error {
	return requireBase58("signature", r.Signature)
}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrMalformedPayload, name)
	}
	return nil
}

func requireBase58(name, value string) error {
	if err := requireField(name, value); err != nil {
		return err
	}
	if _, err := DecodeBinary(value); err != nil {
		return fmt.Errorf("%w: %s is not base58", ErrMalformedPayload, name)
	}
	return nil
}

func requireBase58List(name string, values []string) error {
	if len(values) == 0 {
		return fmt.Errorf("%w: %s must not be empty", ErrMalformedPayload, name)
	}
	for i, v := range values {
		if err := requireBase58(fmt.Sprintf("%s[%d]", name, i), v); err != nil {
			return err
		}
	}
	return nil
}
