package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

const (
	KindPrint = "print"
	KindMock  = "mock"
	KindRelay = "relay"
)

var ErrNoHandler = errors.New("loopback opener has no handler")

// Opener dispatches a fully formed request URL to the wallet. It returns once
// the request has been handed off; the answer arrives on the callback bus.
type Opener interface {
	Open(ctx context.Context, rawURL string) error
}

type OpenerFunc func(ctx context.Context, rawURL string) error

func (f OpenerFunc) Open(ctx context.Context, rawURL string) error {
	return f(ctx, rawURL)
}

// PrintOpener writes each request URL to W for the user to open by hand or
// scan as a QR code.
type PrintOpener struct {
	mu sync.Mutex
	W  io.Writer
}

func NewPrintOpener(w io.Writer) *PrintOpener {
	return &PrintOpener{W: w}
}

func (p *PrintOpener) Open(ctx context.Context, rawURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(rawURL) == "" {
		return errors.New("request url is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := fmt.Fprintf(p.W, "open in wallet:\n%s\n", rawURL); err != nil {
		return fmt.Errorf("print request url: %w", err)
	}
	return nil
}

// LoopbackOpener hands the request to an in-process wallet, such as the
// simulator used by tests and the mock transport.
type LoopbackOpener struct {
	Handle func(ctx context.Context, rawURL string) error
}

func (l LoopbackOpener) Open(ctx context.Context, rawURL string) error {
	if l.Handle == nil {
		return ErrNoHandler
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.Handle(ctx, rawURL)
}
