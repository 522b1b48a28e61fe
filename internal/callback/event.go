package callback

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	RouteConnect                = "onConnect"
	RouteSignTransaction        = "onSignTransaction"
	RouteSignMessage            = "onSignMessage"
	RouteSignAllTransactions    = "onSignAllTransactions"
	RouteSignAndSendTransaction = "onSignAndSendTransaction"
)

const (
	ParamErrorCode          = "errorCode"
	ParamErrorMessage       = "errorMessage"
	ParamData               = "data"
	ParamNonce              = "nonce"
	ParamWalletEncryptionPK = "phantom_encryption_public_key"
	ParamRequestID          = "rid"
)

var ErrInvalidEvent = errors.New("invalid callback event")

// Event is one inbound URL delivered by the platform, e.g. a redirect back
// into the application.
type Event struct {
	URL string
}

// ParseEvent extracts the route identifier and query parameters of ev. Custom
// schemes are rewritten to https first so every URL parses the same way.
func ParseEvent(ev Event) (string, url.Values, error) {
	raw := normalizeScheme(ev.URL)
	if raw == "" {
		return "", nil, ErrInvalidEvent
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	route := routeOf(u)
	if route == "" {
		return "", nil, ErrInvalidEvent
	}
	return route, u.Query(), nil
}

func normalizeScheme(raw string) string {
	raw = strings.TrimSpace(raw)
	i := strings.Index(raw, "://")
	if i <= 0 {
		return raw
	}
	switch strings.ToLower(raw[:i]) {
	case "http", "https":
		return raw
	}
	return "https" + raw[i:]
}

// routeOf is the last path segment, or the host when the path is empty
// (walletlink://onConnect?...).
func routeOf(u *url.URL) string {
	p := strings.Trim(u.Path, "/")
	if p == "" {
		return u.Host
	}
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

// RemoteError is reported when the wallet answers with an errorCode.
type RemoteError struct {
	Route   string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("wallet returned error %s on %s", e.Code, e.Route)
	}
	return fmt.Sprintf("wallet returned error %s on %s: %s", e.Code, e.Route, e.Message)
}
