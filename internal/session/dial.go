package session

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/virta-ltd/virtual-ocpp-j-server/internal/ocpp"
)

// Endpoint joins the central system URL and the station identity.
func Endpoint(centralSystemURL, identity string) string {
	return strings.TrimRight(centralSystemURL, "/") + "/" + url.PathEscape(identity)
}

// Dial opens the OCPP-J WebSocket for identity. No retry is attempted.
func Dial(ctx context.Context, centralSystemURL, identity string, timeout time.Duration) (*websocket.Conn, error) {
	endpoint := Endpoint(centralSystemURL, identity)
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid central system url %q: %w", endpoint, err)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
		Subprotocols:     []string{ocpp.Subprotocol},
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", endpoint, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return conn, nil
}
