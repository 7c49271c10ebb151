// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
)

// Websocket adapts a websocket connection to the [Conn] interface. Each
// message is sent as a single text frame.
func Websocket(c *websocket.Conn) Conn { return wsConn{c: c} }

type wsConn struct{ c *websocket.Conn }

// Send implements a method of the [Conn] interface.
func (w wsConn) Send(ctx context.Context, msg []byte) error {
	return w.c.Write(ctx, websocket.MessageText, msg)
}

// Recv implements a method of the [Conn] interface.
// A close frame from the remote endpoint is reported as net.ErrClosed.
func (w wsConn) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) != -1 {
			return nil, fmt.Errorf("%w: %v", net.ErrClosed, err)
		}
		return nil, err
	}
	return data, nil
}

// Close implements a method of the [Conn] interface.
func (w wsConn) Close() error { return w.c.Close(websocket.StatusNormalClosure, "") }

// Accept accepts a websocket handshake from r and returns the resulting
// connection.
func Accept(w http.ResponseWriter, r *http.Request) (Conn, error) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, err
	}
	return Websocket(c), nil
}

// WebsocketDialer dials websocket connections to a fixed URL.
type WebsocketDialer struct {
	URL   string // the websocket URL, ws:// or wss://
	Token string // if set, sent as the "token" query parameter

	// HTTPClient, if set, is used for the handshake request.
	HTTPClient *http.Client

	// Header, if set, is added to the handshake request.
	Header http.Header

	// ReadLimit, if positive, bounds the size of a received message.
	ReadLimit int64
}

// Dial implements the [Dialer] interface. If the server rejects the
// handshake with status 401 or 403, the error wraps ErrUnauthorized.
func (d WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if d.Token != "" {
		q := u.Query()
		q.Set("token", d.Token)
		u.RawQuery = q.Encode()
	}
	c, rsp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		if rsp != nil && (rsp.StatusCode == http.StatusUnauthorized || rsp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil, err
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
	return Websocket(c), nil
}
