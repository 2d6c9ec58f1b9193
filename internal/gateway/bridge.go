package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/parley/internal/events"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	// Frames carry base64 voice clips, so allow well past the default.
	maxFrameBytes = 32 * 1024 * 1024
)

var errBridgeClosed = errors.New("bridge connection closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// Bridges are servers, not browsers.
	CheckOrigin: func(*http.Request) bool { return true },
}

// bridgeConn is one connected platform bridge.
type bridgeConn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func (c *bridgeConn) send(ctx context.Context, typ string, data any) error {
	raw, err := encodeFrame(typ, data)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", typ, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errBridgeClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("write %s frame: %w", typ, err)
	}
	c.logger.Debug("frame sent", "type", typ, "bytes", len(raw))
	return nil
}

func (c *bridgeConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errBridgeClosed
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (c *bridgeConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.ws.Close()
}

// authorized checks the bridge token from the Authorization header or
// the token query parameter.
func (g *Gateway) authorized(r *http.Request) bool {
	if g.opts.Token == "" {
		return true
	}
	got := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		got = strings.TrimPrefix(h, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(g.opts.Token)) == 1
}

// ServeHTTP upgrades a bridge connection and serves it until the
// bridge disconnects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.logger.Warn("bridge upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := &bridgeConn{ws: ws, logger: g.logger.With("remote", r.RemoteAddr)}
	g.track(conn, true)
	g.opts.Bus.Emit(events.SourceGateway, events.KindBridgeConnected, map[string]any{"remote": r.RemoteAddr})
	conn.logger.Info("bridge connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		conn.close()
		g.track(conn, false)
		g.opts.Bus.Emit(events.SourceGateway, events.KindBridgeDisconnected, map[string]any{"remote": r.RemoteAddr})
		conn.logger.Info("bridge disconnected")
	}()

	go g.keepalive(ctx, conn)
	g.readLoop(ctx, conn)
}

func (g *Gateway) keepalive(ctx context.Context, conn *bridgeConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				conn.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, conn *bridgeConn) {
	ws := conn.ws
	ws.SetReadLimit(maxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				conn.logger.Warn("bridge read failed", "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		if err := g.dispatchFrame(ctx, conn, raw); err != nil {
			conn.logger.Warn("bad frame", "error", err)
			if serr := conn.send(ctx, FrameError, ErrorData{Message: err.Error()}); serr != nil {
				return
			}
		}
	}
}

// dispatchFrame decodes one inbound frame and queues its handling on
// the frame's channel. Decoding errors are returned; handling errors
// are logged.
func (g *Gateway) dispatchFrame(ctx context.Context, conn *bridgeConn, raw []byte) error {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	switch f.Type {
	case FrameMessageCreate:
		var m MessageCreate
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return fmt.Errorf("decode %s: %w", f.Type, err)
		}
		g.queue.Do(m.ChannelID, func() {
			if err := g.HandleMessageCreate(ctx, conn, m); err != nil {
				conn.logger.Error("message not handled", "channel_id", m.ChannelID, "message_id", m.MessageID, "error", err)
			}
		})

	case FrameMessageUpdate:
		var u MessageUpdate
		if err := json.Unmarshal(f.Data, &u); err != nil {
			return fmt.Errorf("decode %s: %w", f.Type, err)
		}
		g.queue.Do(u.ChannelID, func() {
			if err := g.HandleMessageUpdate(ctx, u); err != nil {
				conn.logger.Error("edit not applied", "channel_id", u.ChannelID, "message_id", u.MessageID, "error", err)
			}
		})

	case FrameCommand:
		var c Command
		if err := json.Unmarshal(f.Data, &c); err != nil {
			return fmt.Errorf("decode %s: %w", f.Type, err)
		}
		g.queue.Do(c.ChannelID, func() {
			res := CommandResult{RequestID: c.RequestID, ChannelID: c.ChannelID, Content: g.HandleCommand(ctx, c)}
			if err := conn.send(ctx, FrameCommandResult, res); err != nil {
				conn.logger.Warn("command result not sent", "command", c.Name, "error", err)
			}
		})

	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	return nil
}

func (g *Gateway) track(c *bridgeConn, live bool) {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if live {
		g.conns[c] = struct{}{}
	} else {
		delete(g.conns, c)
	}
}

// Close disconnects every bridge. Hijacked connections outlive the
// HTTP server's Shutdown, so call this after it.
func (g *Gateway) Close() {
	g.connMu.Lock()
	conns := make([]*bridgeConn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.connMu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// Drain waits for queued frame handlers to finish. Call it after the
// HTTP server has stopped accepting bridges.
func (g *Gateway) Drain() error {
	if r := g.queue.wait(); r != nil {
		return r.AsError()
	}
	return nil
}
