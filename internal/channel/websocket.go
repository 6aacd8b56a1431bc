package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrClosed is returned when posting to a closed connection.
var ErrClosed = errors.New("connection closed")

type Settings struct {
	WriteTimeout time.Duration
	PongWait     time.Duration
	PingInterval time.Duration
	ReadLimit    int64
	QueueSize    int
}

func DefaultSettings() Settings {
	return Settings{
		WriteTimeout: 10 * time.Second,
		PongWait:     60 * time.Second,
		PingInterval: 50 * time.Second,
		ReadLimit:    4 << 20,
		QueueSize:    64,
	}
}

// Conn is a websocket carrying protocol frames. Outbound frames go through a
// single writer goroutine so they leave in Post order.
type Conn struct {
	ws       *websocket.Conn
	origin   string
	settings Settings
	log      zerolog.Logger

	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	// stopping asks the writer to flush the queue and exit; flushed is
	// closed when the writer has exited for any reason.
	stopping chan struct{}
	flushed  chan struct{}
	stopOnce sync.Once
}

// NewConn starts the writer for ws. Inbound frames are attributed to origin.
func NewConn(ws *websocket.Conn, origin string, settings Settings, log zerolog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:       ws,
		origin:   origin,
		settings: settings,
		log:      log,
		send:     make(chan []byte, settings.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		stopping: make(chan struct{}),
		flushed:  make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Dial connects an editor to its host. Frames read from the connection carry
// the origin of rawURL (ws maps to http, wss to https).
func Dial(ctx context.Context, rawURL string, header http.Header, settings Settings, log zerolog.Logger) (*Conn, error) {
	origin, err := OriginOf(rawURL)
	if err != nil {
		return nil, err
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}
	return NewConn(ws, origin, settings, log), nil
}

// Upgrader accepts websocket upgrades only from origins the gate allows.
func Upgrader(gate *Gate) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return gate.Allows(r.Header.Get("Origin"))
		},
	}
}

// OriginOf returns scheme://host for a websocket or http URL.
func OriginOf(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	scheme := parsed.Scheme
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("parse url: unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("parse url: missing host")
	}
	return scheme + "://" + parsed.Host, nil
}

// Origin is the origin attributed to inbound frames.
func (c *Conn) Origin() string {
	return c.origin
}

// Post queues data for the writer.
func (c *Conn) Post(ctx context.Context, data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrClosed
	case <-c.stopping:
		return ErrClosed
	default:
	}
	select {
	case <-c.ctx.Done():
		return ErrClosed
	case <-c.stopping:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case c.send <- data:
		return nil
	}
}

// Serve reads frames until the connection fails or ctx ends, handing each
// text frame to deliver on the calling goroutine.
func (c *Conn) Serve(ctx context.Context, deliver func(Envelope)) error {
	defer c.Close()

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	c.ws.SetReadLimit(c.settings.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.settings.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.settings.PongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || c.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.settings.PongWait))
		if messageType != websocket.TextMessage {
			c.log.Debug().Int("frame", messageType).Msg("ignored non-text frame")
			continue
		}
		deliver(Envelope{Origin: c.origin, Source: c, Data: data})
	}
}

// Done is closed once the connection is shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close sends a close frame and releases the socket. Safe to call repeatedly.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		deadline := time.Now().Add(c.settings.WriteTimeout)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	return err
}

// Shutdown stops accepting frames, writes out those already queued and then
// closes the connection. It waits for the writer until ctx ends.
func (c *Conn) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopping) })
	select {
	case <-c.flushed:
	case <-ctx.Done():
		c.log.Warn().Int("queued", len(c.send)).Msg("closing before queued frames were written")
	}
	return c.Close()
}

func (c *Conn) writeLoop() {
	defer close(c.flushed)
	ticker := time.NewTicker(c.settings.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.stopping:
			c.flush()
			return
		case data := <-c.send:
			if !c.write(data) {
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.settings.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

// flush writes whatever is still queued. Post refuses new frames once
// stopping is closed, so the queue only shrinks.
func (c *Conn) flush() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			if !c.write(data) {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(data []byte) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		// a write deadline cannot be recovered on a websocket
		c.log.Info().Err(err).Msg("write frame failed")
		_ = c.Close()
		return false
	}
	return true
}
