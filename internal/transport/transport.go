package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"boltalka/internal/models"

	"github.com/gorilla/websocket"
)

const (
	DefaultMaxAttempts = 5
	DefaultRetryDelay  = time.Second
	DefaultDialTimeout = 10 * time.Second

	closeWriteTimeout = time.Second
)

var (
	// ErrSuperseded is returned when a dial completes after a newer Connect
	// or Disconnect has taken over the transport.
	ErrSuperseded = errors.New("connection superseded")
)

// Params are the join parameters of a connection. They are reused verbatim
// for automatic reconnects.
type Params struct {
	RoomID       string
	DisplayName  string
	DisplayColor string
	UserID       string
}

// EventHandler receives inbound events. Handlers run on the read loop
// goroutine in subscription order; a panicking handler is isolated from the
// rest.
type EventHandler func(models.Event)

type HandlerID int

type handlerEntry struct {
	id HandlerID
	fn EventHandler
}

type Config struct {
	// URL of the websocket endpoint, e.g. "ws://host/ws". Join parameters
	// are appended as query parameters.
	URL string

	// MaxAttempts bounds automatic reconnects after an abnormal close.
	MaxAttempts int

	// RetryDelay is the base delay; attempt n waits n times this.
	RetryDelay time.Duration

	DialTimeout time.Duration
}

// Transport owns at most one physical websocket connection at a time.
// Connect replaces any existing connection; an abnormal close triggers
// bounded automatic reconnection with the original join parameters, while a
// Disconnect (normal closure) does not.
type Transport struct {
	url         string
	maxAttempts int
	retryDelay  time.Duration
	dialTimeout time.Duration
	dialer      *websocket.Dialer

	mu         sync.Mutex
	conn       *websocket.Conn
	params     Params
	attempts   int
	retryTimer *time.Timer
	// gen increments on every Connect and Disconnect. Read loops, pending
	// retry timers and in-flight dials compare their generation against it
	// and stand down when stale.
	gen int

	nextID   HandlerID
	handlers []handlerEntry
	statusFn func(open bool)
}

func New(config Config) *Transport {
	if config.MaxAttempts == 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = DefaultDialTimeout
	}
	return &Transport{
		url:         config.URL,
		maxAttempts: config.MaxAttempts,
		retryDelay:  config.RetryDelay,
		dialTimeout: config.DialTimeout,
		dialer:      &websocket.Dialer{HandshakeTimeout: config.DialTimeout},
	}
}

// Connect opens a new connection with the given join parameters, closing any
// prior connection first. It returns once the link is open or the dial
// failed. There is no automatic retry of a failed initial dial; retries only
// follow abnormal closes of an established link.
func (t *Transport) Connect(ctx context.Context, p Params) error {
	t.mu.Lock()
	t.stopRetryLocked()
	t.closeConnLocked()
	t.gen++
	gen := t.gen
	t.params = p
	t.attempts = 0
	t.mu.Unlock()

	return t.dial(ctx, gen, p)
}

func (t *Transport) dial(ctx context.Context, gen int, p Params) error {
	conn, _, err := t.dialer.DialContext(ctx, t.joinURL(p), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.url, err)
	}

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		_ = conn.Close()
		return ErrSuperseded
	}
	t.conn = conn
	t.attempts = 0
	fn := t.statusFn
	t.mu.Unlock()

	if fn != nil {
		fn(true)
	}
	go t.readLoop(gen, conn)
	return nil
}

func (t *Transport) joinURL(p Params) string {
	q := url.Values{}
	q.Set("roomId", p.RoomID)
	q.Set("displayName", p.DisplayName)
	q.Set("displayColor", p.DisplayColor)
	if p.UserID != "" {
		q.Set("userId", p.UserID)
	}
	sep := "?"
	if strings.Contains(t.url, "?") {
		sep = "&"
	}
	return t.url + sep + q.Encode()
}

// Send writes a message frame. It is a no-op when the link is not open or
// the content trims to empty.
func (t *Transport) Send(content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return
	}
	frame := models.ClientFrame{Type: models.EventTypeMessage, Content: content}
	if err := t.conn.WriteJSON(frame); err != nil {
		slog.Warn("send failed", "error", err)
	}
}

// Disconnect closes the connection with a normal closure code so the remote
// side and the retry logic both treat it as intentional. Any pending
// reconnect is cancelled.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.stopRetryLocked()
	t.closeConnLocked()
	t.attempts = 0
}

// IsOpen reports whether a connection is currently established.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// AddHandler subscribes to inbound events. Delivery order follows
// subscription order.
func (t *Transport) AddHandler(fn EventHandler) HandlerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	t.handlers = append(t.handlers, handlerEntry{id: t.nextID, fn: fn})
	return t.nextID
}

// OnStatus registers the link status observer. It is invoked with false when
// the connection drops (including the drop that starts an automatic
// reconnect) and with true when a dial succeeds, so a consumer tracking it
// ends up reading false once the reconnect budget runs out. Disconnect and
// connection replacement via Connect are deliberate and do not fire it.
func (t *Transport) OnStatus(fn func(open bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statusFn = fn
}

// RemoveHandler unsubscribes a previously added handler.
func (t *Transport) RemoveHandler(id HandlerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, h := range t.handlers {
		if h.id == id {
			t.handlers = append(t.handlers[:i], t.handlers[i+1:]...)
			return
		}
	}
}

func (t *Transport) readLoop(gen int, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleClose(gen, err)
			return
		}

		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("dropping unparseable frame", "error", err)
			continue
		}
		t.dispatch(ev)
	}
}

func (t *Transport) dispatch(ev models.Event) {
	t.mu.Lock()
	handlers := make([]handlerEntry, len(t.handlers))
	copy(handlers, t.handlers)
	t.mu.Unlock()

	for _, h := range handlers {
		t.deliver(h, ev)
	}
}

func (t *Transport) deliver(h handlerEntry, ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "handler", h.id, "panic", r)
		}
	}()
	h.fn(ev)
}

func (t *Transport) handleClose(gen int, err error) {
	t.mu.Lock()
	if gen != t.gen {
		// A newer Connect or Disconnect already owns the transport.
		t.mu.Unlock()
		return
	}
	t.conn = nil
	fn := t.statusFn

	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		slog.Warn("connection closed abnormally", "room", t.params.RoomID, "error", err)
		t.scheduleRetryLocked(gen)
	}
	t.mu.Unlock()

	if fn != nil {
		fn(false)
	}
}

func (t *Transport) scheduleRetryLocked(gen int) {
	if t.attempts >= t.maxAttempts {
		slog.Warn("reconnect budget exhausted", "room", t.params.RoomID, "attempts", t.attempts)
		return
	}
	t.attempts++
	attempt := t.attempts
	p := t.params
	delay := time.Duration(attempt) * t.retryDelay

	t.retryTimer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		if gen != t.gen {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), t.dialTimeout)
		defer cancel()
		if err := t.dial(ctx, gen, p); err != nil {
			slog.Warn("reconnect failed", "room", p.RoomID, "attempt", attempt, "error", err)
			t.mu.Lock()
			if gen == t.gen {
				t.scheduleRetryLocked(gen)
			}
			t.mu.Unlock()
		}
	})
}

func (t *Transport) stopRetryLocked() {
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
}

func (t *Transport) closeConnLocked() {
	if t.conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
	_ = t.conn.Close()
	t.conn = nil
}
