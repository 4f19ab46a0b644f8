// Package channel keeps one live websocket per conversation. It connects,
// delivers inbound messages in arrival order, reconnects after abnormal
// closures and stops for good on normal, unauthorized or forbidden closures.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/pliu/expertly/internal/models"
	"github.com/pliu/expertly/internal/navigation"
)

type State int

const (
	Connecting State = iota
	Connected
	Disconnected
	Closed
	Errored
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Closed:
		return "closed"
	case Errored:
		return "error"
	}
	return "unknown"
}

// Close codes used by the sessions endpoint.
const (
	CloseNormal     = websocket.CloseNormalClosure
	CloseAuthDenied = 4001
	CloseForbidden  = 4003
)

const (
	DefaultRetryDelay = 5 * time.Second
	DefaultMaxRetries = 10

	writeWait      = 10 * time.Second
	maxCloseReason = 123
)

// Conversation is the state a channel reports into.
type Conversation interface {
	Status() models.SessionStatus
	Append(m models.Message) bool
}

type Channel struct {
	url        string
	conv       Conversation
	nav        navigation.Navigator
	dialer     *websocket.Dialer
	header     http.Header
	logger     *slog.Logger
	retryDelay time.Duration
	maxRetries int
	listeners  []func(State, error)

	// gorilla allows one concurrent writer; control frames are exempt.
	writeMu sync.Mutex

	mu       sync.Mutex
	state    State
	err      error
	conn     *websocket.Conn
	timer    *time.Timer
	attempts int
	// epoch identifies the current connection attempt. Readers and timers
	// from older attempts compare it and stand down.
	epoch  uint64
	opened bool
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Channel)

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) {
		c.dialer = d
	}
}

func WithHeader(h http.Header) Option {
	return func(c *Channel) {
		c.header = h
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) {
		c.logger = l
	}
}

func WithNavigator(n navigation.Navigator) Option {
	return func(c *Channel) {
		c.nav = n
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.retryDelay = d
		}
	}
}

// WithMaxRetries caps consecutive reconnect attempts. Zero or less means no cap.
func WithMaxRetries(n int) Option {
	return func(c *Channel) {
		c.maxRetries = n
	}
}

// OnStateChange registers fn to run after every state or error change.
func OnStateChange(fn func(State, error)) Option {
	return func(c *Channel) {
		c.listeners = append(c.listeners, fn)
	}
}

// New builds a channel for conv. A completed conversation yields a channel
// that is already Closed and never dials.
func New(conv Conversation, url string, opts ...Option) *Channel {
	c := &Channel{
		url:        url,
		conv:       conv,
		dialer:     websocket.DefaultDialer,
		logger:     slog.Default(),
		retryDelay: DefaultRetryDelay,
		maxRetries: DefaultMaxRetries,
		state:      Connecting,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("url", url)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	if conv.Status() == models.StatusCompleted {
		c.state = Closed
		c.closed = true
		c.cancel()
	}
	return c
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error surfaced with the current state, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Open dials the endpoint. After the first call the channel manages its own
// reconnects; calling Open again is a no-op.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &Error{Kind: ErrClosed}
	}
	if c.opened {
		c.mu.Unlock()
		return nil
	}
	c.opened = true
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()

	return c.connect(ctx, epoch)
}

func (c *Channel) connect(ctx context.Context, epoch uint64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	c.mu.Lock()
	if c.closed || epoch != c.epoch {
		c.mu.Unlock()
		return &Error{Kind: ErrClosed}
	}
	notify := c.transition(Connecting, c.err)
	c.mu.Unlock()
	notify()

	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		code := 0
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				code = CloseAuthDenied
			case http.StatusForbidden:
				code = CloseForbidden
			}
		}
		dialErr := &Error{Kind: ErrConnectFailed, Code: code, Err: err}
		c.logger.Warn("Connect failed", "error", err)
		c.terminated(epoch, code, dialErr)
		return dialErr
	}

	c.mu.Lock()
	if c.closed || epoch != c.epoch {
		c.mu.Unlock()
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(CloseNormal, ""), time.Now().Add(writeWait))
		conn.Close()
		return &Error{Kind: ErrClosed}
	}
	c.conn = conn
	c.attempts = 0
	notify = c.transition(Connected, nil)
	c.mu.Unlock()
	notify()

	c.logger.Info("Channel connected")
	go c.readLoop(epoch, conn)
	return nil
}

func (c *Channel) readLoop(epoch uint64, conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
			}
			c.terminated(epoch, code, err)
			return
		}

		m, err := decodeMessage(data)
		if err != nil {
			c.logger.Warn("Dropping malformed frame", "error", err, "size", len(data))
			continue
		}
		if !c.deliver(epoch, m) {
			return
		}
	}
}

// deliver appends m unless the connection is stale. It holds c.mu so nothing
// is appended once Close has returned.
func (c *Channel) deliver(epoch uint64, m models.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || epoch != c.epoch {
		return false
	}
	c.conv.Append(m)
	return true
}

func decodeMessage(data []byte) (models.Message, error) {
	var m models.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return m, &Error{Kind: ErrParseFailed, Err: err}
	}
	if m.ID == "" && m.Content == "" {
		return m, &Error{Kind: ErrParseFailed, Err: errors.New("frame carries no message")}
	}
	return m, nil
}

// terminated applies the closure policy for a connection attempt that ended.
func (c *Channel) terminated(epoch uint64, code int, cause error) {
	var follow func()

	c.mu.Lock()
	if c.closed || epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	c.conn = nil

	raw := cause
	var chErr *Error
	if errors.As(cause, &chErr) && chErr.Err != nil {
		raw = chErr.Err
	}

	var notify func()
	switch code {
	case CloseNormal:
		notify = c.shutdown(nil)
	case CloseAuthDenied:
		notify = c.shutdown(&Error{Kind: ErrAuthDenied, Code: code, Err: raw})
		follow = c.navigate(navigation.PathLogin)
	case CloseForbidden:
		notify = c.shutdown(&Error{Kind: ErrForbidden, Code: code, Err: raw})
		follow = c.navigate(navigation.PathSessions)
	default:
		next, err := Disconnected, cause
		if chErr == nil {
			err = &Error{Kind: ErrAbnormalClosure, Code: code, Err: cause}
		} else {
			next = Errored
		}
		switch {
		case c.conv.Status() == models.StatusCompleted:
			notify = c.shutdown(nil)
		case c.maxRetries > 0 && c.attempts >= c.maxRetries:
			notify = c.shutdown(&Error{Kind: ErrRetriesExhausted, Code: code, Err: raw})
		default:
			c.attempts++
			c.logger.Info("Channel lost, reconnect scheduled", "code", code, "attempt", c.attempts, "delay", c.retryDelay)
			notify = c.transition(next, err)
			c.timer = time.AfterFunc(c.retryDelay, func() { c.retry(epoch) })
		}
	}
	c.mu.Unlock()

	notify()
	if follow != nil {
		follow()
	}
}

func (c *Channel) retry(epoch uint64) {
	c.mu.Lock()
	if c.closed || epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	if c.conv.Status() == models.StatusCompleted {
		notify := c.shutdown(nil)
		c.mu.Unlock()
		notify()
		return
	}
	c.epoch++
	next := c.epoch
	c.mu.Unlock()

	c.connect(c.ctx, next)
}

// Send transmits content. The message is not appended locally; it shows up
// when the server echoes it back.
func (c *Channel) Send(content string) error {
	c.mu.Lock()
	conn := c.conn
	ready := c.state == Connected && conn != nil
	c.mu.Unlock()
	if !ready {
		return &Error{Kind: ErrNotReady}
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return &Error{Kind: ErrEmptyMessage}
	}
	data, err := json.Marshal(struct {
		Content string `json:"content"`
	}{content})
	if err != nil {
		return &Error{Kind: ErrSendFailed, Err: err}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &Error{Kind: ErrSendFailed, Err: err}
	}
	return nil
}

// Close stops the channel for good. A live connection gets a normal closure
// with reason; a pending reconnect or an in-flight dial is cancelled. The
// state is Closed when Close returns, whatever the peer does.
func (c *Channel) Close(reason string) {
	c.mu.Lock()
	if c.closed && c.state == Closed {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	wasConnected := c.state == Connected
	c.epoch++
	notify := c.shutdown(nil)
	c.mu.Unlock()
	notify()

	if conn == nil {
		return
	}
	if wasConnected {
		msg := websocket.FormatCloseMessage(CloseNormal, truncateReason(reason))
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
			c.logger.Debug("Close frame not sent", "error", err)
		}
	}
	conn.Close()
	c.logger.Info("Channel closed", "reason", reason)
}

// shutdown moves to the terminal state. Callers hold c.mu.
func (c *Channel) shutdown(err error) func() {
	c.closed = true
	c.conn = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.cancel()
	return c.transition(Closed, err)
}

// transition records the new state and returns the notification to run once
// c.mu is released. Callers hold c.mu.
func (c *Channel) transition(s State, err error) func() {
	if c.state == s && c.err == err {
		return func() {}
	}
	c.state = s
	c.err = err
	listeners := c.listeners
	return func() {
		for _, fn := range listeners {
			fn(s, err)
		}
	}
}

func (c *Channel) navigate(path string) func() {
	if c.nav == nil {
		return nil
	}
	return func() { c.nav.Navigate(path, "") }
}

// truncateReason fits reason into a close frame without splitting a rune.
func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	cut := maxCloseReason
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
