// Package push keeps a websocket open to the sync server and turns its
// "check now" notifications into engine triggers.
//
// Push is an accelerator only: a lost connection delays sync until the next
// scheduled round but never loses data, because the download watermark
// decides what is fetched.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"

	"github.com/alx-kng/telefender/internal/protocol"
)

// Header names carrying the installation credentials on the upgrade request.
const (
	HeaderInstance = "X-Telefender-Instance"
	HeaderKey      = "X-Telefender-Key"
)

// Defaults.
const (
	DefaultReconnectDelay    = time.Second
	DefaultMaxReconnectDelay = time.Minute
)

// Message is one server notification. Type "check" asks for a sync round;
// other types are logged and ignored.
type Message struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// TriggerFunc requests a sync round. It returns false once the receiver has
// stopped.
type TriggerFunc func(reason string) bool

// CredentialsFunc returns the keyed envelope used to authenticate.
type CredentialsFunc func(ctx context.Context) (protocol.KeyedEnvelope, error)

// Listener maintains the push connection.
type Listener struct {
	url         string
	trigger     TriggerFunc
	credentials CredentialsFunc
	logger      *slog.Logger

	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	connects atomic.Int64
	received atomic.Int64
}

// Option configures a Listener.
type Option func(*Listener)

// WithCredentials authenticates the upgrade request.
func WithCredentials(fn CredentialsFunc) Option {
	return func(l *Listener) { l.credentials = fn }
}

// WithReconnectDelay sets the initial and maximum delay between connection
// attempts. Delays grow exponentially between the two.
func WithReconnectDelay(initial, maxDelay time.Duration) Option {
	return func(l *Listener) {
		if initial > 0 {
			l.reconnectDelay = initial
		}
		if maxDelay >= initial && maxDelay > 0 {
			l.maxReconnectDelay = maxDelay
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) { l.logger = logger }
}

// New creates a Listener for url that calls trigger on every check.
func New(url string, trigger TriggerFunc, opts ...Option) *Listener {
	l := &Listener{
		url:               url,
		trigger:           trigger,
		logger:            slog.Default(),
		reconnectDelay:    DefaultReconnectDelay,
		maxReconnectDelay: DefaultMaxReconnectDelay,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Connects returns how many connections have been established.
func (l *Listener) Connects() int64 { return l.connects.Load() }

// Received returns how many check messages have been received.
func (l *Listener) Received() int64 { return l.received.Load() }

// Run connects and reconnects until ctx is done or the trigger reports that
// its receiver stopped. Each successful connection also triggers a round,
// since checks sent while disconnected were missed.
func (l *Listener) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.reconnectDelay
	b.MaxInterval = l.maxReconnectDelay
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		connected, err := l.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errStopped) {
			l.logger.Info("push listener stopping: trigger closed")
			return nil
		}
		if connected {
			b.Reset()
		}

		delay := b.NextBackOff()
		l.logger.Warn("push connection lost", "url", l.url, "error", err, "retry_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

var errStopped = errors.New("push: trigger stopped")

// session runs one connection. connected reports whether the dial
// succeeded.
func (l *Listener) session(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	if l.credentials != nil {
		env, err := l.credentials(ctx)
		if err != nil {
			return false, fmt.Errorf("credentials: %w", err)
		}
		header.Set(HeaderInstance, env.InstanceNumber)
		header.Set(HeaderKey, env.Key)
	}

	conn, _, err := websocket.Dial(ctx, l.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	l.connects.Add(1)
	l.logger.Info("push connected", "url", l.url)
	if !l.trigger("push-connected") {
		return true, errStopped
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			l.logger.Warn("ignoring malformed push message", "error", err)
			continue
		}
		if msg.Type != "check" {
			l.logger.Debug("ignoring push message", "type", msg.Type)
			continue
		}

		l.received.Add(1)
		reason := "push"
		if msg.Reason != "" {
			reason = "push: " + msg.Reason
		}
		if !l.trigger(reason) {
			return true, errStopped
		}
	}
}
