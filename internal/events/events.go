package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Name identifies an event kind. Values are the event names the UI listens for.
type Name string

const (
	// LoginSuccess carries the login result once an account has been stored.
	LoginSuccess Name = "login-success"
	// WebOAuthCallback carries the raw callback URL captured from an embedded window.
	WebOAuthCallback Name = "web-oauth-callback"
	// LoginFailed carries the error of a login completed in the background.
	LoginFailed Name = "login-failed"
	// OpenWindow asks the UI shell to open an embedded window.
	OpenWindow Name = "web-oauth-open-window"
	// CloseWindow asks the UI shell to close an embedded window.
	CloseWindow Name = "web-oauth-close-window"
	// DeviceCode carries the user code and verification URI of a device login.
	DeviceCode Name = "web-oauth-device-code"
)

// DefaultBufferSize is the per-subscriber event buffer.
const DefaultBufferSize = 64

// ErrClosed is returned when publishing on a closed Bus.
var ErrClosed = errors.New("event bus closed")

// Event is one notification.
type Event struct {
	ID        string          `json:"id"`
	Name      Name            `json:"event"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Time      time.Time       `json:"time"`
}

// Publisher publishes events. Implemented by Bus.
type Publisher interface {
	Publish(ctx context.Context, name Name, sessionID string, payload any) error
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the per-subscriber buffer.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithDropHook registers a function called for every event a subscriber missed.
func WithDropHook(fn func(Event)) Option {
	return func(b *Bus) {
		b.onDrop = fn
	}
}

// Bus is an in-process fan-out of events. Safe for concurrent use.
type Bus struct {
	bufferSize int
	onDrop     func(Event)

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Compile-time check that Bus implements Publisher
var _ Publisher = (*Bus)(nil)

// NewBus creates an empty Bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		bufferSize: DefaultBufferSize,
		subs:       make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish marshals payload and delivers the event to every subscriber without blocking.
func (b *Bus) Publish(ctx context.Context, name Name, sessionID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", name, err)
	}

	ev := Event{
		ID:        ulid.Make().String(),
		Name:      name,
		SessionID: sessionID,
		Payload:   data,
		Time:      time.Now().UTC(),
	}

	var dropped int

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			dropped++
		}
	}
	delivered := len(b.subs) - dropped
	b.mu.Unlock()

	slog.DebugContext(ctx, "event published", "event", name, "id", ev.ID, "session_id", sessionID, "subscribers", delivered)

	if dropped > 0 {
		slog.WarnContext(ctx, "subscriber buffer full, event dropped", "event", name, "id", ev.ID, "dropped", dropped)
		if b.onDrop != nil {
			for range dropped {
				b.onDrop(ev)
			}
		}
	}
	return nil
}

// Subscribe registers a new subscriber. On a closed Bus the returned Subscription's
// channel is already closed.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{bus: b, ch: make(chan Event, b.bufferSize)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscription and rejects further publishing. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.closed = true
		close(sub.ch)
	}
	clear(b.subs)
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	bus    *Bus
	ch     chan Event
	closed bool // guarded by bus.mu
}

// Events returns the delivery channel. It is closed when the subscription or the bus
// is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close releases the subscription. Idempotent.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.bus.subs, s)
	close(s.ch)
}
