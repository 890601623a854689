// Package notify is the outbound side of alerting. Delivery to email or chat
// lives outside this module; Dispatcher is the seam it plugs into.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
)

// ErrThrottled is returned when a channel exceeded its send rate.
var ErrThrottled = errors.New("notification throttled")

// Message is one notification.
type Message struct {
	Subject  string             `json:"subject"`
	Body     string             `json:"body"`
	Severity contracts.Severity `json:"severity,omitempty"`
	Fields   map[string]any     `json:"fields,omitempty"`
}

// Dispatcher delivers a message to a channel.
type Dispatcher interface {
	Send(ctx context.Context, channel string, msg Message) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, channel string, msg Message) error

func (f DispatcherFunc) Send(ctx context.Context, channel string, msg Message) error {
	return f(ctx, channel, msg)
}

// LogDispatcher writes notifications to a structured logger. It is the
// default when no delivery backend is configured.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher logs through logger, or slog.Default when nil.
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger.With("component", "notify")}
}

func (d *LogDispatcher) Send(ctx context.Context, channel string, msg Message) error {
	attrs := []any{"channel", channel, "subject", msg.Subject, "severity", msg.Severity}
	for k, v := range msg.Fields {
		attrs = append(attrs, k, v)
	}
	d.logger.WarnContext(ctx, msg.Body, attrs...)
	return nil
}

// Throttled limits each channel to a token bucket. Sends over the limit fail
// with ErrThrottled instead of blocking.
type Throttled struct {
	next  Dispatcher
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewThrottled wraps next with a per-channel limit of r events per second
// and the given burst.
func NewThrottled(next Dispatcher, r rate.Limit, burst int) *Throttled {
	return &Throttled{
		next:     next,
		limit:    r,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *Throttled) limiter(channel string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[channel]
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters[channel] = l
	}
	return l
}

func (t *Throttled) Send(ctx context.Context, channel string, msg Message) error {
	if !t.limiter(channel).Allow() {
		return fmt.Errorf("%w: channel %s", ErrThrottled, channel)
	}
	return t.next.Send(ctx, channel, msg)
}
