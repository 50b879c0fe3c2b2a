// Package events carries persist/update/remove notifications for committed
// writes to higher layers.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type Kind string

const (
	Persisted Kind = "persisted"
	Updated   Kind = "updated"
	Removed   Kind = "removed"
)

const (
	EntityUser              = "user"
	EntityChannel           = "channel"
	EntityMessage           = "message"
	EntitySession           = "session"
	EntityAccessToken       = "access_token"
	EntityRefreshToken      = "refresh_token"
	EntityChannelInvitation = "channel_invitation"
	EntityImInvitation      = "im_invitation"
)

type Event struct {
	Kind    Kind      `json:"kind"`
	Entity  string    `json:"entity"`
	Key     string    `json:"key"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher receives the events of one committed transaction, in write order.
type Publisher interface {
	Publish(ctx context.Context, events []Event) error
}

type PublisherFunc func(ctx context.Context, events []Event) error

func (f PublisherFunc) Publish(ctx context.Context, events []Event) error {
	return f(ctx, events)
}

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, []Event) error { return nil })

// Multi fans out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, events []Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes one debug record per event.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, events []Event) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, ev := range events {
		logger.DebugContext(ctx, "entity event", "kind", ev.Kind, "entity", ev.Entity, "key", ev.Key)
	}
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, events []Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
