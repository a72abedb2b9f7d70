// Package events carries escrow notifications from the engine to sinks
// (webhooks, Redis streams, in-memory recorders). Events are published only
// after the operation that produced them has committed.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ChinmayGopal931/Motivate-app/pkg/ledger"
	"github.com/google/uuid"
)

// Kind names an event type.
type Kind string

const (
	KindPromiseCreated Kind = "promise.created"
	KindPromiseSettled Kind = "promise.settled"
)

// Event is a single notification.
type Event struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	PromiseID ledger.ID      `json:"promise_id"`
	Amount    int64          `json:"amount"`
	Task      string         `json:"task,omitempty"`
	Verifier  ledger.Address `json:"verifier,omitempty"`
	Resolver  ledger.Address `json:"resolver,omitempty"`
	Recipient ledger.Address `json:"recipient,omitempty"`
	Time      time.Time      `json:"time"`
}

// PromiseCreated builds the creation notification (task, amount, verifier, id).
func PromiseCreated(p ledger.Promise, at time.Time) Event {
	return Event{
		ID:        uuid.New().String(),
		Kind:      KindPromiseCreated,
		PromiseID: p.ID,
		Amount:    p.Amount,
		Task:      p.Task,
		Verifier:  p.Verifier,
		Time:      at.UTC(),
	}
}

// PromiseSettled builds the settlement notification (resolver, recipient).
func PromiseSettled(p ledger.Promise, resolver, recipient ledger.Address, at time.Time) Event {
	return Event{
		ID:        uuid.New().String(),
		Kind:      KindPromiseSettled,
		PromiseID: p.ID,
		Amount:    p.Amount,
		Resolver:  resolver,
		Recipient: recipient,
		Time:      at.UTC(),
	}
}

// Publisher receives events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Bus fans an event out to every subscribed sink. A failing sink does not stop
// delivery to the others; all failures are joined into the returned error.
type Bus struct {
	mu    sync.RWMutex
	sinks []Publisher
}

// NewBus creates a bus with the given sinks.
func NewBus(sinks ...Publisher) *Bus {
	return &Bus{sinks: sinks}
}

// Subscribe adds a sink.
func (b *Bus) Subscribe(p Publisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, p)
}

// Publish delivers ev to every sink.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	sinks := make([]Publisher, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish records ev.
func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Recent returns at most n events, newest first.
func (r *Recorder) Recent(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n > len(r.events) {
		n = len(r.events)
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = r.events[len(r.events)-1-i]
	}
	return out
}
