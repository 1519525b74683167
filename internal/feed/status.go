package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coachpo/spreadfeed/errs"
)

// Status describes the connection lifecycle state of the client.
type Status string

const (
	// StatusIdle means no session exists and none is pending.
	StatusIdle Status = "idle"
	// StatusConnecting means a dial attempt is in flight.
	StatusConnecting Status = "connecting"
	// StatusConnected means a live transport is established.
	StatusConnected Status = "connected"
	// StatusDisconnected means the last session ended with a close frame.
	StatusDisconnected Status = "disconnected"
	// StatusError means the last session ended abnormally.
	StatusError Status = "error"
)

// Transition records one connection state change.
type Transition struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// StatusBus broadcasts connection state transitions to watchers. Delivery is
// buffered and non-blocking toward the state machine; a watcher that falls
// behind surfaces as a publish error, never as a stalled client.
type StatusBus struct {
	ctx    context.Context
	cancel context.CancelFunc
	buffer int

	mu       sync.RWMutex
	subs     []*statusSubscriber
	shutdown sync.Once
}

type statusSubscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan Transition
	once   sync.Once
}

// NewStatusBus constructs a status bus with the given per-watcher buffer.
func NewStatusBus(buffer int) *StatusBus {
	if buffer <= 0 {
		buffer = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(StatusBus)
	bus.ctx = ctx
	bus.cancel = cancel
	bus.buffer = buffer
	bus.subs = make([]*statusSubscriber, 0)
	return bus
}

// Publish broadcasts the transition to all watchers.
func (b *StatusBus) Publish(ctx context.Context, tr Transition) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.RLock()
	subs := append([]*statusSubscriber(nil), b.subs...)
	b.mu.RUnlock()
	if len(subs) == 0 {
		return nil
	}
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if err := b.deliver(ctx, sub, tr); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a status watcher. The channel closes when ctx ends or
// the bus shuts down.
func (b *StatusBus) Subscribe(ctx context.Context) (<-chan Transition, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := b.ctx.Err(); err != nil {
		return nil, errs.New("status/subscribe", errs.CodeUnavailable, errs.WithMessage("status bus closed"))
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := new(statusSubscriber)
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan Transition, b.buffer)
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go b.observe(sub)
	return sub.ch, nil
}

// Close shuts down the bus and closes watcher channels.
func (b *StatusBus) Close() {
	b.shutdown.Do(func() {
		b.cancel()
		b.mu.Lock()
		for i, sub := range b.subs {
			if sub != nil {
				sub.close()
			}
			b.subs[i] = nil
		}
		b.subs = nil
		b.mu.Unlock()
	})
}

func (b *StatusBus) deliver(ctx context.Context, sub *statusSubscriber, tr Transition) error {
	if err := sub.ctx.Err(); err != nil {
		return fmt.Errorf("status subscriber context: %w", err)
	}
	select {
	case <-b.ctx.Done():
		return errs.New("status/publish", errs.CodeUnavailable, errs.WithMessage("status bus closed"))
	case <-ctx.Done():
		return fmt.Errorf("status publish context: %w", ctx.Err())
	case <-sub.ctx.Done():
		return nil
	case sub.ch <- tr:
		return nil
	default:
		return errs.New("status/publish", errs.CodeUnavailable, errs.WithMessage("watcher buffer full"))
	}
}

func (b *StatusBus) observe(sub *statusSubscriber) {
	select {
	case <-sub.ctx.Done():
	case <-b.ctx.Done():
	}
	b.mu.Lock()
	for i, candidate := range b.subs {
		if candidate == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	sub.close()
}

func (s *statusSubscriber) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}
