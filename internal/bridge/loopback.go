package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type route struct {
	domain  string
	address string
}

// Loopback is an in-process transport. Sent envelopes wait in a queue until
// Pump or DeliverAt hands them to the registered receiver, so tests can hold,
// reorder or drop messages the way a real bridge might.
type Loopback struct {
	name      string
	mu        sync.Mutex
	receivers map[route]Receiver
	queue     []Envelope
	dropNext  int
	closed    bool
}

// NewLoopback creates a transport that stamps envelopes with name.
func NewLoopback(name string) *Loopback {
	return &Loopback{
		name:      name,
		receivers: make(map[route]Receiver),
	}
}

// Name is the transport identity stamped on every envelope.
func (l *Loopback) Name() string { return l.name }

// Register routes envelopes addressed to (domain, address) to r.
func (l *Loopback) Register(domain, address string, r Receiver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receivers[route{domain, address}] = r
}

// Endpoint returns a Messenger sending as (domain, address).
func (l *Loopback) Endpoint(domain, address string) Messenger {
	return &loopbackEndpoint{bus: l, domain: domain, address: address}
}

// DropNext silently discards the next n sent messages.
func (l *Loopback) DropNext(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropNext = n
}

// Inject queues a raw envelope as-is, bypassing sealing.
func (l *Loopback) Inject(env Envelope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue = append(l.queue, env)
}

// Pending returns a copy of the undelivered envelopes in send order.
func (l *Loopback) Pending() []Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Envelope(nil), l.queue...)
}

// DeliverAt delivers the i-th pending envelope, leaving the rest queued.
func (l *Loopback) DeliverAt(ctx context.Context, i int) error {
	l.mu.Lock()
	if i < 0 || i >= len(l.queue) {
		l.mu.Unlock()
		return fmt.Errorf("bridge: no pending envelope at %d", i)
	}
	env := l.queue[i]
	l.queue = append(l.queue[:i], l.queue[i+1:]...)
	l.mu.Unlock()

	return l.deliver(ctx, env)
}

// Pump delivers queued envelopes in send order until the queue is empty,
// including envelopes sent by receivers during the pump. Delivery errors do
// not stop the pump; they are joined and returned.
func (l *Loopback) Pump(ctx context.Context) (int, error) {
	var errs []error
	delivered := 0
	for {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return delivered, errors.Join(errs...)
		}
		env := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		if err := l.deliver(ctx, env); err != nil {
			errs = append(errs, err)
		}
		delivered++
	}
}

// Run pumps the queue every interval until ctx is done.
func (l *Loopback) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := l.Pump(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("loopback delivery failed", "transport", l.name, "err", err)
			}
		}
	}
}

// Close rejects further sends.
func (l *Loopback) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

func (l *Loopback) enqueue(env Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrTransportClosed
	}
	if l.dropNext > 0 {
		l.dropNext--
		slog.Warn("loopback dropped message", "id", env.ID, "target", env.TargetDomain)
		return nil
	}
	l.queue = append(l.queue, env)
	return nil
}

func (l *Loopback) deliver(ctx context.Context, env Envelope) error {
	l.mu.Lock()
	r, ok := l.receivers[route{env.TargetDomain, env.TargetAddress}]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s@%s", ErrNoRoute, env.TargetAddress, env.TargetDomain)
	}
	return r.Deliver(ctx, env)
}

type loopbackEndpoint struct {
	bus     *Loopback
	domain  string
	address string
}

func (e *loopbackEndpoint) Send(_ context.Context, peerDomain, peerAddress string, m Message, gasBudget uint64) error {
	env, err := Seal(e.bus.name, e.domain, e.address, peerDomain, peerAddress, gasBudget, m)
	if err != nil {
		return err
	}
	return e.bus.enqueue(env)
}
