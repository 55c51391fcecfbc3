package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DispatcherConfig tunes a Dispatcher.
type DispatcherConfig struct {
	// BufferSize is the number of undelivered events kept. When full the
	// oldest event is dropped.
	BufferSize int
	// SinkTimeout bounds one delivery attempt. Zero means no timeout.
	SinkTimeout time.Duration
	// OnFailure, if set, receives every event the sink rejected. It is called
	// from the delivery goroutine.
	OnFailure func(Event, error)
}

// Dispatcher decouples event producers from a Notifier.
//
// PositionChanged and StatusChanged never block: they append to a bounded
// ring and return. One goroutine drains the ring in FIFO order, so events
// keep the order in which they were published.
type Dispatcher struct {
	sink Notifier
	cfg  DispatcherConfig

	mu   sync.Mutex
	ring []Event
	head int // index of the oldest event
	size int

	seq       atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewDispatcher creates a Dispatcher delivering to sink. Call Start.
func NewDispatcher(sink Notifier, cfg DispatcherConfig) *Dispatcher {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	return &Dispatcher{
		sink: sink,
		cfg:  cfg,
		ring: make([]Event, cfg.BufferSize),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// PositionChanged enqueues a position event.
func (d *Dispatcher) PositionChanged(c PositionChange) {
	d.publish(Event{Kind: KindPosition, Position: &c})
}

// StatusChanged enqueues a status event.
func (d *Dispatcher) StatusChanged(c StatusChange) {
	d.publish(Event{Kind: KindStatus, Status: &c})
}

func (d *Dispatcher) publish(e Event) {
	d.mu.Lock()
	e.Seq = d.seq.Add(1)
	if d.size == len(d.ring) {
		d.head = (d.head + 1) % len(d.ring)
		d.size--
		d.dropped.Add(1)
	}
	d.ring[(d.head+d.size)%len(d.ring)] = e
	d.size++
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Start launches the delivery goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
}

// Stop delivers whatever is still buffered, then stops the goroutine.
// Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.done) })
	d.wg.Wait()
}

// Pending returns the number of buffered, undelivered events.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

// Dropped returns how many events were discarded because the buffer was full.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Delivered returns how many events the sink accepted.
func (d *Dispatcher) Delivered() uint64 { return d.delivered.Load() }

// Failed returns how many deliveries returned an error.
func (d *Dispatcher) Failed() uint64 { return d.failed.Load() }

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		for {
			e, ok := d.pop()
			if !ok {
				break
			}
			d.deliverOne(ctx, e)
		}
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			// Final drain so a graceful shutdown does not lose buffered events.
			for {
				e, ok := d.pop()
				if !ok {
					return
				}
				d.deliverOne(ctx, e)
			}
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) pop() (Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.size == 0 {
		return Event{}, false
	}
	e := d.ring[d.head]
	d.ring[d.head] = Event{}
	d.head = (d.head + 1) % len(d.ring)
	d.size--
	return e, true
}

func (d *Dispatcher) deliverOne(ctx context.Context, e Event) {
	if d.sink == nil {
		return
	}
	dctx := ctx
	if d.cfg.SinkTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, d.cfg.SinkTimeout)
		defer cancel()
	}
	if err := Deliver(dctx, d.sink, e); err != nil {
		d.failed.Add(1)
		slog.Warn("notify: delivery failed",
			"kind", e.Kind, "seq", e.Seq, "token", e.TokenID(), "branch", e.Branch(), "err", err)
		if d.cfg.OnFailure != nil {
			d.cfg.OnFailure(e, err)
		}
		return
	}
	d.delivered.Add(1)
}
