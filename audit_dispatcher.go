package authgate

import (
	"context"
	"sync"
	"sync/atomic"
)

// auditDispatcher relays events to the sink from a single goroutine so the
// auth hot path never waits on sink I/O. Close drains whatever is still
// buffered before returning.
type auditDispatcher struct {
	sink       AuditSink
	metrics    *Metrics
	clock      Clock
	dropIfFull bool

	ch      chan AuditEvent
	done    chan struct{}
	drained chan struct{}

	dropped   atomic.Uint64
	closeOnce sync.Once
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink, metrics *Metrics, clock Clock) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &auditDispatcher{
		sink:       sink,
		metrics:    metrics,
		clock:      clock,
		dropIfFull: cfg.DropIfFull,
		ch:         make(chan AuditEvent, buffer),
		done:       make(chan struct{}),
		drained:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *auditDispatcher) run() {
	for {
		select {
		case event := <-d.ch:
			d.sink.Emit(context.Background(), event)
		case <-d.done:
			for {
				select {
				case event := <-d.ch:
					d.sink.Emit(context.Background(), event)
				default:
					close(d.drained)
					return
				}
			}
		}
	}
}

// Emit queues one event. An event arriving without a timestamp is stamped
// from the engine clock.
func (d *auditDispatcher) Emit(ctx context.Context, event AuditEvent) {
	if d == nil {
		return
	}
	select {
	case <-d.done:
		return
	default:
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if event.Timestamp.IsZero() && d.clock != nil {
		event.Timestamp = d.clock()
	}

	if d.dropIfFull {
		select {
		case d.ch <- event:
		case <-d.done:
		default:
			d.dropped.Add(1)
			d.metrics.Inc(MetricAuditDropped)
		}
		return
	}

	select {
	case d.ch <- event:
	case <-ctx.Done():
	case <-d.done:
	}
}

func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		close(d.done)
		<-d.drained
	})
}

// Dropped returns how many events were shed because the buffer was full
// while DropIfFull was set.
func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
