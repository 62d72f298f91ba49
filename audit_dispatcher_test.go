package authgate

import (
	"context"
	"testing"
	"time"
)

func TestAuditDispatcherDeliversAndDrains(t *testing.T) {
	sink := NewChannelSink(16)
	clock := newFakeClock()
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 16}, sink, NewMetrics(true), clock.Now)

	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), AuditEvent{EventType: AuditLoginSuccess})
	}
	d.Close()

	received := 0
	for received < 5 {
		select {
		case ev := <-sink.Events():
			if !ev.Timestamp.Equal(clock.Now()) {
				t.Fatalf("event %d not stamped from the clock: %v", received, ev.Timestamp)
			}
			received++
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 5 events delivered before close drained", received)
		}
	}

	// Emitting after Close is a no-op, not a panic.
	d.Emit(context.Background(), AuditEvent{EventType: AuditLogout})
}

func TestAuditDispatcherDropIfFull(t *testing.T) {
	// An unbuffered-consumer sink with a tiny buffer forces drops.
	blocked := make(chan struct{})
	sink := blockingSink{release: blocked}
	metrics := NewMetrics(true)
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 1, DropIfFull: true}, sink, metrics, time.Now)

	for i := 0; i < 20; i++ {
		d.Emit(context.Background(), AuditEvent{EventType: AuditLoginFailed})
	}

	if d.Dropped() == 0 {
		t.Fatal("expected dropped events under backpressure")
	}
	if got := metrics.Value(MetricAuditDropped); got != d.Dropped() {
		t.Fatalf("drop counter %d disagrees with metric %d", d.Dropped(), got)
	}

	close(blocked)
	d.Close()
}

func TestAuditDisabledDispatcherIsNil(t *testing.T) {
	d := newAuditDispatcher(AuditConfig{Enabled: false}, NoOpSink{}, nil, nil)
	if d != nil {
		t.Fatal("disabled audit must not start a dispatcher")
	}

	// All methods tolerate the nil receiver.
	d.Emit(context.Background(), AuditEvent{})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher reports drops")
	}
}

type blockingSink struct {
	release chan struct{}
}

func (s blockingSink) Emit(context.Context, AuditEvent) {
	<-s.release
}
