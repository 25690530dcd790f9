package events

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/sensortree/sensortree/internal/dataset"
	"github.com/sensortree/sensortree/pkg/protocol"
)

type fakeTicker struct {
	ch      chan time.Time
	stopped chan struct{}
}

func newFakeTicker() *fakeTicker {
	return &fakeTicker{ch: make(chan time.Time), stopped: make(chan struct{})}
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               { close(f.stopped) }

func (f *fakeTicker) tick() { f.ch <- time.Now() }

func decode(t *testing.T, frame []byte) protocol.BatchMessage {
	t.Helper()
	var msg protocol.BatchMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		t.Fatalf("decode frame %s: %v", frame, err)
	}
	return msg
}

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster(Options{})

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()

	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	b.Unsubscribe(ch1)
	b.Unsubscribe(ch1)
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Count())
	}

	b.Unsubscribe(ch2)
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
}

func TestFlushSendsWholeQueueOnce(t *testing.T) {
	b := NewBroadcaster(Options{})
	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	defer b.Unsubscribe(ch1)
	defer b.Unsubscribe(ch2)

	b.Enqueue(protocol.NodeUpdate{ID: "node-1-1-1", NewName: "A"})
	b.Enqueue(protocol.NodeUpdate{ID: "node-1-1-2", NewName: "B"})

	if n := b.Flush(); n != 2 {
		t.Fatalf("expected 2 updates flushed, got %d", n)
	}
	for i, ch := range []chan []byte{ch1, ch2} {
		select {
		case frame := <-ch:
			msg := decode(t, frame)
			if msg.Type != protocol.MessageTypeBatch {
				t.Errorf("subscriber %d: type %q", i, msg.Type)
			}
			if len(msg.Payload) != 2 || msg.Payload[0].ID != "node-1-1-1" || msg.Payload[1].NewName != "B" {
				t.Errorf("subscriber %d: payload %+v", i, msg.Payload)
			}
		default:
			t.Fatalf("subscriber %d: no frame", i)
		}
	}

	if len(b.Pending()) != 0 {
		t.Error("queue not cleared after flush")
	}
	if n := b.Flush(); n != 0 {
		t.Errorf("empty queue flushed %d updates", n)
	}
}

func TestFlushFrameShape(t *testing.T) {
	b := NewBroadcaster(Options{})
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Enqueue(protocol.NodeUpdate{ID: "node-1", NewName: "X"})
	b.Flush()
	frame := <-ch
	want := `{"type":"NODE_UPDATES_BATCH","payload":[{"id":"node-1","newName":"X"}]}`
	if string(frame) != want {
		t.Errorf("frame = %s\nwant %s", frame, want)
	}
}

func TestQueueAccumulatesWithoutSubscribers(t *testing.T) {
	b := NewBroadcaster(Options{})
	b.Enqueue(protocol.NodeUpdate{ID: "a", NewName: "1"})

	if n := b.Flush(); n != 0 {
		t.Fatalf("flushed %d updates with no subscribers", n)
	}
	b.Enqueue(protocol.NodeUpdate{ID: "b", NewName: "2"})
	if got := len(b.Pending()); got != 2 {
		t.Fatalf("expected 2 pending, got %d", got)
	}

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)
	if n := b.Flush(); n != 2 {
		t.Fatalf("expected backlog of 2, got %d", n)
	}
}

func TestMaxQueueDropsOldest(t *testing.T) {
	b := NewBroadcaster(Options{MaxQueue: 2})
	b.Enqueue(
		protocol.NodeUpdate{ID: "a", NewName: "1"},
		protocol.NodeUpdate{ID: "b", NewName: "2"},
		protocol.NodeUpdate{ID: "c", NewName: "3"},
	)
	pending := b.Pending()
	if len(pending) != 2 || pending[0].ID != "b" || pending[1].ID != "c" {
		t.Errorf("pending = %+v", pending)
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(Options{})
	slow := b.Subscribe()
	defer b.Unsubscribe(slow)

	for i := 0; i < cap(slow)+5; i++ {
		b.Enqueue(protocol.NodeUpdate{ID: "a", NewName: "x"})
		b.Flush()
	}
	if len(slow) != cap(slow) {
		t.Errorf("expected full buffer, got %d/%d", len(slow), cap(slow))
	}
}

func TestStartFlushesOnTick(t *testing.T) {
	ticker := newFakeTicker()
	ticks := 0
	b := NewBroadcaster(Options{
		Interval:  time.Hour,
		NewTicker: func(d time.Duration) Ticker { return ticker },
		OnTick:    func() { ticks++ },
	})
	ch := b.Subscribe()

	b.Start()
	b.Start()
	b.Enqueue(protocol.NodeUpdate{ID: "node-2", NewName: "Y"})
	ticker.tick()

	select {
	case frame := <-ch:
		if msg := decode(t, frame); len(msg.Payload) != 1 {
			t.Errorf("payload %+v", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for batch")
	}

	b.Stop()
	select {
	case <-ticker.stopped:
	default:
		t.Error("ticker not stopped")
	}
	if ticks != 1 {
		t.Errorf("OnTick ran %d times", ticks)
	}

	b.Close()
	if _, ok := <-ch; ok {
		t.Error("expected subscriber channel closed")
	}
}

func TestSimulatorTick(t *testing.T) {
	d := dataset.Sample()
	b := NewBroadcaster(Options{})
	sim := NewSimulator(d, b, SimulatorOptions{MaxEvents: 5, Seed: 42, Persist: true})

	total := 0
	for i := 0; i < 20; i++ {
		updates := sim.Tick(context.Background())
		if len(updates) > 5 {
			t.Fatalf("tick produced %d events", len(updates))
		}
		for _, u := range updates {
			if !strings.HasPrefix(u.NewName, "UpdatedName-") {
				t.Errorf("unexpected name %q", u.NewName)
			}
			n, ok := d.Lookup(u.ID)
			if !ok {
				t.Fatalf("unknown id %s", u.ID)
			}
			if n.Type == "sensor" {
				t.Errorf("sensor %s renamed", u.ID)
			}
		}
		total += len(updates)
	}
	if total == 0 {
		t.Fatal("expected some events over 20 ticks")
	}
	if got := len(b.Pending()); got != total {
		t.Errorf("expected %d pending, got %d", total, got)
	}

	last := b.Pending()[total-1]
	if n, _ := d.Lookup(last.ID); n.Name != last.NewName {
		t.Errorf("persisted name = %q, want %q", n.Name, last.NewName)
	}
}

func TestSimulatorDisabled(t *testing.T) {
	b := NewBroadcaster(Options{})
	sim := NewSimulator(dataset.Sample(), b, SimulatorOptions{MaxEvents: 0})
	if updates := sim.Tick(context.Background()); updates != nil {
		t.Errorf("expected no events, got %v", updates)
	}
}
