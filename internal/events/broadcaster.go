// Package events batches node updates and pushes them to live subscribers.
package events

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/sensortree/sensortree/internal/metrics"
	"github.com/sensortree/sensortree/pkg/protocol"
)

// Ticker is the subset of *time.Ticker the broadcaster needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a ticker firing every d.
type TickerFunc func(d time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewRealTicker wraps time.NewTicker.
func NewRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// Options configures a Broadcaster.
type Options struct {
	// Interval between flushes. Defaults to 5s.
	Interval time.Duration
	// MaxQueue caps pending updates; the oldest are dropped past it. 0 means unbounded.
	MaxQueue int
	// NewTicker defaults to NewRealTicker.
	NewTicker TickerFunc
	// OnTick runs on every tick before the flush.
	OnTick func()
	Logger *zap.Logger
}

// Broadcaster queues node updates and flushes them as one batch per
// interval to every subscriber.
type Broadcaster struct {
	interval  time.Duration
	maxQueue  int
	newTicker TickerFunc
	onTick    func()
	logger    *zap.Logger

	mu          sync.Mutex
	subscribers map[chan []byte]struct{}
	queue       []protocol.NodeUpdate

	lifecycle sync.Mutex
	stop      chan struct{}
	done      chan struct{}
}

// NewBroadcaster creates a broadcaster. Call Start to begin flushing.
func NewBroadcaster(opts Options) *Broadcaster {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.NewTicker == nil {
		opts.NewTicker = NewRealTicker
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Broadcaster{
		interval:    opts.Interval,
		maxQueue:    opts.MaxQueue,
		newTicker:   opts.NewTicker,
		onTick:      opts.OnTick,
		logger:      opts.Logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its frame channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan []byte {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetWSConnectionsActive(n)
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetWSConnectionsActive(n)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Enqueue adds updates to the pending batch. Updates accumulate while no
// one is subscribed.
func (b *Broadcaster) Enqueue(updates ...protocol.NodeUpdate) {
	if len(updates) == 0 {
		return
	}
	b.mu.Lock()
	b.queue = append(b.queue, updates...)
	dropped := 0
	if b.maxQueue > 0 && len(b.queue) > b.maxQueue {
		dropped = len(b.queue) - b.maxQueue
		b.queue = append([]protocol.NodeUpdate(nil), b.queue[dropped:]...)
	}
	depth := len(b.queue)
	b.mu.Unlock()

	metrics.SetUpdateQueueDepth(depth)
	if dropped > 0 {
		metrics.RecordUpdatesDropped(dropped)
		b.logger.Warn("update queue full, dropped oldest", zap.Int("dropped", dropped))
	}
}

// Pending returns a copy of the queued updates.
func (b *Broadcaster) Pending() []protocol.NodeUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.NodeUpdate(nil), b.queue...)
}

// Flush sends the whole queue as one batch if there is anything queued and
// at least one subscriber, then clears it. It returns the number of updates
// sent. Slow subscribers whose buffers are full miss the batch.
func (b *Broadcaster) Flush() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 || len(b.subscribers) == 0 {
		return 0
	}

	frame, err := json.Marshal(protocol.BatchMessage{Type: protocol.MessageTypeBatch, Payload: b.queue})
	if err != nil {
		b.logger.Error("encode batch", zap.Error(err))
		return 0
	}

	for ch := range b.subscribers {
		select {
		case ch <- frame:
		default:
			b.logger.Warn("batch dropped for slow subscriber")
		}
	}

	n := len(b.queue)
	b.logger.Debug("broadcast batch", zap.Int("updates", n), zap.Int("subscribers", len(b.subscribers)))
	b.queue = nil
	metrics.RecordBroadcast(n)
	metrics.SetUpdateQueueDepth(0)
	return n
}

// Start begins the flush loop. It is a no-op if already running.
func (b *Broadcaster) Start() {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if b.stop != nil {
		return
	}
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	ticker := b.newTicker(b.interval)
	go b.run(ticker, b.stop, b.done)
}

func (b *Broadcaster) run(ticker Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			if b.onTick != nil {
				b.onTick()
			}
			b.Flush()
		}
	}
}

// Stop halts the flush loop and waits for it to exit. Pending updates stay
// queued.
func (b *Broadcaster) Stop() {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if b.stop == nil {
		return
	}
	close(b.stop)
	<-b.done
	b.stop = nil
	b.done = nil
}

// Close stops the loop and disconnects every subscriber.
func (b *Broadcaster) Close() {
	b.Stop()
	b.mu.Lock()
	for ch := range b.subscribers {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
	metrics.SetWSConnectionsActive(0)
}
