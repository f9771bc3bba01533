// Package events fans committed lottery events out to websocket
// subscribers, a bounded in-memory log and external sinks such as Redis.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/lottery_layer/internal/app/system"
	lottery "github.com/R3E-Network/lottery_layer/packages/com.r3e.services.lottery/service"
	"github.com/R3E-Network/lottery_layer/pkg/logger"
)

const (
	defaultHistory   = 256
	defaultSinkQueue = 1024
	sinkTimeout      = 5 * time.Second
)

// Sink forwards events to an external system.
type Sink interface {
	Publish(ctx context.Context, evt lottery.Event) error
}

var (
	_ lottery.Publisher = (*Hub)(nil)
	_ system.Service    = (*Hub)(nil)
)

// Hub is the in-process event bus. Publishing never blocks on slow
// subscribers or sinks: subscribers with a full buffer miss the event and
// sinks are fed from a queue by a background worker.
type Hub struct {
	mu       sync.RWMutex
	subs     map[uint64]chan lottery.Event
	nextID   uint64
	history  []lottery.Event
	capacity int
	sinks    []Sink
	log      *logger.Logger

	queue   chan lottery.Event
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewHub creates a hub that keeps the last capacity events.
func NewHub(capacity int, log *logger.Logger) *Hub {
	if capacity <= 0 {
		capacity = defaultHistory
	}
	if log == nil {
		log = logger.NewDefault("events")
	}
	return &Hub{
		subs:     make(map[uint64]chan lottery.Event),
		capacity: capacity,
		log:      log,
		queue:    make(chan lottery.Event, defaultSinkQueue),
	}
}

// AddSink registers an external sink. Call before Start.
func (h *Hub) AddSink(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, s)
}

// Publish records evt and delivers it to subscribers and sinks.
func (h *Hub) Publish(ctx context.Context, evt lottery.Event) {
	h.mu.Lock()
	h.history = append(h.history, evt)
	if len(h.history) > h.capacity {
		h.history = append([]lottery.Event(nil), h.history[len(h.history)-h.capacity:]...)
	}
	for id, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.log.WithField("subscriber", id).WithField("type", evt.Type).Warn("subscriber buffer full; dropping event")
		}
	}
	forward := h.running && len(h.sinks) > 0
	h.mu.Unlock()

	if !forward {
		return
	}
	select {
	case h.queue <- evt:
	default:
		h.log.WithField("type", evt.Type).Warn("sink queue full; dropping event")
	}
}

// Subscribe returns a channel receiving every event published after the
// call, and a function that cancels the subscription.
func (h *Hub) Subscribe(buffer int) (<-chan lottery.Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan lottery.Event, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Recent returns up to n of the latest events, oldest first. n <= 0 returns
// the whole retained history.
func (h *Hub) Recent(n int) []lottery.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	start := 0
	if n > 0 && n < len(h.history) {
		start = len(h.history) - n
	}
	return append([]lottery.Event(nil), h.history[start:]...)
}

func (h *Hub) Name() string { return "event-hub" }

// Start launches the sink worker.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.running = true
	sinks := append([]Sink(nil), h.sinks...)
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case evt := <-h.queue:
				h.forward(runCtx, sinks, evt)
			}
		}
	}()
	return nil
}

// Stop halts the sink worker. Queued events not yet forwarded are dropped.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	cancel := h.cancel
	h.running = false
	h.cancel = nil
	h.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) forward(ctx context.Context, sinks []Sink, evt lottery.Event) {
	for _, s := range sinks {
		sctx, cancel := context.WithTimeout(ctx, sinkTimeout)
		if err := s.Publish(sctx, evt); err != nil {
			h.log.WithError(err).WithField("type", evt.Type).Warn("event sink failed")
		}
		cancel()
	}
}
