package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/deepmem/deepmem/pkg/queue"
)

// subscriberBuffer is the per-connection event backlog. A tail that
// falls this far behind is disconnected.
const subscriberBuffer = 64

// wireEvent is a queue.Event tagged with its queue name, the shape
// streamed to websocket subscribers.
type wireEvent struct {
	Queue string `json:"queue"`
	queue.Event
}

// EventHub fans queue transitions out to websocket subscribers and
// in-process observers. Wire each queue's Config.OnEvent to
// [EventHub.QueueSink] with that queue's name.
//
// The hub sits on the queues' event path, so it never blocks: slow
// subscribers are dropped, and observers are expected to be fast.
type EventHub struct {
	log *zap.Logger

	mu        sync.Mutex
	subs      map[*subscriber]struct{}
	observers []func(queueName string, ev queue.Event)
}

type subscriber struct {
	ch   chan wireEvent
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewEventHub creates a hub. A nil logger disables logging.
func NewEventHub(log *zap.Logger) *EventHub {
	if log == nil {
		log = zap.NewNop()
	}
	return &EventHub{log: log, subs: make(map[*subscriber]struct{})}
}

// QueueSink returns the OnEvent callback for one queue.
func (h *EventHub) QueueSink(name string) func(queue.Event) {
	return func(ev queue.Event) { h.publish(name, ev) }
}

// Observe registers an in-process observer, invoked synchronously for
// every event.
func (h *EventHub) Observe(fn func(queueName string, ev queue.Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, fn)
}

func (h *EventHub) publish(name string, ev queue.Event) {
	we := wireEvent{Queue: name, Event: ev}

	h.mu.Lock()
	observers := h.observers
	var dropped []*subscriber
	for s := range h.subs {
		select {
		case s.ch <- we:
		default:
			delete(h.subs, s)
			dropped = append(dropped, s)
		}
	}
	h.mu.Unlock()

	for _, fn := range observers {
		fn(name, ev)
	}
	for _, s := range dropped {
		s.close()
		h.log.Warn("queue event subscriber dropped", zap.String("queue", name))
	}
}

func (h *EventHub) subscribe() *subscriber {
	s := &subscriber{ch: make(chan wireEvent, subscriberBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *EventHub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	h.mu.Unlock()
	if ok {
		s.close()
	}
}

// wsUpgrader accepts any origin: the endpoint is keyed by the x-api-key
// header, not cookies, so a cross-origin page holds no ambient
// credential to replay.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleQueueEvents serves GET /queue/events: a websocket streaming
// every transition from both queues as JSON, one wireEvent per message.
func (a *App) handleQueueEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its own HTTP error.
		a.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := a.events.subscribe()
	defer a.events.unsubscribe(sub)

	// The client never sends payloads, but reading is how close frames
	// and dead peers are noticed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.ch:
			if !ok {
				deadline := time.Now().Add(time.Second)
				msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "event stream too slow")
				_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
