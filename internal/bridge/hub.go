package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/relaykit/relay/internal/observe"
)

// observerSendBuffer is the per-observer outbound queue. Observers that fall
// further behind than this have frames dropped rather than stalling the
// session actors feeding the hub.
const observerSendBuffer = 256

const defaultHelloMessage = "connected to realtime relay"

// Call lifecycle states announced to observers.
const (
	CallStateActive            = "active"
	CallStateModelDisconnected = "model_disconnected"
	CallStateDisconnected      = "disconnected"
)

// helloEvent greets each observer as it attaches.
type helloEvent struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// callStateEvent tells observers about call lifecycle transitions. Recording
// is reported as idle; the relay does not record media.
type callStateEvent struct {
	Type      string         `json:"type"`
	State     string         `json:"state"`
	CallSid   string         `json:"callSid"`
	Recording recordingState `json:"recording"`
}

type recordingState struct {
	Status string `json:"status"`
}

// Hub fans session traffic out to every connected observer. Sends never
// block the caller: each observer owns a buffered queue drained by its own
// write goroutine, and a full queue costs that observer the frame.
type Hub struct {
	logger  *slog.Logger
	metrics *observe.Metrics
	hello   string

	mu        sync.Mutex
	observers map[*Observer]struct{}

	// lastCallState is replayed to observers attaching mid-call so their
	// dashboards open in the right state.
	lastCallState []byte
}

// NewHub returns an empty hub. helloMessage overrides the greeting sent to
// each attaching observer when non-empty.
func NewHub(logger *slog.Logger, metrics *observe.Metrics, helloMessage string) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if helloMessage == "" {
		helloMessage = defaultHelloMessage
	}
	return &Hub{
		logger:    logger,
		metrics:   metrics,
		hello:     helloMessage,
		observers: make(map[*Observer]struct{}),
	}
}

// Observer is one attached /logs websocket.
type Observer struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

// offer queues data for the observer without blocking. It reports false when
// the observer is gone or its queue is full.
func (o *Observer) offer(data []byte) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.send <- data:
		return true
	default:
		return false
	}
}

func (o *Observer) writeLoop(ctx context.Context) {
	for {
		select {
		case <-o.done:
			return
		case <-ctx.Done():
			return
		case data := <-o.send:
			if err := o.conn.Write(ctx, websocket.MessageText, data); err != nil {
				o.close()
				return
			}
		}
	}
}

func (o *Observer) close() {
	o.once.Do(func() { close(o.done) })
}

// Add registers conn as an observer, greets it, replays the latest call
// state, and starts its write pump.
func (h *Hub) Add(ctx context.Context, conn *websocket.Conn) *Observer {
	o := &Observer{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, observerSendBuffer),
		done: make(chan struct{}),
	}

	hello, err := json.Marshal(helloEvent{
		Type:      "relay.hello",
		Message:   h.hello,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err == nil {
		o.offer(hello)
	}

	h.mu.Lock()
	h.observers[o] = struct{}{}
	if h.lastCallState != nil {
		o.offer(h.lastCallState)
	}
	h.mu.Unlock()

	h.metrics.ObserversConnected.Add(ctx, 1)
	go o.writeLoop(ctx)
	h.logger.Info("observer attached", "observer_id", o.id)
	return o
}

// Remove detaches o. It is safe to call more than once.
func (h *Hub) Remove(ctx context.Context, o *Observer) {
	h.mu.Lock()
	_, ok := h.observers[o]
	if ok {
		delete(h.observers, o)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	o.close()
	h.metrics.ObserversConnected.Add(ctx, -1)
	h.logger.Info("observer detached", "observer_id", o.id)
}

// Broadcast queues data for every observer. Observers whose queues are full
// lose the frame.
func (h *Hub) Broadcast(ctx context.Context, data []byte) {
	h.mu.Lock()
	targets := make([]*Observer, 0, len(h.observers))
	for o := range h.observers {
		targets = append(targets, o)
	}
	h.mu.Unlock()

	for _, o := range targets {
		if !o.offer(data) {
			h.metrics.DroppedObserverFrames.Add(ctx, 1)
			h.logger.Debug("observer frame dropped", "observer_id", o.id)
		}
	}
}

// AnnounceCallState broadcasts a call lifecycle transition and retains it
// for replay to late-attaching observers.
func (h *Hub) AnnounceCallState(ctx context.Context, state, callSid string) {
	data, err := json.Marshal(callStateEvent{
		Type:      "call.state",
		State:     state,
		CallSid:   callSid,
		Recording: recordingState{Status: "idle"},
	})
	if err != nil {
		return
	}
	h.mu.Lock()
	h.lastCallState = data
	h.mu.Unlock()
	h.Broadcast(ctx, data)
}

// Close detaches every observer and closes their websockets.
func (h *Hub) Close(ctx context.Context) {
	h.mu.Lock()
	targets := make([]*Observer, 0, len(h.observers))
	for o := range h.observers {
		targets = append(targets, o)
	}
	h.observers = make(map[*Observer]struct{})
	h.mu.Unlock()

	for _, o := range targets {
		o.close()
		h.metrics.ObserversConnected.Add(ctx, -1)
		o.conn.Close(websocket.StatusGoingAway, "relay shutting down")
	}
}
