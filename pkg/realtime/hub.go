package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event names broadcast to dashboards.
const (
	EventNewComplaint     = "NEW_COMPLAINT"
	EventUpdatedComplaint = "UPDATED_COMPLAINT"
	EventDeletedComplaint = "DELETED_COMPLAINT"
	EventNewComment       = "NEW_COMMENT"
)

// ErrHubStopped is returned when attaching to a hub that is not running.
var ErrHubStopped = errors.New("realtime hub stopped")

// Event is the envelope every subscriber receives.
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Observer receives hub activity for metrics.
type Observer interface {
	SetRealtimeSubscribers(n int)
	RecordRealtimeEvent(eventType, outcome string)
}

// Relay mirrors locally published messages to peer instances.
type Relay interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, deliver func(channel string, payload []byte)) error
}

// HubConfig tunes buffering and liveness tracking.
type HubConfig struct {
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	SendBuffer        int
	BroadcastBuffer   int
	Logger            *zap.Logger
	Observer          Observer
	Relay             Relay
}

type outbound struct {
	eventType string
	channel   string
	payload   []byte
}

type retag struct {
	sub     *Subscriber
	channel string
}

// Hub fans events out to connected subscribers. Its subscriber set is owned by
// the goroutine running Run; every other goroutine talks to it through channels.
type Hub struct {
	heartbeat   time.Duration
	pongTimeout time.Duration
	sendBuffer  int
	logger      *zap.Logger
	observer    Observer
	relay       Relay

	register   chan *Subscriber
	unregister chan *Subscriber
	retag      chan retag
	broadcast  chan outbound
	relayOut   chan outbound

	subscribers map[string]*Subscriber

	mu      sync.Mutex
	running bool
	done    chan struct{}
	now     func() time.Time
}

// NewHub builds a hub; call Run to start it.
func NewHub(cfg HubConfig) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 2 * cfg.HeartbeatInterval
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.BroadcastBuffer <= 0 {
		cfg.BroadcastBuffer = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	h := &Hub{
		heartbeat:   cfg.HeartbeatInterval,
		pongTimeout: cfg.PongTimeout,
		sendBuffer:  cfg.SendBuffer,
		logger:      cfg.Logger,
		observer:    cfg.Observer,
		relay:       cfg.Relay,
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		retag:       make(chan retag),
		broadcast:   make(chan outbound, cfg.BroadcastBuffer),
		subscribers: make(map[string]*Subscriber),
		done:        make(chan struct{}),
		now:         time.Now,
	}
	if cfg.Relay != nil {
		h.relayOut = make(chan outbound, cfg.BroadcastBuffer)
	}
	return h
}

// Run owns the subscriber set until ctx is cancelled. It must be called once.
func (h *Hub) Run(ctx context.Context) {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	if h.relay != nil {
		go h.pumpRelay(ctx)
		go func() {
			err := h.relay.Subscribe(ctx, h.deliverRemote)
			if err != nil && !errors.Is(err, context.Canceled) {
				h.logger.Warn("realtime relay subscription ended", zap.Error(err))
			}
		}()
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	defer close(h.done)

	h.logger.Info("realtime hub started")
	for {
		select {
		case <-ctx.Done():
			for _, sub := range h.subscribers {
				h.drop(sub, "shutdown")
			}
			h.logger.Info("realtime hub stopped")
			return
		case sub := <-h.register:
			h.subscribers[sub.id] = sub
			h.logger.Debug("subscriber connected", zap.String("subscriber_id", sub.id), zap.String("channel", sub.channel), zap.Int("subscribers", len(h.subscribers)))
			h.reportCount()
		case sub := <-h.unregister:
			if _, ok := h.subscribers[sub.id]; ok {
				h.drop(sub, "disconnected")
			}
		case req := <-h.retag:
			if _, ok := h.subscribers[req.sub.id]; ok {
				req.sub.channel = req.channel
			}
		case msg := <-h.broadcast:
			h.deliver(msg)
		case <-ticker.C:
			h.checkLiveness()
		}
	}
}

// Publish serialises the event and queues it for delivery. It never blocks; when
// the broadcast buffer is full the event is dropped and logged. An empty channel
// targets every subscriber.
func (h *Hub) Publish(eventType string, data interface{}, channel ...string) error {
	target := ""
	if len(channel) > 0 {
		target = channel[0]
	}
	payload, err := json.Marshal(Event{Type: eventType, Data: data, Timestamp: h.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal realtime event: %w", err)
	}
	msg := outbound{eventType: eventType, channel: target, payload: payload}

	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("realtime broadcast buffer full, event dropped", zap.String("type", eventType))
		h.record(eventType, "dropped")
		return nil
	}

	if h.relayOut != nil {
		select {
		case h.relayOut <- msg:
		default:
			h.logger.Warn("realtime relay buffer full, event not relayed", zap.String("type", eventType))
		}
	}
	return nil
}

// Attach registers conn as a subscriber and starts its read and write pumps.
func (h *Hub) Attach(conn Conn, channel string) (*Subscriber, error) {
	sub := newSubscriber(uuid.NewString(), channel, conn, h)
	select {
	case h.register <- sub:
	case <-h.done:
		_ = conn.Close()
		return nil, ErrHubStopped
	}
	go sub.writePump()
	go sub.readPump()
	return sub, nil
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) leave(sub *Subscriber) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

func (h *Hub) changeChannel(sub *Subscriber, channel string) {
	select {
	case h.retag <- retag{sub: sub, channel: channel}:
	case <-h.done:
	}
}

func (h *Hub) deliver(msg outbound) {
	delivered := 0
	for _, sub := range h.subscribers {
		if msg.channel != "" && sub.channel != msg.channel {
			continue
		}
		select {
		case sub.send <- msg.payload:
			delivered++
		default:
			h.logger.Warn("subscriber send buffer full, dropping subscriber", zap.String("subscriber_id", sub.id))
			h.drop(sub, "slow")
		}
	}
	h.record(msg.eventType, "delivered")
	h.logger.Debug("realtime event delivered", zap.String("type", msg.eventType), zap.String("channel", msg.channel), zap.Int("subscribers", delivered))
}

func (h *Hub) deliverRemote(channel string, payload []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(payload, &envelope)
	select {
	case h.broadcast <- outbound{eventType: envelope.Type, channel: channel, payload: payload}:
	default:
		h.logger.Warn("realtime broadcast buffer full, relayed event dropped", zap.String("type", envelope.Type))
		h.record(envelope.Type, "dropped")
	}
}

func (h *Hub) checkLiveness() {
	deadline := h.now().Add(-h.pongTimeout)
	for _, sub := range h.subscribers {
		if sub.seenBefore(deadline) {
			h.logger.Info("subscriber heartbeat timed out", zap.String("subscriber_id", sub.id))
			h.drop(sub, "timeout")
			continue
		}
		sub.requestPing()
	}
}

func (h *Hub) drop(sub *Subscriber, reason string) {
	delete(h.subscribers, sub.id)
	close(sub.send)
	h.logger.Debug("subscriber removed", zap.String("subscriber_id", sub.id), zap.String("reason", reason))
	h.reportCount()
}

func (h *Hub) pumpRelay(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.relayOut:
			pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := h.relay.Publish(pubCtx, msg.channel, msg.payload); err != nil {
				h.logger.Warn("failed to relay realtime event", zap.String("type", msg.eventType), zap.Error(err))
			}
			cancel()
		}
	}
}

func (h *Hub) reportCount() {
	if h.observer != nil {
		h.observer.SetRealtimeSubscribers(len(h.subscribers))
	}
}

func (h *Hub) record(eventType, outcome string) {
	if h.observer != nil {
		h.observer.RecordRealtimeEvent(eventType, outcome)
	}
}
