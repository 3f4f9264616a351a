package realtime

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Conn is the duplex transport a subscriber is bound to.
type Conn interface {
	WriteMessage(data []byte) error
	ReadMessage() ([]byte, error)
	Ping() error
	OnPong(func())
	Close() error
}

// Subscriber is one connected real-time client.
type Subscriber struct {
	id      string
	channel string
	conn    Conn
	hub     *Hub

	send     chan []byte
	ping     chan struct{}
	lastSeen atomic.Int64
}

type clientMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

func newSubscriber(id, channel string, conn Conn, hub *Hub) *Subscriber {
	s := &Subscriber{
		id:      id,
		channel: channel,
		conn:    conn,
		hub:     hub,
		send:    make(chan []byte, hub.sendBuffer),
		ping:    make(chan struct{}, 1),
	}
	s.touch()
	conn.OnPong(s.touch)
	return s
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string {
	return s.id
}

func (s *Subscriber) touch() {
	s.lastSeen.Store(s.hub.now().UnixNano())
}

func (s *Subscriber) seenBefore(t time.Time) bool {
	return s.lastSeen.Load() < t.UnixNano()
}

func (s *Subscriber) requestPing() {
	select {
	case s.ping <- struct{}{}:
	default:
	}
}

// writePump is the only goroutine writing to conn.
func (s *Subscriber) writePump() {
	defer s.conn.Close() //nolint:errcheck
	for {
		select {
		case payload, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(payload); err != nil {
				s.hub.logger.Debug("subscriber write failed", zap.String("subscriber_id", s.id), zap.Error(err))
				s.hub.leave(s)
				s.drain()
				return
			}
		case <-s.ping:
			if err := s.conn.Ping(); err != nil {
				s.hub.logger.Debug("subscriber ping failed", zap.String("subscriber_id", s.id), zap.Error(err))
				s.hub.leave(s)
				s.drain()
				return
			}
		}
	}
}

// drain consumes queued payloads until the hub closes send.
func (s *Subscriber) drain() {
	for range s.send { //nolint:revive
	}
}

func (s *Subscriber) readPump() {
	defer s.hub.leave(s)
	for {
		raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.touch()

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "subscribe":
			s.hub.changeChannel(s, msg.Channel)
		case "unsubscribe":
			s.hub.changeChannel(s, "")
		}
	}
}
