package ws

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/listening-party-system/pkg/events"
)

// Publisher appends events to the shared event log.
type Publisher interface {
	PublishEvent(ctx context.Context, ev events.Event) error
}

// Consumer reads events appended by every instance.
type Consumer interface {
	ConsumeEvents(ctx context.Context, handler func(events.Event) error) error
}

const outboxSize = 256

// Hub tracks live connections and the party each one joined. It delivers
// party events to local connections and, when a Publisher is set, mirrors
// them to the event log so other instances can relay them.
type Hub struct {
	origin    string
	publisher Publisher
	outbox    chan events.Event

	mu      sync.RWMutex
	conns   map[string]*Conn
	parties map[string]map[string]*Conn
}

func NewHub(publisher Publisher) *Hub {
	h := &Hub{
		origin:    uuid.NewString(),
		publisher: publisher,
		conns:     make(map[string]*Conn),
		parties:   make(map[string]map[string]*Conn),
	}
	if publisher != nil {
		h.outbox = make(chan events.Event, outboxSize)
	}
	return h
}

// Origin identifies this hub in the event log.
func (h *Hub) Origin() string { return h.origin }

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

// unregister drops the connection and its party membership.
func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.id)
	h.leaveLocked(c)
}

// bind puts the connection in the party's room.
func (h *Hub) bind(c *Conn, partyID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c)

	room, ok := h.parties[partyID]
	if !ok {
		room = make(map[string]*Conn)
		h.parties[partyID] = room
	}
	room[c.id] = c
	c.party = partyID
}

func (h *Hub) unbind(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c)
}

func (h *Hub) leaveLocked(c *Conn) {
	if c.party == "" {
		return
	}
	if room, ok := h.parties[c.party]; ok {
		delete(room, c.id)
		if len(room) == 0 {
			delete(h.parties, c.party)
		}
	}
	c.party = ""
}

func (h *Hub) joined(c *Conn) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.party != ""
}

// Len returns the number of local connections in the party.
func (h *Hub) Len(partyID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.parties[partyID])
}

func (h *Hub) Broadcast(ctx context.Context, ev events.Event) error {
	return h.BroadcastExcept(ctx, ev, "")
}

func (h *Hub) BroadcastExcept(ctx context.Context, ev events.Event, connID string) error {
	ev.Origin = h.origin
	if err := h.deliver(ev, connID); err != nil {
		return err
	}
	h.mirror(ev)
	return nil
}

// Send delivers the event to one local connection. Direct sends are not
// mirrored.
func (h *Hub) Send(_ context.Context, connID string, ev events.Event) error {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s not found", connID)
	}

	frame, err := ev.Frame()
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	c.enqueue(frame)
	return nil
}

func (h *Hub) deliver(ev events.Event, skip string) error {
	frame, err := ev.Frame()
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.parties[ev.PartyID]))
	for id, c := range h.parties[ev.PartyID] {
		if id != skip {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
	return nil
}

func (h *Hub) mirror(ev events.Event) {
	if h.outbox == nil {
		return
	}
	select {
	case h.outbox <- ev:
	default:
		log.Warn().Str("module", "ws.hub").Str("party_id", ev.PartyID).Str("event", string(ev.Type)).Msg("event log outbox full, dropping")
	}
}

// Run publishes mirrored events until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if h.outbox == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-h.outbox:
			if err := h.publisher.PublishEvent(ctx, ev); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("module", "ws.hub").Str("party_id", ev.PartyID).Str("event", string(ev.Type)).Msg("failed to publish event")
			}
		}
	}
}

// Relay delivers events published by other instances to local connections.
func (h *Hub) Relay(ctx context.Context, consumer Consumer) error {
	err := consumer.ConsumeEvents(ctx, func(ev events.Event) error {
		if ev.Origin == h.origin || ev.PartyID == "" {
			return nil
		}
		if err := h.deliver(ev, ""); err != nil {
			log.Warn().Err(err).Str("module", "ws.hub").Str("party_id", ev.PartyID).Msg("failed to relay event")
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("failed to relay events: %w", err)
	}
	return nil
}
