package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/listening-party-system/pkg/models"
)

type EventType string

// Server to client events.
const (
	EventTypePartyState         EventType = "party:state"
	EventTypeParticipantJoined  EventType = "participant:joined"
	EventTypeParticipantLeft    EventType = "participant:left"
	EventTypePlaybackStarted    EventType = "playback:started"
	EventTypePlaybackReveal     EventType = "playback:reveal"
	EventTypeQueueIdle          EventType = "queue:idle"
	EventTypeQueueIdleCancelled EventType = "queue:idle:cancel"
	EventTypePartyEnding        EventType = "party:ending"
	EventTypePartyEnded         EventType = "party:ended"
	EventTypeSongAdded          EventType = "song:added"
)

type Event struct {
	Type      EventType       `json:"event"`
	PartyID   string          `json:"partyId,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"data,omitempty"`
}

// New builds an event for the party with the payload encoded as JSON. A nil
// payload produces an event without data.
func New(t EventType, partyID string, payload interface{}) (Event, error) {
	ev := Event{
		Type:      t,
		PartyID:   partyID,
		Timestamp: time.Now().UTC(),
	}
	if payload == nil {
		return ev, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	ev.Payload = raw
	return ev, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

// Frame is the wire form sent to websocket clients.
type Frame struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func (e Event) Frame() ([]byte, error) {
	return json.Marshal(Frame{Event: e.Type, Data: e.Payload})
}

// Event payload types
type PartyStatePayload struct {
	Party *models.Party `json:"party"`
}

type ParticipantJoinedPayload struct {
	Participant *models.Participant `json:"participant"`
}

type ParticipantLeftPayload struct {
	ParticipantID string `json:"participantId"`
}

type PlaybackStartedPayload struct {
	Song *models.Song `json:"song"`
	// StartTime is the authoritative start in epoch milliseconds.
	StartTime int64 `json:"startTime"`
}

type PlaybackRevealPayload struct {
	SongID string        `json:"songId"`
	Score  float64       `json:"score"`
	Votes  []models.Vote `json:"votes"`
}

type QueueIdlePayload struct {
	TimeoutAt int64 `json:"timeoutAt"`
}

type SongAddedPayload struct {
	Song *models.Song `json:"song"`
}

type ResultEntry struct {
	Song       models.Song `json:"song"`
	YesPercent float64     `json:"yesPercent"`
	Total      int         `json:"total"`
}

type PartyEndedPayload struct {
	Results []ResultEntry `json:"results"`
}
