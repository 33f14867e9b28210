package party

import (
	"context"
	"time"

	"github.com/listening-party-system/pkg/events"
	"github.com/listening-party-system/pkg/models"
	"github.com/listening-party-system/pkg/redis"
)

// Store is the durable entity store behind the parties.
type Store interface {
	CreatePartyWithHost(ctx context.Context, party *models.Party, host *models.Participant) error
	GetParty(ctx context.Context, id string) (*models.Party, error)
	GetPartySnapshot(ctx context.Context, id string) (*models.Party, error)
	UpdatePartyStatus(ctx context.Context, id string, status models.PartyStatus) error

	CreateParticipant(ctx context.Context, p *models.Participant) error
	GetParticipant(ctx context.Context, id string) (*models.Participant, error)
	AttachConnection(ctx context.Context, participantID, connID string) error
	DetachConnection(ctx context.Context, connID string) (*models.Participant, error)
	FindParticipantByConnection(ctx context.Context, connID string) (*models.Participant, error)

	CountQueuedSongs(ctx context.Context, partyID string) (int, error)
	CreateSong(ctx context.Context, song *models.Song) error
	GetSong(ctx context.Context, id string) (*models.Song, error)
	NextQueuedSong(ctx context.Context, partyID string) (*models.Song, error)
	PlayingSong(ctx context.Context, partyID string) (*models.Song, error)
	MarkSongPlaying(ctx context.Context, id string, at time.Time) error
	MarkSongPlayed(ctx context.Context, id string) error
	PlayedSongs(ctx context.Context, partyID string) ([]models.Song, error)

	UpsertVote(ctx context.Context, vote *models.Vote) error
	VotesForSong(ctx context.Context, songID string) ([]models.Vote, error)
}

// Broadcaster delivers party events to connected clients.
type Broadcaster interface {
	// Broadcast sends the event to every connection in the event's party.
	Broadcast(ctx context.Context, ev events.Event) error
	// BroadcastExcept skips the given connection.
	BroadcastExcept(ctx context.Context, ev events.Event, connID string) error
	// Send delivers the event to one connection.
	Send(ctx context.Context, connID string, ev events.Event) error
}

// DeadlineStore persists pending party timers across restarts.
type DeadlineStore interface {
	Save(ctx context.Context, d redis.Deadline) error
	Clear(ctx context.Context, partyID string) error
	List(ctx context.Context) ([]redis.Deadline, error)
}

type noDeadlines struct{}

func (noDeadlines) Save(context.Context, redis.Deadline) error     { return nil }
func (noDeadlines) Clear(context.Context, string) error            { return nil }
func (noDeadlines) List(context.Context) ([]redis.Deadline, error) { return nil, nil }

type Options struct {
	// RevealDelay separates a reveal from the start of the next song.
	RevealDelay time.Duration
	// IdleUnit scales a party's idle timeout; a second in production.
	IdleUnit time.Duration
	// DefaultIdleTimeout applies to parties stored without a timeout, in IdleUnits.
	DefaultIdleTimeout int
	// ActionTimeout bounds store and broadcast calls made from timers.
	ActionTimeout time.Duration
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.RevealDelay <= 0 {
		o.RevealDelay = 3 * time.Second
	}
	if o.IdleUnit <= 0 {
		o.IdleUnit = time.Second
	}
	if o.DefaultIdleTimeout <= 0 {
		o.DefaultIdleTimeout = 30
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
