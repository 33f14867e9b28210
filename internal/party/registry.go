package party

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/listening-party-system/pkg/database"
	"github.com/listening-party-system/pkg/models"
)

// Registry maps party ids to their live sessions. Sessions are created on
// first use and dropped once their party ends.
type Registry struct {
	store     Store
	bcast     Broadcaster
	deadlines DeadlineStore
	opts      Options

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(store Store, bcast Broadcaster, deadlines DeadlineStore, opts Options) *Registry {
	if deadlines == nil {
		deadlines = noDeadlines{}
	}
	return &Registry{
		store:     store,
		bcast:     bcast,
		deadlines: deadlines,
		opts:      opts.withDefaults(),
		sessions:  make(map[string]*Session),
	}
}

// Session returns the live session for the party, creating it if needed.
// Ended parties get a detached session that is never registered.
func (r *Registry) Session(ctx context.Context, partyID string) (*Session, error) {
	if partyID == "" {
		return nil, ErrPartyNotFound
	}

	r.mu.Lock()
	s, ok := r.sessions[partyID]
	r.mu.Unlock()
	if ok {
		return s, nil
	}

	party, err := r.store.GetParty(ctx, partyID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrPartyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get party: %w", err)
	}

	s = newSession(partyID, r.store, r.bcast, r.deadlines, r.opts, r.remove)
	if party.Status == models.PartyStatusEnded {
		s.closed = true
		return s, nil
	}

	r.mu.Lock()
	if existing, ok := r.sessions[partyID]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.sessions[partyID] = s
	r.mu.Unlock()
	log.Debug().Str("module", "party.registry").Str("party_id", partyID).Msg("created session")

	// The party may have ended and dropped its previous session between the
	// read above and the insert.
	party, err = r.store.GetParty(ctx, partyID)
	if err == nil && party.Status == models.PartyStatusEnded {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		r.remove(s)
	}
	return s, nil
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.partyID] == s {
		delete(r.sessions, s.partyID)
		log.Debug().Str("module", "party.registry").Str("party_id", s.partyID).Msg("removed session")
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) Join(ctx context.Context, partyID, participantID, connID string) error {
	s, err := r.Session(ctx, partyID)
	if err != nil {
		return err
	}
	return s.Join(ctx, participantID, connID)
}

func (r *Registry) RequestPlay(ctx context.Context, partyID, participantID string) error {
	s, err := r.Session(ctx, partyID)
	if err != nil {
		return err
	}
	return s.RequestPlay(ctx, participantID)
}

func (r *Registry) RequestAdvance(ctx context.Context, partyID, participantID string) error {
	s, err := r.Session(ctx, partyID)
	if err != nil {
		return err
	}
	return s.RequestAdvance(ctx, participantID)
}

func (r *Registry) AddSong(ctx context.Context, partyID, participantID string, track models.Track) error {
	if !track.Complete() {
		return ErrInvalidTrack
	}
	s, err := r.Session(ctx, partyID)
	if err != nil {
		return err
	}
	return s.AddSong(ctx, participantID, track)
}

func (r *Registry) RequestEnd(ctx context.Context, partyID, participantID string) error {
	s, err := r.Session(ctx, partyID)
	if err != nil {
		return err
	}
	return s.RequestEnd(ctx, participantID)
}

// CastVote routes the vote to the session of the song's party.
func (r *Registry) CastVote(ctx context.Context, songID, participantID string, value int) error {
	if !models.ValidVoteValue(value) {
		return ErrInvalidVote
	}

	song, err := r.store.GetSong(ctx, songID)
	if errors.Is(err, database.ErrNotFound) {
		return ErrSongNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get song: %w", err)
	}

	s, err := r.Session(ctx, song.PartyID)
	if err != nil {
		return err
	}
	return s.CastVote(ctx, songID, participantID, value)
}

// Disconnect routes a closed connection to the session of its participant's
// party.
func (r *Registry) Disconnect(ctx context.Context, connID string) error {
	p, err := r.store.FindParticipantByConnection(ctx, connID)
	if errors.Is(err, database.ErrNotFound) {
		return ErrParticipantNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to find participant: %w", err)
	}

	s, err := r.Session(ctx, p.PartyID)
	if err != nil {
		return err
	}
	return s.Disconnect(ctx, connID)
}

// Recover re-arms the timers persisted by a previous process.
func (r *Registry) Recover(ctx context.Context) error {
	deadlines, err := r.deadlines.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list deadlines: %w", err)
	}

	for _, d := range deadlines {
		s, err := r.Session(ctx, d.PartyID)
		if err != nil && !errors.Is(err, ErrPartyNotFound) {
			log.Error().Err(err).Str("module", "party.registry").Str("party_id", d.PartyID).Msg("failed to recover deadline")
			continue
		}
		if err == nil && s.resume(ctx, d) {
			continue
		}
		if err := r.deadlines.Clear(ctx, d.PartyID); err != nil {
			log.Warn().Err(err).Str("module", "party.registry").Str("party_id", d.PartyID).Msg("failed to clear stale deadline")
		}
	}

	log.Info().Str("module", "party.registry").Int("deadlines", len(deadlines)).Msg("recovered deadlines")
	return nil
}

// Shutdown stops every pending timer. Persisted deadlines are kept for
// Recover.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
}
