package party

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/listening-party-system/pkg/database"
	"github.com/listening-party-system/pkg/events"
	"github.com/listening-party-system/pkg/models"
	"github.com/listening-party-system/pkg/redis"
)

// timer is a cancellable deferred action. A fired callback only runs if its
// handle is still the one armed on the session, which makes cancel and fire
// mutually exclusive.
type timer struct {
	t *time.Timer
}

func (h *timer) stop() {
	if h != nil {
		h.t.Stop()
	}
}

// Session serializes every mutating action of one party. It owns the live
// playback state that is not persisted: the current song and the pending
// reveal and idle timers.
type Session struct {
	partyID   string
	store     Store
	bcast     Broadcaster
	deadlines DeadlineStore
	opts      Options
	onClose   func(*Session)
	logger    zerolog.Logger

	mu      sync.Mutex
	current *models.Song
	loaded  bool
	reveal  *timer
	idle    *timer
	closed  bool
}

func newSession(partyID string, store Store, bcast Broadcaster, deadlines DeadlineStore, opts Options, onClose func(*Session)) *Session {
	return &Session{
		partyID:   partyID,
		store:     store,
		bcast:     bcast,
		deadlines: deadlines,
		opts:      opts,
		onClose:   onClose,
		logger:    log.With().Str("module", "party.session").Str("party_id", partyID).Logger(),
	}
}

func (s *Session) PartyID() string { return s.partyID }

// RequestPlay starts the lowest queued song. Host only.
func (s *Session) RequestPlay(ctx context.Context, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	party, err := s.authorize(ctx, participantID)
	if err != nil {
		return err
	}
	if party.Status == models.PartyStatusEnding {
		return nil
	}
	if s.reveal != nil {
		return nil
	}

	current, err := s.loadCurrent(ctx)
	if err != nil {
		return err
	}
	if current != nil {
		return nil
	}

	next, err := s.store.NextQueuedSong(ctx, s.partyID)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get next song: %w", err)
	}

	return s.promote(ctx, party, next)
}

// CastVote records the participant's vote on a song, replacing any earlier
// vote. Votes on songs that already finished still count.
func (s *Session) CastVote(ctx context.Context, songID, participantID string, value int) error {
	if !models.ValidVoteValue(value) {
		return ErrInvalidVote
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	song, err := s.store.GetSong(ctx, songID)
	if errors.Is(err, database.ErrNotFound) || (err == nil && song.PartyID != s.partyID) {
		return ErrSongNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get song: %w", err)
	}

	if _, err := s.member(ctx, participantID); err != nil {
		return err
	}

	vote := &models.Vote{SongID: song.ID, ParticipantID: participantID, Value: value}
	if err := s.store.UpsertVote(ctx, vote); err != nil {
		return fmt.Errorf("failed to store vote: %w", err)
	}
	return nil
}

// RequestAdvance finishes the current song and reveals its score. The next
// song starts after the reveal delay. Host only.
func (s *Session) RequestAdvance(ctx context.Context, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.authorize(ctx, participantID); err != nil {
		return err
	}

	current, err := s.loadCurrent(ctx)
	if err != nil {
		return err
	}
	if current == nil {
		return nil
	}

	if err := s.store.MarkSongPlayed(ctx, current.ID); err != nil {
		return fmt.Errorf("failed to mark song played: %w", err)
	}
	s.current = nil

	votes, err := s.store.VotesForSong(ctx, current.ID)
	if err != nil {
		return fmt.Errorf("failed to get votes: %w", err)
	}
	if votes == nil {
		votes = []models.Vote{}
	}

	s.armReveal(ctx, s.opts.RevealDelay)

	s.emit(ctx, events.EventTypePlaybackReveal, events.PlaybackRevealPayload{
		SongID: current.ID,
		Score:  RevealScore(votes),
		Votes:  votes,
	})
	return nil
}

// AddSong queues a track. When the party is idling the new song starts
// immediately.
func (s *Session) AddSong(ctx context.Context, participantID string, track models.Track) error {
	if !track.Complete() {
		return ErrInvalidTrack
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	party, err := s.party(ctx)
	if err != nil {
		return err
	}
	if party.Status == models.PartyStatusEnded {
		return ErrPartyEnded
	}

	addedBy := "unknown"
	if p, err := s.member(ctx, participantID); err == nil {
		addedBy = p.Name
	} else if !errors.Is(err, ErrParticipantNotFound) {
		return err
	}

	position, err := s.store.CountQueuedSongs(ctx, s.partyID)
	if err != nil {
		return fmt.Errorf("failed to count queue: %w", err)
	}

	song := &models.Song{
		PartyID:     s.partyID,
		Track:       track,
		AddedByName: addedBy,
		Position:    position,
		Status:      models.SongStatusQueued,
	}
	if err := s.store.CreateSong(ctx, song); err != nil {
		return fmt.Errorf("failed to add song: %w", err)
	}

	s.emit(ctx, events.EventTypeSongAdded, events.SongAddedPayload{Song: song})

	if s.idle == nil {
		return nil
	}

	s.cancelIdle(ctx)
	s.emit(ctx, events.EventTypeQueueIdleCancelled, nil)
	return s.promote(ctx, party, song)
}

// RequestEnd asks the party to close. A playing song finishes its reveal
// first; a party with nothing in flight closes right away. Host only.
func (s *Session) RequestEnd(ctx context.Context, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	party, err := s.authorize(ctx, participantID)
	if err != nil {
		return err
	}

	s.cancelIdle(ctx)

	current, err := s.loadCurrent(ctx)
	if err != nil {
		return err
	}
	inFlight := current != nil || s.reveal != nil

	switch {
	case party.Status == models.PartyStatusEnding:
		// An ending party with nothing in flight means an earlier close failed.
		if inFlight {
			return nil
		}
		return s.close(ctx)
	case party.Status == models.PartyStatusLobby && !inFlight:
		s.emit(ctx, events.EventTypePartyEnding, nil)
		return s.close(ctx)
	}

	if err := s.store.UpdatePartyStatus(ctx, s.partyID, models.PartyStatusEnding); err != nil {
		return fmt.Errorf("failed to mark party ending: %w", err)
	}
	s.emit(ctx, events.EventTypePartyEnding, nil)

	if !inFlight {
		return s.close(ctx)
	}
	return nil
}

// Join binds a live connection to an existing participant, sends that
// connection the party snapshot and announces the participant to the rest of
// the room.
func (s *Session) Join(ctx context.Context, participantID, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	participant, err := s.member(ctx, participantID)
	if err != nil {
		return err
	}

	if err := s.store.AttachConnection(ctx, participant.ID, connID); err != nil {
		return fmt.Errorf("failed to attach connection: %w", err)
	}
	participant.ConnectionID = &connID

	snapshot, err := s.store.GetPartySnapshot(ctx, s.partyID)
	if err != nil {
		return fmt.Errorf("failed to load party: %w", err)
	}

	if ev, err := events.New(events.EventTypePartyState, s.partyID, events.PartyStatePayload{Party: snapshot}); err == nil {
		if err := s.bcast.Send(ctx, connID, ev); err != nil {
			s.logger.Error().Err(err).Str("conn_id", connID).Msg("failed to send party state")
		}
	}

	ev, err := events.New(events.EventTypeParticipantJoined, s.partyID, events.ParticipantJoinedPayload{Participant: participant})
	if err != nil {
		return err
	}
	if err := s.bcast.BroadcastExcept(ctx, ev, connID); err != nil {
		s.logger.Error().Err(err).Str("event", string(ev.Type)).Msg("failed to broadcast")
	}
	return nil
}

// Disconnect clears the participant's live connection. Presence only;
// playback and votes are untouched.
func (s *Session) Disconnect(ctx context.Context, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	participant, err := s.store.DetachConnection(ctx, connID)
	if errors.Is(err, database.ErrNotFound) {
		return ErrParticipantNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to detach connection: %w", err)
	}

	s.emit(ctx, events.EventTypeParticipantLeft, events.ParticipantLeftPayload{ParticipantID: participant.ID})
	return nil
}

// resume re-arms a deadline persisted before a restart. It reports false
// when the party is already closed.
func (s *Session) resume(ctx context.Context, d redis.Deadline) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if s.reveal != nil || s.idle != nil {
		return true
	}

	remaining := d.At.Sub(s.opts.Now())
	if remaining < 0 {
		remaining = 0
	}

	switch d.Kind {
	case redis.DeadlineAdvance:
		s.armReveal(ctx, remaining)
	case redis.DeadlineIdle:
		s.armIdle(ctx, d.At, remaining)
	}
	s.logger.Info().Str("kind", string(d.Kind)).Dur("remaining", remaining).Msg("resumed deadline")
	return true
}

// stop cancels pending timers without clearing their persisted deadlines.
func (s *Session) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reveal.stop()
	s.reveal = nil
	s.idle.stop()
	s.idle = nil
}

// pending reports which timers are armed.
func (s *Session) pending() (reveal, idle bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reveal != nil, s.idle != nil
}

// The methods below run with s.mu held.

func (s *Session) party(ctx context.Context) (*models.Party, error) {
	party, err := s.store.GetParty(ctx, s.partyID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrPartyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get party: %w", err)
	}
	return party, nil
}

// authorize loads the party and checks that participantID is its host and
// the party is still open.
func (s *Session) authorize(ctx context.Context, participantID string) (*models.Party, error) {
	party, err := s.party(ctx)
	if err != nil {
		return nil, err
	}
	if participantID == "" || party.HostID != participantID {
		return nil, ErrNotHost
	}
	if party.Status == models.PartyStatusEnded {
		return nil, ErrPartyEnded
	}
	return party, nil
}

func (s *Session) member(ctx context.Context, participantID string) (*models.Participant, error) {
	p, err := s.store.GetParticipant(ctx, participantID)
	if errors.Is(err, database.ErrNotFound) || (err == nil && p.PartyID != s.partyID) {
		return nil, ErrParticipantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	return p, nil
}

// loadCurrent returns the playing song, reading it from the store the first
// time the session needs it.
func (s *Session) loadCurrent(ctx context.Context) (*models.Song, error) {
	if s.loaded {
		return s.current, nil
	}

	song, err := s.store.PlayingSong(ctx, s.partyID)
	if errors.Is(err, database.ErrNotFound) {
		song, err = nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get playing song: %w", err)
	}
	s.current = song
	s.loaded = true
	return song, nil
}

func (s *Session) promote(ctx context.Context, party *models.Party, song *models.Song) error {
	now := s.opts.Now().UTC()
	if err := s.store.MarkSongPlaying(ctx, song.ID, now); err != nil {
		return fmt.Errorf("failed to start song: %w", err)
	}
	song.Status = models.SongStatusPlaying
	song.PlayedAt = &now
	s.current = song
	s.loaded = true

	if party.Status == models.PartyStatusLobby {
		if err := s.store.UpdatePartyStatus(ctx, s.partyID, models.PartyStatusPlaying); err != nil {
			return fmt.Errorf("failed to start party: %w", err)
		}
		party.Status = models.PartyStatusPlaying
	}

	s.emit(ctx, events.EventTypePlaybackStarted, events.PlaybackStartedPayload{
		Song:      song,
		StartTime: now.UnixMilli(),
	})
	return nil
}

func (s *Session) armReveal(ctx context.Context, d time.Duration) {
	s.reveal.stop()
	h := &timer{}
	h.t = time.AfterFunc(d, func() { s.fireReveal(h) })
	s.reveal = h
	s.saveDeadline(ctx, redis.DeadlineAdvance, s.opts.Now().Add(d))
}

func (s *Session) armIdle(ctx context.Context, at time.Time, d time.Duration) {
	s.idle.stop()
	h := &timer{}
	h.t = time.AfterFunc(d, func() { s.fireIdle(h) })
	s.idle = h
	s.saveDeadline(ctx, redis.DeadlineIdle, at)
}

func (s *Session) cancelIdle(ctx context.Context) {
	if s.idle == nil {
		return
	}
	s.idle.stop()
	s.idle = nil
	s.clearDeadline(ctx)
}

func (s *Session) fireReveal(h *timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reveal != h {
		return
	}
	s.reveal = nil

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ActionTimeout)
	defer cancel()

	s.clearDeadline(ctx)
	if err := s.advance(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to advance after reveal")
	}
}

func (s *Session) fireIdle(h *timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idle != h {
		return
	}
	s.idle = nil

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ActionTimeout)
	defer cancel()

	s.clearDeadline(ctx)
	if err := s.close(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to close idle party")
	}
}

// advance runs once the reveal delay is over. The party status is read again
// since the host may have ended the party meanwhile.
func (s *Session) advance(ctx context.Context) error {
	party, err := s.party(ctx)
	if err != nil {
		return err
	}

	switch party.Status {
	case models.PartyStatusEnded:
		return nil
	case models.PartyStatusEnding:
		return s.close(ctx)
	}

	next, err := s.store.NextQueuedSong(ctx, s.partyID)
	if err == nil {
		return s.promote(ctx, party, next)
	}
	if !errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("failed to get next song: %w", err)
	}

	timeout := party.IdleTimeoutSeconds
	if timeout <= 0 {
		timeout = s.opts.DefaultIdleTimeout
	}
	d := time.Duration(timeout) * s.opts.IdleUnit
	at := s.opts.Now().Add(d)

	s.armIdle(ctx, at, d)
	s.emit(ctx, events.EventTypeQueueIdle, events.QueueIdlePayload{TimeoutAt: at.UnixMilli()})
	return nil
}

// close ends the party and broadcasts the ranked results.
func (s *Session) close(ctx context.Context) error {
	s.reveal.stop()
	s.reveal = nil
	s.idle.stop()
	s.idle = nil

	if err := s.store.UpdatePartyStatus(ctx, s.partyID, models.PartyStatusEnded); err != nil {
		return fmt.Errorf("failed to end party: %w", err)
	}
	s.closed = true
	s.clearDeadline(ctx)
	if s.onClose != nil {
		s.onClose(s)
	}

	played, err := s.store.PlayedSongs(ctx, s.partyID)
	if err != nil {
		return fmt.Errorf("failed to get played songs: %w", err)
	}
	results := Rank(played)

	s.emit(ctx, events.EventTypePartyEnded, events.PartyEndedPayload{Results: results})
	s.logger.Info().Int("songs", len(results)).Msg("party ended")
	return nil
}

func (s *Session) emit(ctx context.Context, t events.EventType, payload interface{}) {
	ev, err := events.New(t, s.partyID, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event", string(t)).Msg("failed to build event")
		return
	}
	if err := s.bcast.Broadcast(ctx, ev); err != nil {
		s.logger.Error().Err(err).Str("event", string(t)).Msg("failed to broadcast")
	}
}

func (s *Session) saveDeadline(ctx context.Context, kind redis.DeadlineKind, at time.Time) {
	d := redis.Deadline{PartyID: s.partyID, Kind: kind, At: at.UTC()}
	if err := s.deadlines.Save(ctx, d); err != nil {
		s.logger.Warn().Err(err).Str("kind", string(kind)).Msg("failed to persist deadline")
	}
}

func (s *Session) clearDeadline(ctx context.Context) {
	if err := s.deadlines.Clear(ctx, s.partyID); err != nil {
		s.logger.Warn().Err(err).Msg("failed to clear deadline")
	}
}
