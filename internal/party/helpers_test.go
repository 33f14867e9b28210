package party

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/listening-party-system/pkg/database"
	"github.com/listening-party-system/pkg/events"
	"github.com/listening-party-system/pkg/jwt"
	"github.com/listening-party-system/pkg/models"
)

type delivery struct {
	event  events.Event
	target string // "room", "except:<conn>" or "send:<conn>"
}

// recorder is a Broadcaster that keeps every delivered event.
type recorder struct {
	mu        sync.Mutex
	delivered []delivery
	fail      bool
}

func (r *recorder) record(ev events.Event, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, delivery{event: ev, target: target})
	if r.fail {
		return errors.New("gateway down")
	}
	return nil
}

func (r *recorder) Broadcast(_ context.Context, ev events.Event) error {
	return r.record(ev, "room")
}

func (r *recorder) BroadcastExcept(_ context.Context, ev events.Event, connID string) error {
	return r.record(ev, "except:"+connID)
}

func (r *recorder) Send(_ context.Context, connID string, ev events.Event) error {
	return r.record(ev, "send:"+connID)
}

func (r *recorder) all() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]delivery, len(r.delivered))
	copy(out, r.delivered)
	return out
}

func (r *recorder) of(t events.EventType) []delivery {
	var out []delivery
	for _, d := range r.all() {
		if d.event.Type == t {
			out = append(out, d)
		}
	}
	return out
}

func (r *recorder) count(t events.EventType) int {
	return len(r.of(t))
}

// waitFor polls until n events of type t were delivered.
func (r *recorder) waitFor(tb testing.TB, t events.EventType, n int) []delivery {
	tb.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.of(t); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatalf("timed out waiting for %d %s event(s), got %d", n, t, r.count(t))
	return nil
}

type fixture struct {
	db       *database.MySQLDB
	rec      *recorder
	registry *Registry
	service  *Service
}

const (
	testRevealDelay = 40 * time.Millisecond
	// longIdle keeps the idle countdown from expiring during a test.
	longIdle = 60000
)

func setupFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.NewSQLiteDB(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB.DB(); err == nil {
			sqlDB.Close()
		}
	})

	rec := &recorder{}
	registry := NewRegistry(db, rec, nil, Options{
		RevealDelay:   testRevealDelay,
		IdleUnit:      time.Millisecond,
		ActionTimeout: time.Second,
	})
	t.Cleanup(registry.Shutdown)

	return &fixture{
		db:       db,
		rec:      rec,
		registry: registry,
		service:  NewService(db, jwt.NewIssuer("test-secret", time.Hour), longIdle),
	}
}

// newParty creates a party whose idle countdown lasts idleMillis.
func (f *fixture) newParty(t *testing.T, idleMillis int) (*models.Party, *models.Participant) {
	t.Helper()
	m, err := f.service.CreateParty(context.Background(), "Friday", "90s", "Ada", idleMillis)
	if err != nil {
		t.Fatalf("failed to create party: %v", err)
	}
	return m.Party, m.Participant
}

func (f *fixture) join(t *testing.T, partyID, name string) *models.Participant {
	t.Helper()
	m, err := f.service.JoinParty(context.Background(), partyID, name)
	if err != nil {
		t.Fatalf("failed to join party: %v", err)
	}
	return m.Participant
}

func track(title string) models.Track {
	return models.Track{
		ExternalID: "ext-" + title,
		Title:      title,
		Artist:     "Artist",
		ArtworkURL: "https://art/" + title,
		PreviewURL: "https://preview/" + title,
	}
}

func (f *fixture) addSong(t *testing.T, partyID, participantID, title string) *models.Song {
	t.Helper()
	if err := f.registry.AddSong(context.Background(), partyID, participantID, track(title)); err != nil {
		t.Fatalf("failed to add song: %v", err)
	}
	added := f.rec.of(events.EventTypeSongAdded)
	var p events.SongAddedPayload
	if err := added[len(added)-1].event.Decode(&p); err != nil {
		t.Fatalf("failed to decode song:added: %v", err)
	}
	return p.Song
}

func (f *fixture) partyStatus(t *testing.T, partyID string) models.PartyStatus {
	t.Helper()
	p, err := f.db.GetParty(context.Background(), partyID)
	if err != nil {
		t.Fatalf("failed to get party: %v", err)
	}
	return p.Status
}

func (f *fixture) songStatus(t *testing.T, songID string) models.SongStatus {
	t.Helper()
	s, err := f.db.GetSong(context.Background(), songID)
	if err != nil {
		t.Fatalf("failed to get song: %v", err)
	}
	return s.Status
}

func (f *fixture) playingCount(t *testing.T, partyID string) int {
	t.Helper()
	snap, err := f.db.GetPartySnapshot(context.Background(), partyID)
	if err != nil {
		t.Fatalf("failed to get snapshot: %v", err)
	}
	n := 0
	for _, s := range snap.Songs {
		if s.Status == models.SongStatusPlaying {
			n++
		}
	}
	return n
}

// failingStore wraps the real store with switchable faults.
type failingStore struct {
	*database.MySQLDB
	// failEnd fails status updates to ended.
	failEnd atomic.Bool
	// staleOnce makes the next GetParty report an open party.
	staleOnce atomic.Bool
}

func (s *failingStore) UpdatePartyStatus(ctx context.Context, id string, status models.PartyStatus) error {
	if status == models.PartyStatusEnded && s.failEnd.Load() {
		return errors.New("store unavailable")
	}
	return s.MySQLDB.UpdatePartyStatus(ctx, id, status)
}

func (s *failingStore) GetParty(ctx context.Context, id string) (*models.Party, error) {
	party, err := s.MySQLDB.GetParty(ctx, id)
	if err == nil && s.staleOnce.CompareAndSwap(true, false) {
		party.Status = models.PartyStatusPlaying
	}
	return party, err
}
