package database

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/listening-party-system/pkg/models"
)

// setupTestDB opens an in-memory SQLite store with migrations applied
func setupTestDB(t *testing.T) *MySQLDB {
	t.Helper()

	db, err := NewSQLiteDB(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func seedParty(t *testing.T, db *MySQLDB) (*models.Party, *models.Participant) {
	t.Helper()

	party := &models.Party{Name: "Friday", Theme: "90s", IdleTimeoutSeconds: 30}
	host := &models.Participant{Name: "Ada"}
	if err := db.CreatePartyWithHost(context.Background(), party, host); err != nil {
		t.Fatalf("failed to create party: %v", err)
	}
	return party, host
}

func seedSong(t *testing.T, db *MySQLDB, partyID string, position int) *models.Song {
	t.Helper()

	song := &models.Song{
		PartyID: partyID,
		Track: models.Track{
			ExternalID: "ext",
			Title:      "Song",
			Artist:     "Artist",
			ArtworkURL: "http://art",
			PreviewURL: "http://preview",
		},
		AddedByName: "Ada",
		Position:    position,
	}
	if err := db.CreateSong(context.Background(), song); err != nil {
		t.Fatalf("failed to create song: %v", err)
	}
	return song
}

func TestPartyOperations(t *testing.T) {
	ctx := context.Background()

	t.Run("CreatePartyWithHost", func(t *testing.T) {
		db := setupTestDB(t)
		party, host := seedParty(t, db)

		if party.ID == "" || host.ID == "" {
			t.Fatal("expected ids to be assigned")
		}
		if party.HostID != host.ID {
			t.Errorf("expected host id %s, got %s", host.ID, party.HostID)
		}

		stored, err := db.GetParty(ctx, party.ID)
		if err != nil {
			t.Fatalf("failed to get party: %v", err)
		}
		if stored.HostID != host.ID {
			t.Errorf("expected stored host id %s, got %s", host.ID, stored.HostID)
		}
		if stored.Status != models.PartyStatusLobby {
			t.Errorf("expected status lobby, got %s", stored.Status)
		}
		if !host.IsHost || host.PartyID != party.ID {
			t.Errorf("host not attached to party: %+v", host)
		}
	})

	t.Run("GetParty Not Found", func(t *testing.T) {
		db := setupTestDB(t)
		if _, err := db.GetParty(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("UpdatePartyStatus", func(t *testing.T) {
		db := setupTestDB(t)
		party, _ := seedParty(t, db)

		if err := db.UpdatePartyStatus(ctx, party.ID, models.PartyStatusEnding); err != nil {
			t.Fatalf("failed to update status: %v", err)
		}
		stored, _ := db.GetParty(ctx, party.ID)
		if stored.Status != models.PartyStatusEnding {
			t.Errorf("expected ending, got %s", stored.Status)
		}

		if err := db.UpdatePartyStatus(ctx, "missing", models.PartyStatusEnded); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("GetPartySnapshot Orders Songs By Position", func(t *testing.T) {
		db := setupTestDB(t)
		party, _ := seedParty(t, db)
		seedSong(t, db, party.ID, 2)
		seedSong(t, db, party.ID, 0)
		seedSong(t, db, party.ID, 1)

		snap, err := db.GetPartySnapshot(ctx, party.ID)
		if err != nil {
			t.Fatalf("failed to get snapshot: %v", err)
		}
		if len(snap.Participants) != 1 {
			t.Errorf("expected 1 participant, got %d", len(snap.Participants))
		}
		if len(snap.Songs) != 3 {
			t.Fatalf("expected 3 songs, got %d", len(snap.Songs))
		}
		for i, s := range snap.Songs {
			if s.Position != i {
				t.Errorf("expected position %d at index %d, got %d", i, i, s.Position)
			}
		}
	})
}

func TestParticipantConnections(t *testing.T) {
	ctx := context.Background()

	t.Run("Attach And Detach", func(t *testing.T) {
		db := setupTestDB(t)
		_, host := seedParty(t, db)

		if err := db.AttachConnection(ctx, host.ID, "conn-1"); err != nil {
			t.Fatalf("failed to attach: %v", err)
		}
		found, err := db.FindParticipantByConnection(ctx, "conn-1")
		if err != nil {
			t.Fatalf("failed to find by connection: %v", err)
		}
		if found.ID != host.ID {
			t.Errorf("expected %s, got %s", host.ID, found.ID)
		}

		left, err := db.DetachConnection(ctx, "conn-1")
		if err != nil {
			t.Fatalf("failed to detach: %v", err)
		}
		if left.ID != host.ID || left.ConnectionID != nil {
			t.Errorf("unexpected detached participant: %+v", left)
		}

		stored, _ := db.GetParticipant(ctx, host.ID)
		if stored.ConnectionID != nil {
			t.Error("expected connection id to be cleared")
		}
	})

	t.Run("Detach Unknown Connection", func(t *testing.T) {
		db := setupTestDB(t)
		if _, err := db.DetachConnection(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Attach Unknown Participant", func(t *testing.T) {
		db := setupTestDB(t)
		if err := db.AttachConnection(ctx, "nope", "conn"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestSongOperations(t *testing.T) {
	ctx := context.Background()

	t.Run("Queue Order And Status Transitions", func(t *testing.T) {
		db := setupTestDB(t)
		party, _ := seedParty(t, db)
		second := seedSong(t, db, party.ID, 1)
		first := seedSong(t, db, party.ID, 0)

		n, err := db.CountQueuedSongs(ctx, party.ID)
		if err != nil || n != 2 {
			t.Fatalf("expected 2 queued songs, got %d (%v)", n, err)
		}

		next, err := db.NextQueuedSong(ctx, party.ID)
		if err != nil {
			t.Fatalf("failed to get next song: %v", err)
		}
		if next.ID != first.ID {
			t.Errorf("expected lowest position song %s, got %s", first.ID, next.ID)
		}

		if _, err := db.PlayingSong(ctx, party.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected no playing song, got %v", err)
		}

		at := time.Now().UTC()
		if err := db.MarkSongPlaying(ctx, first.ID, at); err != nil {
			t.Fatalf("failed to mark playing: %v", err)
		}
		playing, err := db.PlayingSong(ctx, party.ID)
		if err != nil {
			t.Fatalf("failed to get playing song: %v", err)
		}
		if playing.ID != first.ID || playing.PlayedAt == nil {
			t.Errorf("unexpected playing song: %+v", playing)
		}

		if err := db.MarkSongPlayed(ctx, first.ID); err != nil {
			t.Fatalf("failed to mark played: %v", err)
		}
		played, err := db.PlayedSongs(ctx, party.ID)
		if err != nil {
			t.Fatalf("failed to get played songs: %v", err)
		}
		if len(played) != 1 || played[0].ID != first.ID {
			t.Errorf("unexpected played songs: %+v", played)
		}

		next, _ = db.NextQueuedSong(ctx, party.ID)
		if next.ID != second.ID {
			t.Errorf("expected %s next, got %s", second.ID, next.ID)
		}
	})

	t.Run("NextQueuedSong Empty Queue", func(t *testing.T) {
		db := setupTestDB(t)
		party, _ := seedParty(t, db)
		if _, err := db.NextQueuedSong(ctx, party.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestUpsertVote(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	party, host := seedParty(t, db)
	song := seedSong(t, db, party.ID, 0)

	if err := db.UpsertVote(ctx, &models.Vote{SongID: song.ID, ParticipantID: host.ID, Value: 1}); err != nil {
		t.Fatalf("failed to cast vote: %v", err)
	}
	if err := db.UpsertVote(ctx, &models.Vote{SongID: song.ID, ParticipantID: host.ID, Value: -1}); err != nil {
		t.Fatalf("failed to overwrite vote: %v", err)
	}

	votes, err := db.VotesForSong(ctx, song.ID)
	if err != nil {
		t.Fatalf("failed to get votes: %v", err)
	}
	if len(votes) != 1 {
		t.Fatalf("expected a single vote per participant, got %d", len(votes))
	}
	if votes[0].Value != -1 {
		t.Errorf("expected later vote to win, got %d", votes[0].Value)
	}
}

func TestMissingRowsAreNotLogged(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	party, _ := seedParty(t, db)

	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	if _, err := db.PlayingSong(ctx, party.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := db.NextQueuedSong(ctx, party.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("expected no log output for missing rows, got %s", buf.String())
	}
}
