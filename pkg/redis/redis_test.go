package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestTokenStore(t *testing.T) {
	ctx := context.Background()

	t.Run("Store And Get", func(t *testing.T) {
		_, client := setupTestRedis(t)
		store := NewTokenStore(client)

		token := &TokenInfo{AccessToken: "abc", TokenType: "Bearer", ExpiresAt: time.Now().Add(time.Hour)}
		if err := store.StoreToken(ctx, "spotify", token); err != nil {
			t.Fatalf("failed to store token: %v", err)
		}

		got, err := store.GetToken(ctx, "spotify")
		if err != nil {
			t.Fatalf("failed to get token: %v", err)
		}
		if got.AccessToken != "abc" {
			t.Errorf("expected access token abc, got %s", got.AccessToken)
		}
	})

	t.Run("Missing Token", func(t *testing.T) {
		_, client := setupTestRedis(t)
		store := NewTokenStore(client)

		if _, err := store.GetToken(ctx, "spotify"); !errors.Is(err, ErrTokenNotFound) {
			t.Errorf("expected ErrTokenNotFound, got %v", err)
		}
	})

	t.Run("Expired Token Is Not Stored", func(t *testing.T) {
		_, client := setupTestRedis(t)
		store := NewTokenStore(client)

		token := &TokenInfo{AccessToken: "old", ExpiresAt: time.Now().Add(-time.Minute)}
		if err := store.StoreToken(ctx, "spotify", token); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := store.GetToken(ctx, "spotify"); !errors.Is(err, ErrTokenNotFound) {
			t.Errorf("expected ErrTokenNotFound, got %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_, client := setupTestRedis(t)
		store := NewTokenStore(client)

		store.StoreToken(ctx, "spotify", &TokenInfo{AccessToken: "abc", ExpiresAt: time.Now().Add(time.Hour)})
		if err := store.DeleteToken(ctx, "spotify"); err != nil {
			t.Fatalf("failed to delete token: %v", err)
		}
		if _, err := store.GetToken(ctx, "spotify"); !errors.Is(err, ErrTokenNotFound) {
			t.Errorf("expected ErrTokenNotFound, got %v", err)
		}
	})
}

func TestSearchCache(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)
	cache := NewSearchCache(client, time.Minute)

	type track struct {
		Title string `json:"title"`
	}

	var miss []track
	ok, err := cache.Get(ctx, "itunes", "daft punk", &miss)
	if err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	if err := cache.Set(ctx, "itunes", "Daft Punk ", []track{{Title: "One More Time"}}); err != nil {
		t.Fatalf("failed to set cache: %v", err)
	}

	var hit []track
	ok, err = cache.Get(ctx, "itunes", "daft punk", &hit)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if len(hit) != 1 || hit[0].Title != "One More Time" {
		t.Errorf("unexpected cached value: %+v", hit)
	}

	mr.FastForward(2 * time.Minute)
	ok, _ = cache.Get(ctx, "itunes", "daft punk", &hit)
	if ok {
		t.Error("expected entry to expire")
	}
}

func TestDeadlineStore(t *testing.T) {
	ctx := context.Background()
	_, client := setupTestRedis(t)
	store := NewDeadlineStore(client)

	at := time.Now().Add(time.Minute).UTC().Truncate(time.Millisecond)
	if err := store.Save(ctx, Deadline{PartyID: "p1", Kind: DeadlineAdvance, At: at}); err != nil {
		t.Fatalf("failed to save deadline: %v", err)
	}
	if err := store.Save(ctx, Deadline{PartyID: "p1", Kind: DeadlineIdle, At: at}); err != nil {
		t.Fatalf("failed to overwrite deadline: %v", err)
	}
	if err := store.Save(ctx, Deadline{PartyID: "p2", Kind: DeadlineIdle, At: at}); err != nil {
		t.Fatalf("failed to save deadline: %v", err)
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("failed to list deadlines: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected one deadline per party, got %d", len(list))
	}
	for _, d := range list {
		if d.Kind != DeadlineIdle {
			t.Errorf("expected idle deadline for %s, got %s", d.PartyID, d.Kind)
		}
		if !d.At.Equal(at) {
			t.Errorf("expected deadline %v, got %v", at, d.At)
		}
	}

	if err := store.Clear(ctx, "p1"); err != nil {
		t.Fatalf("failed to clear deadline: %v", err)
	}
	list, _ = store.List(ctx)
	if len(list) != 1 || list[0].PartyID != "p2" {
		t.Errorf("unexpected deadlines after clear: %+v", list)
	}
}
