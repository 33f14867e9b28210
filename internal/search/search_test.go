package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"

	"github.com/listening-party-system/pkg/models"
	"github.com/listening-party-system/pkg/redis"
)

func setupRedis(t *testing.T) *goredis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestITunesProvider(t *testing.T) {
	var gotQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query())
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[
			{"trackId":1,"trackName":"Creep","artistName":"Radiohead","artworkUrl100":"https://img/100x100bb.jpg","previewUrl":"https://p/1.m4a"},
			{"trackId":2,"trackName":"Silent","artistName":"Nobody","artworkUrl100":"https://img/100x100bb.jpg","previewUrl":""}
		]}`))
	}))
	defer srv.Close()

	p := NewITunesProvider(ITunesConfig{BaseURL: srv.URL})
	tracks, err := p.Search(context.Background(), "creep")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(tracks) != 1 {
		t.Fatalf("expected tracks without preview to be filtered, got %+v", tracks)
	}
	want := models.Track{
		ExternalID: "1",
		Title:      "Creep",
		Artist:     "Radiohead",
		ArtworkURL: "https://img/400x400bb.jpg",
		PreviewURL: "https://p/1.m4a",
	}
	if tracks[0] != want {
		t.Errorf("expected %+v, got %+v", want, tracks[0])
	}

	q := gotQuery.Load().(url.Values)
	if q["term"][0] != "creep" || q["entity"][0] != "song" || q["limit"][0] != "15" || q["country"][0] != "US" {
		t.Errorf("unexpected query: %v", q)
	}

	t.Run("Upstream Failure", func(t *testing.T) {
		bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer bad.Close()

		if _, err := NewITunesProvider(ITunesConfig{BaseURL: bad.URL}).Search(context.Background(), "x"); err == nil {
			t.Error("expected an error")
		}
	})
}

func TestSpotifyProvider(t *testing.T) {
	var tokenRequests int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenRequests, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"app-token","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/v1/search", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer app-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"tracks":{"items":[
			{"id":"sp1","name":"Karma Police","preview_url":"https://p/sp1",
			 "artists":[{"name":"Radiohead"},{"name":"Guest"}],
			 "album":{"images":[{"url":"https://img/64","width":64},{"url":"https://img/640","width":640}]}},
			{"id":"sp2","name":"No Preview","preview_url":null,"artists":[],"album":{"images":[]}}
		]}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tokens := redis.NewTokenStore(setupRedis(t))
	cfg := SpotifyConfig{ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL + "/token", BaseURL: srv.URL + "/v1"}

	first := NewSpotifyProvider(cfg, tokens)
	tracks, err := first.Search(context.Background(), "karma")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tracks) != 1 {
		t.Fatalf("expected 1 playable track, got %+v", tracks)
	}
	if tracks[0].Artist != "Radiohead, Guest" || tracks[0].ArtworkURL != "https://img/640" {
		t.Errorf("unexpected track: %+v", tracks[0])
	}

	// A second instance picks up the shared token.
	second := NewSpotifyProvider(cfg, tokens)
	if _, err := second.Search(context.Background(), "karma"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := atomic.LoadInt32(&tokenRequests); n != 1 {
		t.Errorf("expected 1 token request, got %d", n)
	}
}

type countingProvider struct {
	calls  int
	tracks []models.Track
	err    error
}

func (p *countingProvider) Name() string { return "fake" }

func (p *countingProvider) Search(context.Context, string) ([]models.Track, error) {
	p.calls++
	return p.tracks, p.err
}

func TestCachedProvider(t *testing.T) {
	ctx := context.Background()
	track := models.Track{ExternalID: "1", Title: "Creep", Artist: "Radiohead", ArtworkURL: "a", PreviewURL: "p"}

	t.Run("Serves Repeated Queries From Cache", func(t *testing.T) {
		inner := &countingProvider{tracks: []models.Track{track}}
		p := NewCachedProvider(inner, redis.NewSearchCache(setupRedis(t), time.Minute))

		for _, q := range []string{"Creep", " creep "} {
			got, err := p.Search(ctx, q)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != 1 || got[0] != track {
				t.Errorf("unexpected tracks: %+v", got)
			}
		}
		if inner.calls != 1 {
			t.Errorf("expected 1 upstream call, got %d", inner.calls)
		}
	})

	t.Run("Errors Are Not Cached", func(t *testing.T) {
		inner := &countingProvider{err: errors.New("down")}
		p := NewCachedProvider(inner, redis.NewSearchCache(setupRedis(t), time.Minute))

		p.Search(ctx, "x")
		if _, err := p.Search(ctx, "x"); err == nil {
			t.Error("expected an error")
		}
		if inner.calls != 2 {
			t.Errorf("expected 2 upstream calls, got %d", inner.calls)
		}
	})
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	do := func(p Provider, target string) *httptest.ResponseRecorder {
		r := gin.New()
		NewHandler(p).RegisterRoutes(r)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		return w
	}

	t.Run("Returns Songs", func(t *testing.T) {
		w := do(&countingProvider{tracks: []models.Track{{ExternalID: "1", Title: "Creep", PreviewURL: "p"}}}, "/search?q=creep")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var body struct {
			Songs []models.Track `json:"songs"`
		}
		json.Unmarshal(w.Body.Bytes(), &body)
		if len(body.Songs) != 1 || body.Songs[0].Title != "Creep" {
			t.Errorf("unexpected body: %s", w.Body.String())
		}
	})

	t.Run("Missing Query", func(t *testing.T) {
		if w := do(&countingProvider{}, "/search"); w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("Provider Failure", func(t *testing.T) {
		if w := do(&countingProvider{err: errors.New("down")}, "/search?q=x"); w.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", w.Code)
		}
	})
}
