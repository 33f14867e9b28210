package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/listening-party-system/pkg/models"
)

const itunesBaseURL = "https://itunes.apple.com"

type ITunesConfig struct {
	BaseURL string
	Limit   int
	Country string
	// Rate caps outbound requests per second.
	Rate float64
}

type ITunesProvider struct {
	baseURL    string
	limit      int
	country    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type itunesResponse struct {
	Results []itunesTrack `json:"results"`
}

type itunesTrack struct {
	TrackID    int64  `json:"trackId"`
	TrackName  string `json:"trackName"`
	ArtistName string `json:"artistName"`
	ArtworkURL string `json:"artworkUrl100"`
	PreviewURL string `json:"previewUrl"`
}

func NewITunesProvider(cfg ITunesConfig) *ITunesProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = itunesBaseURL
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultLimit
	}
	if cfg.Country == "" {
		cfg.Country = "US"
	}
	return &ITunesProvider{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		limit:      cfg.Limit,
		country:    cfg.Country,
		httpClient: newHTTPClient(),
		limiter:    newLimiter(cfg.Rate),
	}
}

func (p *ITunesProvider) Name() string { return "itunes" }

func (p *ITunesProvider) Search(ctx context.Context, query string) ([]models.Track, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("itunes: %w", err)
	}

	params := url.Values{}
	params.Add("term", query)
	params.Add("entity", "song")
	params.Add("limit", strconv.Itoa(p.limit))
	params.Add("country", p.country)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("itunes: search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("itunes: search request failed with status %d", resp.StatusCode)
	}

	var searchResp itunesResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("itunes: failed to decode response: %w", err)
	}

	tracks := make([]models.Track, 0, len(searchResp.Results))
	for _, r := range searchResp.Results {
		tracks = append(tracks, models.Track{
			ExternalID: strconv.FormatInt(r.TrackID, 10),
			Title:      r.TrackName,
			Artist:     r.ArtistName,
			// Artwork is served at 100x100; the size is part of the URL.
			ArtworkURL: strings.Replace(r.ArtworkURL, "100x100", "400x400", 1),
			PreviewURL: r.PreviewURL,
		})
	}
	return playable(tracks), nil
}
