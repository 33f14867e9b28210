package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/listening-party-system/pkg/models"
	"github.com/listening-party-system/pkg/redis"
)

const (
	spotifyTokenURL = "https://accounts.spotify.com/api/token"
	spotifyBaseURL  = "https://api.spotify.com/v1"
)

// TokenStore shares the app access token between instances.
type TokenStore interface {
	GetToken(ctx context.Context, provider string) (*redis.TokenInfo, error)
	StoreToken(ctx context.Context, provider string, token *redis.TokenInfo) error
}

type SpotifyConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	BaseURL      string
	Limit        int
	Rate         float64
}

// SpotifyProvider searches the Spotify catalog with an app token obtained
// through the client credentials grant.
type SpotifyProvider struct {
	credentials *clientcredentials.Config
	tokens      TokenStore
	baseURL     string
	limit       int
	httpClient  *http.Client
	limiter     *rate.Limiter
}

type spotifyTrack struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Artists    []spotifyArtist `json:"artists"`
	Album      spotifyAlbum    `json:"album"`
	PreviewURL string          `json:"preview_url"`
}

type spotifyArtist struct {
	Name string `json:"name"`
}

type spotifyAlbum struct {
	Images []spotifyImage `json:"images"`
}

type spotifyImage struct {
	URL    string `json:"url"`
	Height int    `json:"height"`
	Width  int    `json:"width"`
}

type spotifySearchResponse struct {
	Tracks struct {
		Items []spotifyTrack `json:"items"`
	} `json:"tracks"`
}

func NewSpotifyProvider(cfg SpotifyConfig, tokens TokenStore) *SpotifyProvider {
	if cfg.TokenURL == "" {
		cfg.TokenURL = spotifyTokenURL
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = spotifyBaseURL
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultLimit
	}
	return &SpotifyProvider{
		credentials: &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		},
		tokens:     tokens,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		limit:      cfg.Limit,
		httpClient: newHTTPClient(),
		limiter:    newLimiter(cfg.Rate),
	}
}

func (p *SpotifyProvider) Name() string { return "spotify" }

// accessToken returns the shared token, requesting a new one when none is
// stored or it has expired.
func (p *SpotifyProvider) accessToken(ctx context.Context) (string, error) {
	if p.tokens != nil {
		info, err := p.tokens.GetToken(ctx, p.Name())
		if err == nil {
			return info.AccessToken, nil
		}
		if !errors.Is(err, redis.ErrTokenNotFound) {
			log.Warn().Err(err).Str("module", "search.spotify").Msg("failed to read shared token")
		}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	token, err := p.credentials.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("spotify: token request failed: %w", err)
	}

	if p.tokens != nil && !token.Expiry.IsZero() {
		info := &redis.TokenInfo{
			AccessToken: token.AccessToken,
			TokenType:   token.TokenType,
			// Shared tokens expire 30s before the upstream expiry.
			ExpiresAt: token.Expiry.Add(-30 * time.Second),
		}
		if err := p.tokens.StoreToken(ctx, p.Name(), info); err != nil {
			log.Warn().Err(err).Str("module", "search.spotify").Msg("failed to share token")
		}
	}
	return token.AccessToken, nil
}

func (p *SpotifyProvider) Search(ctx context.Context, query string) ([]models.Track, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("spotify: %w", err)
	}

	accessToken, err := p.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Add("q", query)
	params.Add("type", "track")
	params.Add("limit", strconv.Itoa(p.limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("spotify: search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("spotify: search request failed with status %d", resp.StatusCode)
	}

	var searchResp spotifySearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("spotify: failed to decode response: %w", err)
	}

	tracks := make([]models.Track, 0, len(searchResp.Tracks.Items))
	for _, item := range searchResp.Tracks.Items {
		artists := make([]string, 0, len(item.Artists))
		for _, a := range item.Artists {
			artists = append(artists, a.Name)
		}
		tracks = append(tracks, models.Track{
			ExternalID: item.ID,
			Title:      item.Name,
			Artist:     strings.Join(artists, ", "),
			ArtworkURL: largestImage(item.Album.Images),
			PreviewURL: item.PreviewURL,
		})
	}
	return playable(tracks), nil
}

func largestImage(images []spotifyImage) string {
	best := -1
	for i, img := range images {
		if best < 0 || img.Width > images[best].Width {
			best = i
		}
	}
	if best < 0 {
		return ""
	}
	return images[best].URL
}
