package search

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/listening-party-system/pkg/models"
)

// Provider looks up tracks that can be queued in a party. Only tracks with a
// playable preview are returned.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string) ([]models.Track, error)
}

const defaultLimit = 15

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// newLimiter returns a limiter allowing perSecond outbound requests, or an
// unlimited one when perSecond is not positive.
func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func playable(tracks []models.Track) []models.Track {
	out := make([]models.Track, 0, len(tracks))
	for _, t := range tracks {
		if t.PreviewURL != "" {
			out = append(out, t)
		}
	}
	return out
}
