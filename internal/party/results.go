package party

import (
	"sort"

	"github.com/listening-party-system/pkg/events"
	"github.com/listening-party-system/pkg/models"
)

type Result = events.ResultEntry

// Rank orders played songs by share of upvotes, then by number of votes.
// Songs without votes rank with a share of zero. Equal keys keep their input
// order.
func Rank(songs []models.Song) []Result {
	results := make([]Result, 0, len(songs))
	for _, song := range songs {
		yes := 0
		for _, v := range song.Votes {
			if v.Value == 1 {
				yes++
			}
		}
		total := len(song.Votes)

		var share float64
		if total > 0 {
			share = float64(yes) / float64(total)
		}
		results = append(results, Result{Song: song, YesPercent: share, Total: total})
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.YesPercent != b.YesPercent {
			return a.YesPercent > b.YesPercent
		}
		return a.Total > b.Total
	})
	return results
}

// RevealScore is the mean vote value, or 0 without votes.
func RevealScore(votes []models.Vote) float64 {
	if len(votes) == 0 {
		return 0
	}
	sum := 0
	for _, v := range votes {
		sum += v.Value
	}
	return float64(sum) / float64(len(votes))
}
