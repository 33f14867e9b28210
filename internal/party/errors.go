package party

import "errors"

var (
	ErrPartyNotFound       = errors.New("party not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrSongNotFound        = errors.New("song not found")
	ErrNotHost             = errors.New("participant is not the host")
	ErrPartyEnded          = errors.New("party has ended")
	ErrInvalidVote         = errors.New("vote value must be 1 or -1")
	ErrInvalidTrack        = errors.New("track is missing required fields")
	ErrMissingField        = errors.New("missing required field")
)

// Dropped reports whether err is an expected rejection of a real-time action
// (bad input, unknown ids, missing authority) rather than a collaborator
// failure.
func Dropped(err error) bool {
	return errors.Is(err, ErrPartyNotFound) ||
		errors.Is(err, ErrParticipantNotFound) ||
		errors.Is(err, ErrSongNotFound) ||
		errors.Is(err, ErrNotHost) ||
		errors.Is(err, ErrPartyEnded) ||
		errors.Is(err, ErrInvalidVote) ||
		errors.Is(err, ErrInvalidTrack) ||
		errors.Is(err, ErrMissingField)
}
