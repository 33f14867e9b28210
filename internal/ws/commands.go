package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/listening-party-system/pkg/models"
)

// Client command names.
const (
	CommandJoin    = "party:join"
	CommandPlay    = "playback:play"
	CommandVote    = "song:vote"
	CommandNext    = "playback:next"
	CommandAddSong = "song:add"
	CommandEnd     = "party:end"
)

var errUnknownCommand = errors.New("unknown command")

var validate = validator.New()

// frame is the envelope of every client message.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// PartyCommand carries the fields shared by join, play, next and end.
type PartyCommand struct {
	PartyID       string `json:"partyId" validate:"required"`
	ParticipantID string `json:"participantId" validate:"required"`
}

type VoteCommand struct {
	SongID        string `json:"songId" validate:"required"`
	ParticipantID string `json:"participantId" validate:"required"`
	Value         int    `json:"value" validate:"oneof=1 -1"`
}

type SongInput struct {
	ExternalID string `json:"externalId" validate:"required"`
	Title      string `json:"title" validate:"required"`
	Artist     string `json:"artist" validate:"required"`
	ArtworkURL string `json:"artworkUrl" validate:"required"`
	PreviewURL string `json:"previewUrl" validate:"required"`
}

func (s SongInput) Track() models.Track {
	return models.Track{
		ExternalID: s.ExternalID,
		Title:      s.Title,
		Artist:     s.Artist,
		ArtworkURL: s.ArtworkURL,
		PreviewURL: s.PreviewURL,
	}
}

type AddSongCommand struct {
	PartyID       string    `json:"partyId" validate:"required"`
	ParticipantID string    `json:"participantId" validate:"required"`
	Song          SongInput `json:"song"`
}

// decodeCommand parses a client message into its typed, validated command.
func decodeCommand(raw []byte) (string, interface{}, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return "", nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	var cmd interface{}
	switch f.Event {
	case CommandJoin, CommandPlay, CommandNext, CommandEnd:
		cmd = &PartyCommand{}
	case CommandVote:
		cmd = &VoteCommand{}
	case CommandAddSong:
		cmd = &AddSongCommand{}
	default:
		return f.Event, nil, errUnknownCommand
	}

	if len(f.Data) == 0 {
		return f.Event, nil, errors.New("missing data")
	}
	if err := json.Unmarshal(f.Data, cmd); err != nil {
		return f.Event, nil, fmt.Errorf("failed to decode %s: %w", f.Event, err)
	}
	if err := validate.Struct(cmd); err != nil {
		return f.Event, nil, fmt.Errorf("invalid %s: %w", f.Event, err)
	}
	return f.Event, cmd, nil
}
