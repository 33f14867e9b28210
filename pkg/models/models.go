package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PartyStatus string

const (
	PartyStatusLobby   PartyStatus = "lobby"
	PartyStatusPlaying PartyStatus = "playing"
	PartyStatusEnding  PartyStatus = "ending"
	PartyStatusEnded   PartyStatus = "ended"
)

type SongStatus string

const (
	SongStatusQueued  SongStatus = "queued"
	SongStatusPlaying SongStatus = "playing"
	SongStatusPlayed  SongStatus = "played"
)

type Party struct {
	ID                 string        `json:"id" gorm:"type:varchar(36);primaryKey"`
	Name               string        `json:"name"`
	Theme              string        `json:"theme"`
	Status             PartyStatus   `json:"status" gorm:"type:varchar(16);default:lobby"`
	HostID             string        `json:"hostId" gorm:"type:varchar(36)"`
	IdleTimeoutSeconds int           `json:"idleTimeout"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
	Participants       []Participant `json:"participants,omitempty" gorm:"foreignKey:PartyID"`
	Songs              []Song        `json:"songs,omitempty" gorm:"foreignKey:PartyID"`
}

func (p *Party) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = PartyStatusLobby
	}
	return nil
}

type Participant struct {
	ID      string `json:"id" gorm:"type:varchar(36);primaryKey"`
	PartyID string `json:"partyId" gorm:"type:varchar(36);index"`
	Name    string `json:"name"`
	IsHost  bool   `json:"isHost"`
	// ConnectionID is nil while the participant has no live connection.
	ConnectionID *string   `json:"connectionId" gorm:"type:varchar(64);index"`
	JoinedAt     time.Time `json:"joinedAt" gorm:"autoCreateTime"`
}

func (p *Participant) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// Track is the metadata a client supplies when queueing a song.
type Track struct {
	ExternalID string `json:"externalId" gorm:"column:external_id"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	ArtworkURL string `json:"artworkUrl" gorm:"column:artwork_url"`
	PreviewURL string `json:"previewUrl" gorm:"column:preview_url"`
}

// Complete reports whether every track field is present.
func (t Track) Complete() bool {
	return t.ExternalID != "" && t.Title != "" && t.Artist != "" && t.ArtworkURL != "" && t.PreviewURL != ""
}

type Song struct {
	ID          string `json:"id" gorm:"type:varchar(36);primaryKey"`
	PartyID     string `json:"partyId" gorm:"type:varchar(36);index"`
	Track       `gorm:"embedded"`
	AddedByName string     `json:"addedByName"`
	Position    int        `json:"position"`
	Status      SongStatus `json:"status" gorm:"type:varchar(16);index"`
	PlayedAt    *time.Time `json:"playedAt"`
	CreatedAt   time.Time  `json:"createdAt"`
	Votes       []Vote     `json:"votes,omitempty" gorm:"foreignKey:SongID"`
}

func (s *Song) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = SongStatusQueued
	}
	return nil
}

type Vote struct {
	SongID        string    `json:"songId" gorm:"type:varchar(36);primaryKey"`
	ParticipantID string    `json:"participantId" gorm:"type:varchar(36);primaryKey"`
	Value         int       `json:"value"` // 1 for upvote, -1 for downvote
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ValidVoteValue reports whether v is an accepted vote value.
func ValidVoteValue(v int) bool {
	return v == 1 || v == -1
}
