package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/listening-party-system/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

type MySQLDB struct {
	*gorm.DB
}

func NewMySQLDB(host, port, user, password, dbname string) (*MySQLDB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		user, password, host, port, dbname)

	db, err := gorm.Open(mysql.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Set connection pool settings
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return open(db)
}

// gormWriter routes gorm's log lines through zerolog.
type gormWriter struct{}

func (gormWriter) Printf(format string, args ...interface{}) {
	log.Warn().Str("module", "database").Msgf(format, args...)
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.New(gormWriter{}, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

func open(db *gorm.DB) (*MySQLDB, error) {
	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &MySQLDB{DB: db}, nil
}

func autoMigrate(db *gorm.DB) error {
	log.Info().Str("module", "database").Msg("running database migrations")

	return db.AutoMigrate(
		&models.Party{},
		&models.Participant{},
		&models.Song{},
		&models.Vote{},
	)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Party operations

// CreatePartyWithHost writes the party and its host participant in one
// transaction. The party row references the host, so it is written with an
// empty host id first and patched once the participant id exists.
func (db *MySQLDB) CreatePartyWithHost(ctx context.Context, party *models.Party, host *models.Participant) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		party.HostID = ""
		if err := tx.Create(party).Error; err != nil {
			return fmt.Errorf("failed to create party: %w", err)
		}

		host.PartyID = party.ID
		host.IsHost = true
		if err := tx.Create(host).Error; err != nil {
			return fmt.Errorf("failed to create host: %w", err)
		}

		if err := tx.Model(party).Update("host_id", host.ID).Error; err != nil {
			return fmt.Errorf("failed to set host: %w", err)
		}
		party.HostID = host.ID
		return nil
	})
}

func (db *MySQLDB) GetParty(ctx context.Context, id string) (*models.Party, error) {
	var party models.Party
	if err := db.WithContext(ctx).First(&party, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &party, nil
}

// GetPartySnapshot loads the party with its participants and its songs
// ordered by queue position.
func (db *MySQLDB) GetPartySnapshot(ctx context.Context, id string) (*models.Party, error) {
	var party models.Party
	err := db.WithContext(ctx).
		Preload("Participants", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("joined_at ASC")
		}).
		Preload("Songs", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("position ASC, created_at ASC")
		}).
		First(&party, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &party, nil
}

func (db *MySQLDB) UpdatePartyStatus(ctx context.Context, id string, status models.PartyStatus) error {
	res := db.WithContext(ctx).Model(&models.Party{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Participant operations
func (db *MySQLDB) CreateParticipant(ctx context.Context, p *models.Participant) error {
	return db.WithContext(ctx).Create(p).Error
}

func (db *MySQLDB) GetParticipant(ctx context.Context, id string) (*models.Participant, error) {
	var p models.Participant
	if err := db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (db *MySQLDB) AttachConnection(ctx context.Context, participantID, connID string) error {
	res := db.WithContext(ctx).Model(&models.Participant{}).
		Where("id = ?", participantID).
		Update("connection_id", connID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DetachConnection clears the connection id and returns the participant that
// held it.
func (db *MySQLDB) DetachConnection(ctx context.Context, connID string) (*models.Participant, error) {
	var p models.Participant
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&p, "connection_id = ?", connID).Error; err != nil {
			return err
		}
		return tx.Model(&p).Update("connection_id", nil).Error
	})
	if err != nil {
		return nil, notFound(err)
	}
	p.ConnectionID = nil
	return &p, nil
}

// FindParticipantByConnection resolves the participant holding connID.
func (db *MySQLDB) FindParticipantByConnection(ctx context.Context, connID string) (*models.Participant, error) {
	var p models.Participant
	if err := db.WithContext(ctx).First(&p, "connection_id = ?", connID).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// Song operations
func (db *MySQLDB) CountQueuedSongs(ctx context.Context, partyID string) (int, error) {
	var n int64
	err := db.WithContext(ctx).Model(&models.Song{}).
		Where("party_id = ? AND status = ?", partyID, models.SongStatusQueued).
		Count(&n).Error
	return int(n), err
}

func (db *MySQLDB) CreateSong(ctx context.Context, song *models.Song) error {
	return db.WithContext(ctx).Create(song).Error
}

func (db *MySQLDB) GetSong(ctx context.Context, id string) (*models.Song, error) {
	var song models.Song
	if err := db.WithContext(ctx).First(&song, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &song, nil
}

// NextQueuedSong returns the queued song with the lowest position.
func (db *MySQLDB) NextQueuedSong(ctx context.Context, partyID string) (*models.Song, error) {
	var song models.Song
	err := db.WithContext(ctx).
		Where("party_id = ? AND status = ?", partyID, models.SongStatusQueued).
		Order("position ASC, created_at ASC").
		First(&song).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &song, nil
}

// PlayingSong returns the song currently playing with its votes.
func (db *MySQLDB) PlayingSong(ctx context.Context, partyID string) (*models.Song, error) {
	var song models.Song
	err := db.WithContext(ctx).
		Preload("Votes", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("created_at ASC")
		}).
		Where("party_id = ? AND status = ?", partyID, models.SongStatusPlaying).
		First(&song).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &song, nil
}

func (db *MySQLDB) MarkSongPlaying(ctx context.Context, id string, at time.Time) error {
	return db.WithContext(ctx).Model(&models.Song{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":    models.SongStatusPlaying,
			"played_at": at,
		}).Error
}

func (db *MySQLDB) MarkSongPlayed(ctx context.Context, id string) error {
	return db.WithContext(ctx).Model(&models.Song{}).Where("id = ?", id).
		Update("status", models.SongStatusPlayed).Error
}

// PlayedSongs returns every played song of the party with its votes, in the
// order they were played.
func (db *MySQLDB) PlayedSongs(ctx context.Context, partyID string) ([]models.Song, error) {
	var songs []models.Song
	err := db.WithContext(ctx).
		Preload("Votes", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("created_at ASC")
		}).
		Where("party_id = ? AND status = ?", partyID, models.SongStatusPlayed).
		Order("played_at ASC, position ASC").
		Find(&songs).Error
	if err != nil {
		return nil, err
	}
	return songs, nil
}

// Vote operations
func (db *MySQLDB) UpsertVote(ctx context.Context, vote *models.Vote) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "song_id"}, {Name: "participant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(vote).Error
}

func (db *MySQLDB) VotesForSong(ctx context.Context, songID string) ([]models.Vote, error) {
	var votes []models.Vote
	if err := db.WithContext(ctx).
		Where("song_id = ?", songID).
		Order("created_at ASC").
		Find(&votes).Error; err != nil {
		return nil, err
	}
	return votes, nil
}
