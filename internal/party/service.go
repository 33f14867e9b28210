package party

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/listening-party-system/pkg/database"
	"github.com/listening-party-system/pkg/models"
)

// TokenIssuer issues participant bearer tokens.
type TokenIssuer interface {
	GenerateToken(partyID, participantID string) (string, error)
}

// Service handles the request/response side of parties: creation, lookup
// and joining. Live playback goes through the Registry.
type Service struct {
	store       Store
	tokens      TokenIssuer
	idleTimeout int
}

func NewService(store Store, tokens TokenIssuer, idleTimeoutSeconds int) *Service {
	return &Service{
		store:       store,
		tokens:      tokens,
		idleTimeout: idleTimeoutSeconds,
	}
}

type Membership struct {
	Party       *models.Party       `json:"party,omitempty"`
	Participant *models.Participant `json:"participant"`
	Token       string              `json:"token"`
}

func (s *Service) CreateParty(ctx context.Context, name, theme, hostName string, idleTimeoutSeconds int) (*Membership, error) {
	name, theme, hostName = strings.TrimSpace(name), strings.TrimSpace(theme), strings.TrimSpace(hostName)
	if name == "" || theme == "" || hostName == "" {
		return nil, ErrMissingField
	}
	if idleTimeoutSeconds <= 0 {
		idleTimeoutSeconds = s.idleTimeout
	}

	party := &models.Party{
		Name:               name,
		Theme:              theme,
		Status:             models.PartyStatusLobby,
		IdleTimeoutSeconds: idleTimeoutSeconds,
	}
	host := &models.Participant{Name: hostName, IsHost: true}

	if err := s.store.CreatePartyWithHost(ctx, party, host); err != nil {
		return nil, fmt.Errorf("failed to create party: %w", err)
	}

	token, err := s.tokens.GenerateToken(party.ID, host.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	return &Membership{Party: party, Participant: host, Token: token}, nil
}

// GetParty returns the party with its participants and queue.
func (s *Service) GetParty(ctx context.Context, partyID string) (*models.Party, error) {
	party, err := s.store.GetPartySnapshot(ctx, partyID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrPartyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get party: %w", err)
	}
	return party, nil
}

func (s *Service) JoinParty(ctx context.Context, partyID, name string) (*Membership, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrMissingField
	}

	if _, err := s.store.GetParty(ctx, partyID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrPartyNotFound
		}
		return nil, fmt.Errorf("failed to get party: %w", err)
	}

	participant := &models.Participant{PartyID: partyID, Name: name}
	if err := s.store.CreateParticipant(ctx, participant); err != nil {
		return nil, fmt.Errorf("failed to join party: %w", err)
	}

	token, err := s.tokens.GenerateToken(partyID, participant.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	return &Membership{Participant: participant, Token: token}, nil
}
