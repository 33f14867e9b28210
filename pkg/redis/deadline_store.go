package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const deadlineKeyPrefix = "deadline:"

type DeadlineKind string

const (
	// DeadlineAdvance is the reveal delay before the next song starts.
	DeadlineAdvance DeadlineKind = "advance"
	// DeadlineIdle is the countdown before an idle party closes.
	DeadlineIdle DeadlineKind = "idle"
)

type Deadline struct {
	PartyID string       `json:"party_id"`
	Kind    DeadlineKind `json:"kind"`
	At      time.Time    `json:"at"`
}

// DeadlineStore records pending party timers so they can be re-armed after a
// restart. A party has at most one pending deadline.
type DeadlineStore struct {
	client *redis.Client
}

func NewDeadlineStore(client *redis.Client) *DeadlineStore {
	return &DeadlineStore{client: client}
}

func (s *DeadlineStore) Save(ctx context.Context, d Deadline) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal deadline: %w", err)
	}
	if err := s.client.Set(ctx, deadlineKeyPrefix+d.PartyID, raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to store deadline: %w", err)
	}
	return nil
}

func (s *DeadlineStore) Clear(ctx context.Context, partyID string) error {
	return s.client.Del(ctx, deadlineKeyPrefix+partyID).Err()
}

// List returns every stored deadline.
func (s *DeadlineStore) List(ctx context.Context) ([]Deadline, error) {
	var out []Deadline
	iter := s.client.Scan(ctx, 0, deadlineKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("failed to get deadline: %w", err)
		}

		var d Deadline
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("failed to unmarshal deadline %s: %w", key, err)
		}
		if d.PartyID == "" {
			d.PartyID = strings.TrimPrefix(key, deadlineKeyPrefix)
		}
		out = append(out, d)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan deadlines: %w", err)
	}
	return out, nil
}
