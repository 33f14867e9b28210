package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTokenNotFound is returned when no unexpired token is stored.
var ErrTokenNotFound = errors.New("token not found")

type TokenInfo struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenStore shares provider access tokens between service instances.
type TokenStore struct {
	client *redis.Client
}

// NewTokenStore creates a new token store with the given Redis client
func NewTokenStore(client *redis.Client) *TokenStore {
	return &TokenStore{client: client}
}

// StoreToken stores the provider token until it expires
func (s *TokenStore) StoreToken(ctx context.Context, provider string, token *TokenInfo) error {
	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	tokenJSON, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	key := fmt.Sprintf("token:%s", provider)
	if err := s.client.Set(ctx, key, tokenJSON, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	return nil
}

// GetToken retrieves the provider token from Redis
func (s *TokenStore) GetToken(ctx context.Context, provider string) (*TokenInfo, error) {
	key := fmt.Sprintf("token:%s", provider)
	tokenJSON, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var token TokenInfo
	if err := json.Unmarshal(tokenJSON, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	if !time.Now().Before(token.ExpiresAt) {
		return nil, ErrTokenNotFound
	}

	return &token, nil
}

// DeleteToken removes the provider token from Redis
func (s *TokenStore) DeleteToken(ctx context.Context, provider string) error {
	key := fmt.Sprintf("token:%s", provider)
	return s.client.Del(ctx, key).Err()
}
