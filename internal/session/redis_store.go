// Package session keeps conversation transcripts in Redis between workspace openings.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"inkwell/api/internal/transcript"
)

const defaultTTL = 7 * 24 * time.Hour

type record struct {
	DocumentID string              `json:"document_id"`
	Transcript transcript.Snapshot `json:"transcript"`
	SavedAt    time.Time           `json:"saved_at"`
}

// RedisStore stores one transcript snapshot per document, refreshed on every save.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{
		client: client,
		prefix: "transcript:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(documentID string) string {
	return s.prefix + documentID
}

func (s *RedisStore) SaveTranscript(ctx context.Context, documentID string, snap transcript.Snapshot) error {
	payload, err := json.Marshal(record{
		DocumentID: documentID,
		Transcript: snap,
		SavedAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	if err := s.client.Set(ctx, s.key(documentID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

// LoadTranscript reports false when nothing is stored or the entry expired.
func (s *RedisStore) LoadTranscript(ctx context.Context, documentID string) (transcript.Snapshot, bool, error) {
	raw, err := s.client.Get(ctx, s.key(documentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return transcript.Snapshot{}, false, nil
	}
	if err != nil {
		return transcript.Snapshot{}, false, fmt.Errorf("load transcript: %w", err)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return transcript.Snapshot{}, false, fmt.Errorf("unmarshal transcript: %w", err)
	}
	return rec.Transcript, true, nil
}

// DeleteTranscript is idempotent.
func (s *RedisStore) DeleteTranscript(ctx context.Context, documentID string) error {
	if err := s.client.Del(ctx, s.key(documentID)).Err(); err != nil {
		return fmt.Errorf("delete transcript: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
