package redisstore

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Store wraps redis for the duplicate-submission fast path. A retry that
// arrives while the key is warm is answered without touching the unique
// index; any redis failure degrades to a miss.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

const submissionKeyPrefix = "chat:submission:"

func New(addr, password string, db int, log zerolog.Logger) *Store {
	return &Store{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		ttl: 10 * time.Minute,
		log: log.With().Str("component", "redisstore").Logger(),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) GetSubmission(ctx context.Context, clientID string) (uint64, bool) {
	v, err := s.client.Get(ctx, submissionKeyPrefix+clientID).Result()
	if err != nil {
		if err != redis.Nil {
			s.log.Warn().Err(err).Msg("submission lookup failed")
		}
		return 0, false
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (s *Store) SetSubmission(ctx context.Context, clientID string, messageID uint64) {
	err := s.client.Set(ctx, submissionKeyPrefix+clientID,
		strconv.FormatUint(messageID, 10), s.ttl).Err()
	if err != nil {
		s.log.Warn().Err(err).Msg("submission cache write failed")
	}
}
