package runstatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/runningpoem30/videoTranscoding/internal/config"
	"github.com/runningpoem30/videoTranscoding/pkg/models"
)

const (
	keyPrefix  = "run:"
	recentKey  = "runs:recent"
	DefaultTTL = 24 * time.Hour
)

// Store keeps the last known status of each run in Redis, keyed by the
// package name (the destination prefix).
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis
func New(cfg config.RedisConfig) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewWithClient(client, cfg.StatusTTL), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Report stores status, replacing whatever an earlier run of the same name
// left behind.
func (s *Store) Report(ctx context.Context, status models.RunStatus) error {
	if status.Name == "" {
		return fmt.Errorf("run status has no name")
	}
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now()
	}

	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal run status: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, keyPrefix+status.Name, data, s.ttl)
	pipe.ZAdd(ctx, recentKey, redis.Z{
		Score:  float64(status.UpdatedAt.UnixMilli()),
		Member: status.Name,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store run status: %w", err)
	}

	return nil
}

// Get returns the status for name, or nil if none is known
func (s *Store) Get(ctx context.Context, name string) (*models.RunStatus, error) {
	data, err := s.client.Get(ctx, keyPrefix+name).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get run status: %w", err)
	}

	var status models.RunStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run status: %w", err)
	}

	return &status, nil
}

// Recent returns up to limit statuses, most recently updated first.
// Entries whose status has expired are skipped and pruned.
func (s *Store) Recent(ctx context.Context, limit int) ([]models.RunStatus, error) {
	if limit <= 0 {
		limit = 20
	}

	names, err := s.client.ZRevRange(ctx, recentKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list recent runs: %w", err)
	}

	statuses := make([]models.RunStatus, 0, len(names))
	for _, name := range names {
		status, err := s.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		if status == nil {
			s.client.ZRem(ctx, recentKey, name)
			continue
		}
		statuses = append(statuses, *status)
	}

	return statuses, nil
}
