// Package cache mirrors live presence state to Redis so dashboard nodes that
// do not host an entity's room can still answer busy/stale reads.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"atrium/api/internal/presence"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis and verifies the connection.
func New(redisURL string, ttl time.Duration) (*Store, error) {
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

	return NewWithClient(client, ttl), nil
}

// NewWithClient wraps an existing Redis client.
func NewWithClient(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Store{client: client, ttl: ttl}
}

func snapshotKey(ref presence.EntityRef) string {
	return fmt.Sprintf("presence:%s:%s:%s:snapshot", ref.Tenant, ref.Type, ref.ID)
}

func versionKey(ref presence.EntityRef) string {
	return fmt.Sprintf("presence:%s:%s:%s:version", ref.Tenant, ref.Type, ref.ID)
}

// Sync replaces the mirrored snapshot. Best effort: mirror failures must not
// disturb the room, so errors are logged and swallowed.
func (s *Store) Sync(snapshot presence.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := json.Marshal(snapshot)
	if err != nil {
		log.Printf("presence mirror: marshal snapshot: %v", err)
		return
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, snapshotKey(snapshot.Entity), raw, s.ttl)
	pipe.Set(ctx, versionKey(snapshot.Entity), strconv.FormatUint(snapshot.Version, 10), 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("presence mirror: sync %s: %v", snapshot.Entity.Key(), err)
	}
}

// Clear drops the mirrored snapshot when a room empties. The version key is
// kept so late readers still see the high-water mark.
func (s *Store) Clear(ref presence.EntityRef) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.client.Del(ctx, snapshotKey(ref)).Err(); err != nil {
		log.Printf("presence mirror: clear %s: %v", ref.Key(), err)
	}
}

// Snapshot reads the mirrored presence for an entity. The second return is
// false when no node currently hosts a room for it.
func (s *Store) Snapshot(ctx context.Context, ref presence.EntityRef) (presence.Snapshot, bool, error) {
	raw, err := s.client.Get(ctx, snapshotKey(ref)).Bytes()
	if err == redis.Nil {
		return presence.Snapshot{}, false, nil
	}
	if err != nil {
		return presence.Snapshot{}, false, fmt.Errorf("read mirrored snapshot: %w", err)
	}
	var snapshot presence.Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return presence.Snapshot{}, false, fmt.Errorf("unmarshal mirrored snapshot: %w", err)
	}
	return snapshot, true, nil
}

// Version reads the last mirrored version for an entity, 0 when unknown.
func (s *Store) Version(ctx context.Context, ref presence.EntityRef) (uint64, error) {
	raw, err := s.client.Get(ctx, versionKey(ref)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read mirrored version: %w", err)
	}
	version, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse mirrored version: %w", err)
	}
	return version, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
