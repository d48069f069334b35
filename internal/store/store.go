package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	matchKeyPrefix = "matchfleet:match:"
	userKeyPrefix  = "matchfleet:user:"

	// Expired records are kept past their logical expiry so the reconciler
	// can find them and tear down the workload before the key disappears.
	retentionGrace = 15 * time.Minute

	scanBatch = 100
)

// MatchRecord is the persisted state of one active match. It exists in the
// store exactly while the workload behind it is being created or has not yet
// been torn down.
type MatchRecord struct {
	MatchID   string    `json:"match_id"`
	Namespace string    `json:"namespace"`
	Domain    string    `json:"domain"`
	Subpath   string    `json:"subpath"`
	UserIDs   [2]string `json:"user_ids"`
	Ranked    bool      `json:"ranked"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record is past its logical expiry.
func (r *MatchRecord) Expired(now time.Time) bool {
	return r.ExpiresAt.Before(now)
}

// Store is the source of truth for which match a user is in. All mutating
// operations are idempotent; absence is reported as a bool, never an error.
type Store interface {
	PutMatch(ctx context.Context, record *MatchRecord) error
	GetMatch(ctx context.Context, matchID string) (*MatchRecord, bool, error)
	DeleteMatch(ctx context.Context, matchID string) error
	PutUserPointer(ctx context.Context, userID, matchID string) error
	GetUserPointer(ctx context.Context, userID string) (string, bool, error)
	DeleteUserPointer(ctx context.Context, userID string) error
	SweepExpired(ctx context.Context, visitor func(*MatchRecord) error) error
}

// Redis implements Store on a TTL-capable Redis keyspace.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedis creates a match state store with the given per-match TTL.
func NewRedis(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *Redis {
	return &Redis{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// PutMatch writes a match record. The record's ExpiresAt is overwritten with
// now+TTL so the stored field and the key TTL always agree; the key itself is
// retained a grace period longer so an expired record is still visible to
// SweepExpired.
func (s *Redis) PutMatch(ctx context.Context, record *MatchRecord) error {
	record.ExpiresAt = time.Now().Add(s.ttl)

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal match record: %w", err)
	}

	key := matchKeyPrefix + record.MatchID
	if err := s.client.Set(ctx, key, data, s.ttl+retentionGrace).Err(); err != nil {
		return fmt.Errorf("failed to write match record: %w", err)
	}
	return nil
}

// GetMatch returns the record for the given match id, or found=false when the
// record is absent or already expired from the store.
func (s *Redis) GetMatch(ctx context.Context, matchID string) (*MatchRecord, bool, error) {
	data, err := s.client.Get(ctx, matchKeyPrefix+matchID).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read match record: %w", err)
	}

	var record MatchRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal match record: %w", err)
	}
	return &record, true, nil
}

// DeleteMatch removes the record; deleting an absent record is not an error.
func (s *Redis) DeleteMatch(ctx context.Context, matchID string) error {
	if err := s.client.Del(ctx, matchKeyPrefix+matchID).Err(); err != nil {
		return fmt.Errorf("failed to delete match record: %w", err)
	}
	return nil
}

// PutUserPointer maps a participant to their active match. The pointer carries
// the exact match TTL; once it lapses the user simply has no active match.
func (s *Redis) PutUserPointer(ctx context.Context, userID, matchID string) error {
	if err := s.client.Set(ctx, userKeyPrefix+userID, matchID, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write user pointer: %w", err)
	}
	return nil
}

// GetUserPointer returns the match id the user is in, or found=false.
func (s *Redis) GetUserPointer(ctx context.Context, userID string) (string, bool, error) {
	matchID, err := s.client.Get(ctx, userKeyPrefix+userID).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read user pointer: %w", err)
	}
	return matchID, true, nil
}

// DeleteUserPointer removes the pointer; absent pointers are not an error.
func (s *Redis) DeleteUserPointer(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, userKeyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("failed to delete user pointer: %w", err)
	}
	return nil
}

// SweepExpired scans all match records and, for each one past its expiry,
// invokes the visitor and then deletes the record. A visitor failure for one
// record is logged and never blocks the remaining records; the entry is
// deleted regardless so a single poisoned record cannot wedge every sweep.
func (s *Redis) SweepExpired(ctx context.Context, visitor func(*MatchRecord) error) error {
	now := time.Now()

	iter := s.client.Scan(ctx, 0, matchKeyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()

		data, err := s.client.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				continue // expired between scan and read
			}
			s.logger.Warn("Failed to read match record during sweep",
				zap.String("key", key), zap.Error(err))
			continue
		}

		var record MatchRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			// Undecodable entries can never be completed or swept again;
			// drop them so they don't resurface every interval.
			s.logger.Error("Dropping undecodable match record",
				zap.String("key", key), zap.Error(err))
			if err := s.client.Del(ctx, key).Err(); err != nil {
				s.logger.Warn("Failed to drop undecodable match record",
					zap.String("key", key), zap.Error(err))
			}
			continue
		}

		if !record.Expired(now) {
			continue
		}

		if err := s.visit(visitor, &record); err != nil {
			s.logger.Error("Sweep visitor failed",
				zap.String("match_id", record.MatchID), zap.Error(err))
		}
		if err := s.client.Del(ctx, key).Err(); err != nil {
			s.logger.Warn("Failed to delete expired match record",
				zap.String("match_id", record.MatchID), zap.Error(err))
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("match record scan failed: %w", err)
	}
	return nil
}

// visit isolates a panicking visitor to the record that triggered it.
func (s *Redis) visit(visitor func(*MatchRecord) error, record *MatchRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("visitor panicked: %v", r)
		}
	}()
	return visitor(record)
}
