package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Redis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, ttl, zap.NewNop()), client
}

// seedRecord writes a match record directly, bypassing PutMatch's ExpiresAt
// rewrite, so tests can control expiry.
func seedRecord(t *testing.T, client redis.UniversalClient, record *MatchRecord) {
	t.Helper()
	data, err := json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, client.Set(context.Background(), matchKeyPrefix+record.MatchID, data, time.Hour).Err())
}

func TestPutMatchRewritesExpiry(t *testing.T) {
	s, _ := newTestStore(t, 600*time.Second)
	ctx := context.Background()

	record := &MatchRecord{
		MatchID:   "m1",
		Namespace: "matches",
		Domain:    "m1.play.arenaforge.gg",
		Subpath:   "/match/m1",
		UserIDs:   [2]string{"u1", "u2"},
		Ranked:    true,
		// Caller-supplied value must be overwritten.
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, s.PutMatch(ctx, record))

	got, found, err := s.GetMatch(ctx, "m1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "m1", got.MatchID)
	assert.Equal(t, [2]string{"u1", "u2"}, got.UserIDs)
	assert.True(t, got.Ranked)

	remaining := time.Until(got.ExpiresAt)
	assert.Greater(t, remaining, 590*time.Second)
	assert.LessOrEqual(t, remaining, 600*time.Second)
}

func TestGetMatchAbsent(t *testing.T) {
	s, _ := newTestStore(t, time.Minute)

	record, found, err := s.GetMatch(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, record)
}

func TestDeleteMatchIdempotent(t *testing.T) {
	s, _ := newTestStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.PutMatch(ctx, &MatchRecord{MatchID: "m1"}))
	require.NoError(t, s.DeleteMatch(ctx, "m1"))
	require.NoError(t, s.DeleteMatch(ctx, "m1"))

	_, found, err := s.GetMatch(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUserPointerLifecycle(t *testing.T) {
	s, _ := newTestStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.PutUserPointer(ctx, "u1", "m1"))

	matchID, found, err := s.GetUserPointer(ctx, "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "m1", matchID)

	require.NoError(t, s.DeleteUserPointer(ctx, "u1"))
	require.NoError(t, s.DeleteUserPointer(ctx, "u1"))

	_, found, err = s.GetUserPointer(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUserPointerExpiresWithTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedis(client, time.Minute, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.PutUserPointer(ctx, "u1", "m1"))
	mr.FastForward(61 * time.Second)

	_, found, err := s.GetUserPointer(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSweepExpiredSelectsOnlyExpired(t *testing.T) {
	s, client := newTestStore(t, time.Minute)
	ctx := context.Background()

	seedRecord(t, client, &MatchRecord{MatchID: "old", ExpiresAt: time.Now().Add(-time.Second)})
	seedRecord(t, client, &MatchRecord{MatchID: "fresh", ExpiresAt: time.Now().Add(60 * time.Second)})

	var visited []string
	require.NoError(t, s.SweepExpired(ctx, func(r *MatchRecord) error {
		visited = append(visited, r.MatchID)
		return nil
	}))

	assert.Equal(t, []string{"old"}, visited)

	_, found, err := s.GetMatch(ctx, "old")
	require.NoError(t, err)
	assert.False(t, found, "expired record should be deleted after the visitor")

	_, found, err = s.GetMatch(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, found, "unexpired record must survive the sweep")
}

func TestSweepNotBeforeTTL(t *testing.T) {
	s, _ := newTestStore(t, 600*time.Second)
	ctx := context.Background()

	require.NoError(t, s.PutMatch(ctx, &MatchRecord{MatchID: "m1"}))

	visited := 0
	require.NoError(t, s.SweepExpired(ctx, func(*MatchRecord) error {
		visited++
		return nil
	}))
	assert.Zero(t, visited)
}

func TestRecordOutlivesTTLForSweep(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedis(client, 600*time.Second, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.PutMatch(ctx, &MatchRecord{MatchID: "m1"}))
	require.NoError(t, s.PutUserPointer(ctx, "u1", "m1"))

	// Just past the match TTL: the pointer is gone but the record is held
	// back for the sweep to find.
	mr.FastForward(601 * time.Second)

	_, found, err := s.GetUserPointer(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, found, "the pointer expires exactly at the match TTL")

	record, found, err := s.GetMatch(ctx, "m1")
	require.NoError(t, err)
	require.True(t, found, "the record key must outlive the match TTL")
	assert.True(t, record.Expired(time.Now().Add(601*time.Second)),
		"the held-back record still reads as expired")

	// Past the retention window the key disappears on its own.
	mr.FastForward(15 * time.Minute)
	_, found, err = s.GetMatch(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSweepFindsRecordWrittenByPutMatch(t *testing.T) {
	s, _ := newTestStore(t, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, s.PutMatch(ctx, &MatchRecord{MatchID: "m1"}))
	time.Sleep(80 * time.Millisecond)

	var visited []string
	require.NoError(t, s.SweepExpired(ctx, func(r *MatchRecord) error {
		visited = append(visited, r.MatchID)
		return nil
	}))
	assert.Equal(t, []string{"m1"}, visited,
		"a record written through PutMatch stays visible to the sweep after its TTL")

	_, found, err := s.GetMatch(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSweepIsolatesVisitorFailures(t *testing.T) {
	s, client := newTestStore(t, time.Minute)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		seedRecord(t, client, &MatchRecord{MatchID: id, ExpiresAt: time.Now().Add(-time.Second)})
	}

	var visited []string
	require.NoError(t, s.SweepExpired(ctx, func(r *MatchRecord) error {
		visited = append(visited, r.MatchID)
		if r.MatchID == "b" {
			return errors.New("teardown exploded")
		}
		return nil
	}))

	assert.Len(t, visited, 3, "one failing record must not block the rest")
	for _, id := range []string{"a", "b", "c"} {
		_, found, err := s.GetMatch(ctx, id)
		require.NoError(t, err)
		assert.False(t, found)
	}
}

func TestSweepIsolatesVisitorPanic(t *testing.T) {
	s, client := newTestStore(t, time.Minute)
	ctx := context.Background()

	seedRecord(t, client, &MatchRecord{MatchID: "a", ExpiresAt: time.Now().Add(-time.Second)})
	seedRecord(t, client, &MatchRecord{MatchID: "b", ExpiresAt: time.Now().Add(-time.Second)})

	visited := 0
	require.NoError(t, s.SweepExpired(ctx, func(r *MatchRecord) error {
		visited++
		if r.MatchID == "a" {
			panic("boom")
		}
		return nil
	}))
	assert.Equal(t, 2, visited)
}

func TestSweepDropsUndecodableRecords(t *testing.T) {
	s, client := newTestStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, matchKeyPrefix+"junk", "{not json", time.Hour).Err())
	seedRecord(t, client, &MatchRecord{MatchID: "old", ExpiresAt: time.Now().Add(-time.Second)})

	var visited []string
	require.NoError(t, s.SweepExpired(ctx, func(r *MatchRecord) error {
		visited = append(visited, r.MatchID)
		return nil
	}))

	assert.Equal(t, []string{"old"}, visited)
	exists, err := client.Exists(ctx, matchKeyPrefix+"junk").Result()
	require.NoError(t, err)
	assert.Zero(t, exists, "undecodable entries are dropped, not revisited forever")
}
