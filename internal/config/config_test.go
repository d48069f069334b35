package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 600*time.Second, cfg.Match.TTL)
	assert.Equal(t, 60*time.Second, cfg.Match.SweepInterval)
	assert.Equal(t, "match.create", cfg.Kafka.CreateTopic)
	assert.Equal(t, "match.result", cfg.Kafka.ResultTopic)
	assert.Equal(t, "matches", cfg.Cluster.Namespace)
	assert.Contains(t, cfg.Match.DomainTemplate, "{matchId}")
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MATCHFLEET_MATCH_TTL", "300s")
	t.Setenv("MATCHFLEET_CLUSTER_NAMESPACE", "staging-matches")
	t.Setenv("MATCHFLEET_REDIS_ADDRESS", "redis:6379")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 300*time.Second, cfg.Match.TTL)
	assert.Equal(t, "staging-matches", cfg.Cluster.Namespace)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
}

func TestLoadRejectsTemplateWithoutPlaceholder(t *testing.T) {
	t.Setenv("MATCHFLEET_MATCH_DOMAIN_TEMPLATE", "static.example.com")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "{matchId}")
}
