package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
kafka:
  brokers: ["localhost:9092"]
`

func TestParseAppliesDefaults(t *testing.T) {
	c, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "development", c.Environment)
	assert.Equal(t, 0.35, c.Consensus.Weights.Risk)
	assert.Equal(t, 0.40, c.Consensus.Weights.Trading)
	assert.Equal(t, 0.25, c.Consensus.Weights.Sentiment)
	assert.Equal(t, 60*time.Second, c.Consensus.SignalWindow)
	assert.Equal(t, 0.70, c.Consensus.ExecuteThreshold)
	assert.Equal(t, 0.40, c.Consensus.HoldThreshold)
	assert.Equal(t, time.Second, c.Kafka.Consumer.PollTimeout)
	assert.Equal(t, 50*time.Millisecond, c.Execution.SubmitTimeout)
	assert.Equal(t, 3.0, c.Risk.MaxLeverage)
	assert.Equal(t, "paper", c.Execution.DefaultVenue)
	assert.True(t, c.Venues.Paper.Enabled)
}

func TestValidateRejectsBadWeights(t *testing.T) {
	c, err := Parse([]byte(minimalYAML + `
consensus:
  weights:
    risk: 0.5
    trading: 0.5
    sentiment: 0.25
`))
	require.NoError(t, err)
	assert.ErrorContains(t, c.Validate(), "sum to 1.0")
}

func TestValidateRejectsUnknownRoute(t *testing.T) {
	c, err := Parse([]byte(minimalYAML + `
execution:
  routes:
    BTC-USD: coinbase
`))
	require.NoError(t, err)
	assert.ErrorContains(t, c.Validate(), "unknown venue")
}

func TestRESTVenueDefaults(t *testing.T) {
	c, err := Parse([]byte(minimalYAML + `
venues:
  rest:
    - name: settle
      base_url: http://venue.local
execution:
  default_venue: settle
`))
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	require.Len(t, c.Venues.REST, 1)
	assert.Equal(t, 500*time.Millisecond, c.Venues.REST[0].PollInterval)
	assert.Equal(t, 10.0, c.Venues.REST[0].RatePerSecond)
}

func TestLoadWithEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o600))

	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("CACHE_BACKEND", "memory")
	t.Setenv("REDIS_PORT", "6380")

	c, err := LoadWithEnv(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Kafka.Brokers)
	assert.Equal(t, "memory", c.Store.Backend)
	assert.Equal(t, "memory", c.Cache.Backend)
	assert.Equal(t, 6380, c.Redis.Port)
}

func TestLoadMissingBrokers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment: test\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
