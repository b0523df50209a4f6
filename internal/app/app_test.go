package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campaign-indexer/internal/config"
	"github.com/campaign-indexer/internal/logging"
	"github.com/campaign-indexer/internal/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{Driver: config.StoreDriverMemory},
		Chain: config.ChainConfig{
			RPCURL:         "http://127.0.0.1:1",
			ChainID:        1337,
			FactoryAddress: "0x00000000000000000000000000000000000000fa",
			Confirmations:  6,
		},
		Indexer: config.IndexerConfig{
			PollInterval:   time.Second,
			BackfillWindow: 50,
		},
		Health: config.HealthConfig{MaxBlocksBehind: 10},
		Cache:  config.CacheConfig{TTL: time.Minute},
	}
}

func quietLogger() *logging.Logger {
	return logging.NewLogger(logging.LevelFatal, logging.FormatJSON)
}

func TestBuild_MemoryStore(t *testing.T) {
	c, err := Build(context.Background(), testConfig(), quietLogger())
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.Store.(*storage.MemoryStore)
	assert.True(t, ok)
	assert.Nil(t, c.Cache)
	assert.Equal(t, uint64(6), c.Finality.Confirmations())
	assert.Equal(t, int64(1337), c.Decoder.ChainID())

	scheduler, err := c.NewScheduler()
	require.NoError(t, err)
	assert.False(t, scheduler.IsRunning())

	_, err = c.NewCampaignService()
	require.NoError(t, err)
	assert.NotNil(t, c.NewStatusReporter(scheduler))
}

func TestBuild_WithRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := testConfig()
	cfg.Database.Redis = config.RedisConfig{
		Enabled:        true,
		Host:           mr.Host(),
		Port:           mr.Port(),
		MaxConnections: 4,
	}

	c, err := Build(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer c.Close()

	require.NotNil(t, c.Cache)
	assert.Equal(t, time.Minute, c.Cache.TTL())
}

func TestBuild_UnknownDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Database.Driver = "sqlite"

	_, err := Build(context.Background(), cfg, quietLogger())
	assert.Error(t, err)
}

func TestBuild_InvalidRPCURL(t *testing.T) {
	cfg := testConfig()
	cfg.Chain.RPCURL = ""

	_, err := Build(context.Background(), cfg, quietLogger())
	assert.Error(t, err)
}
