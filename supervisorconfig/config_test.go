package supervisorconfig

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesDocumentedValues(t *testing.T) {
	c := Default()
	assert.Equal(t, 3, c.TaskMaxRetries)
	assert.Equal(t, "###TASK_COMPLETE###", c.TaskCompletionPattern)
	assert.Equal(t, 1, c.QueueMaxConcurrent)
	assert.Equal(t, 1800, c.MaxWaitTime)
	assert.Equal(t, 1.5, c.BackoffFactor)
	assert.Equal(t, 100, c.MaxTrackedSessions)
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	c := Default()
	c.CheckIntervalMinutes = 9
	require.NoError(t, Save(path, c))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, loaded.CheckIntervalMinutes)
}

func TestCheckIntervalConvertsMinutesToDuration(t *testing.T) {
	c := Default()
	c.CheckIntervalMinutes = 5
	assert.Equal(t, "5m0s", c.CheckInterval().String())
}
