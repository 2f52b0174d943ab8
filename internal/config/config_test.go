package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchConfigurableOptionsTable(t *testing.T) {
	d := Defaults()
	assert.Equal(t, 10, d.ElectionTick)
	assert.Equal(t, 3, d.HeartbeatTick)
	assert.Equal(t, 100*time.Millisecond, d.LoopHeartbeat)
	assert.Equal(t, 100*time.Millisecond, d.MessageTimeout)
	assert.Equal(t, 5, d.MessageMaxRetries)
	assert.Equal(t, 2*time.Second, d.ProposalTimeout)
	assert.Equal(t, 15*time.Second, d.SnapshotInterval)
}

func TestLoadOverridesDefaultsFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raftd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("id: 1\nlisten_addr: 127.0.0.1:9000\nheartbeat_tick: 5\n"), 0o600))

	opts, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), opts.ID)
	assert.Equal(t, "127.0.0.1:9000", opts.ListenAddr)
	assert.Equal(t, 5, opts.HeartbeatTick)
	assert.Equal(t, 10, opts.ElectionTick)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	opts, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), opts)
}
