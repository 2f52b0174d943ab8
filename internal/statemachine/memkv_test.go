package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyThenGet(t *testing.T) {
	kv := NewMemKV()
	_, err := kv.Apply([]byte(`{"key":"a","value":"1"}`))
	require.NoError(t, err)

	v, ok := kv.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	kv := NewMemKV()
	_, err := kv.Apply([]byte(`{"key":"a","value":"1"}`))
	require.NoError(t, err)
	_, err = kv.Apply([]byte(`{"key":"b","value":"2"}`))
	require.NoError(t, err)

	snap, err := kv.Snapshot()
	require.NoError(t, err)

	restored := NewMemKV()
	require.NoError(t, restored.Restore(snap))

	v, ok := restored.Get("b")
	assert.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestGetMissingKey(t *testing.T) {
	kv := NewMemKV()
	_, ok := kv.Get("missing")
	assert.False(t, ok)
}
