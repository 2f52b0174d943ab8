package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

func openTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "raft.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendThenEntriesRoundTrip(t *testing.T) {
	s := openTestStorage(t)

	entries := []raftpb.Entry{
		{Index: 1, Term: 1, Data: []byte("a")},
		{Index: 2, Term: 1, Data: []byte("b")},
		{Index: 3, Term: 2, Data: []byte("c")},
	}
	require.NoError(t, s.Append(entries))

	got, err := s.Entries(1, 4, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []byte("b"), got[1].Data)

	last, err := s.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)
}

func TestAppendTruncatesConflictingSuffix(t *testing.T) {
	s := openTestStorage(t)

	require.NoError(t, s.Append([]raftpb.Entry{
		{Index: 1, Term: 1},
		{Index: 2, Term: 1},
		{Index: 3, Term: 1},
	}))
	require.NoError(t, s.Append([]raftpb.Entry{
		{Index: 2, Term: 2},
	}))

	last, err := s.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)

	term, err := s.Term(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), term)
}

func TestSetHardStateThenInitialState(t *testing.T) {
	s := openTestStorage(t)

	require.NoError(t, s.SetHardState(raftpb.HardState{Term: 4, Vote: 1, Commit: 2}))
	require.NoError(t, s.SetConfState(raftpb.ConfState{Voters: []uint64{1, 2, 3}}))

	hs, cs, err := s.InitialState()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), hs.Term)
	assert.Equal(t, []uint64{1, 2, 3}, cs.Voters)
}

func TestCreateSnapshotThenCompactDropsLog(t *testing.T) {
	s := openTestStorage(t)

	require.NoError(t, s.Append([]raftpb.Entry{
		{Index: 1, Term: 1},
		{Index: 2, Term: 1},
		{Index: 3, Term: 1},
	}))

	snap, err := s.CreateSnapshot(2, &raftpb.ConfState{Voters: []uint64{1}}, []byte("state"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Metadata.Index)

	require.NoError(t, s.Compact(2))

	first, err := s.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), first)

	_, err = s.Entries(1, 3, 0)
	assert.ErrorIs(t, err, raft.ErrCompacted)
}
