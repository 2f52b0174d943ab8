// Package storage adapts go.etcd.io/bbolt into the durable storage
// contract this driver needs: the raft.Storage read side consumed by
// RawNode, plus the write-side operations (Append, SetHardState,
// ApplySnapshot, CreateSnapshot, Compact, SetConfState) the event loop
// drives directly from its readiness cycle.
package storage

import (
	"encoding/binary"
	"sync"

	"go.etcd.io/bbolt"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

var (
	bucketHardState    = []byte("hard_state")
	bucketConfState    = []byte("conf_state")
	bucketSnapshotMeta = []byte("snapshot_meta")
	bucketSnapshotData = []byte("snapshot_data")
	bucketLog          = []byte("log")

	keyHardState    = []byte("hs")
	keyConfState    = []byte("cs")
	keySnapshotMeta = []byte("meta")
	keySnapshotData = []byte("data")
)

// Storage is a single-writer, durable implementation of raft.Storage.
// Callers must hold Storage for the lifetime of one raft node; it is not
// shared across nodes.
type Storage struct {
	mu sync.RWMutex
	db *bbolt.DB
}

// Open opens (creating if absent) a bbolt database at path and ensures
// all five buckets this driver needs exist.
func Open(path string) (*Storage, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, ioErr(err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketHardState, bucketConfState, bucketSnapshotMeta, bucketSnapshotData, bucketLog} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, ioErr(err)
	}

	return &Storage{db: db}, nil
}

// Close releases the underlying database file.
func (s *Storage) Close() error {
	if err := s.db.Close(); err != nil {
		return ioErr(err)
	}
	return nil
}

func indexKey(index uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, index)
	return b
}

// InitialState implements raft.Storage.
func (s *Storage) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hs raftpb.HardState
	var cs raftpb.ConfState

	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketHardState).Get(keyHardState); v != nil {
			if err := hs.Unmarshal(v); err != nil {
				return corruptErr(err)
			}
		}
		if v := tx.Bucket(bucketConfState).Get(keyConfState); v != nil {
			if err := cs.Unmarshal(v); err != nil {
				return corruptErr(err)
			}
		}
		return nil
	})
	if err != nil {
		return raftpb.HardState{}, raftpb.ConfState{}, err
	}
	return hs, cs, nil
}

// FirstIndex implements raft.Storage: the index after the last compacted
// entry, or 1 if nothing has been compacted and the log is empty.
func (s *Storage) FirstIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var first uint64 = 1
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		if k, _ := c.First(); k != nil {
			first = binary.BigEndian.Uint64(k)
			return nil
		}
		if v := tx.Bucket(bucketSnapshotMeta).Get(keySnapshotMeta); v != nil {
			var meta raftpb.SnapshotMetadata
			if err := meta.Unmarshal(v); err != nil {
				return corruptErr(err)
			}
			first = meta.Index + 1
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return first, nil
}

// LastIndex implements raft.Storage.
func (s *Storage) LastIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		if k, _ := c.Last(); k != nil {
			last = binary.BigEndian.Uint64(k)
			return nil
		}
		if v := tx.Bucket(bucketSnapshotMeta).Get(keySnapshotMeta); v != nil {
			var meta raftpb.SnapshotMetadata
			if err := meta.Unmarshal(v); err != nil {
				return corruptErr(err)
			}
			last = meta.Index
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return last, nil
}

// Term implements raft.Storage.
func (s *Storage) Term(i uint64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	first, err := s.firstIndexLocked()
	if err != nil {
		return 0, err
	}
	if i+1 < first {
		return 0, raft.ErrCompacted
	}

	var term uint64
	var found bool
	err = s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketLog).Get(indexKey(i)); v != nil {
			var e raftpb.Entry
			if err := e.Unmarshal(v); err != nil {
				return corruptErr(err)
			}
			term = e.Term
			found = true
			return nil
		}
		if v := tx.Bucket(bucketSnapshotMeta).Get(keySnapshotMeta); v != nil {
			var meta raftpb.SnapshotMetadata
			if err := meta.Unmarshal(v); err != nil {
				return corruptErr(err)
			}
			if meta.Index == i {
				term = meta.Term
				found = true
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, raft.ErrUnavailable
	}
	return term, nil
}

// Entries implements raft.Storage.
func (s *Storage) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	first, err := s.firstIndexLocked()
	if err != nil {
		return nil, err
	}
	if lo < first {
		return nil, raft.ErrCompacted
	}

	var entries []raftpb.Entry
	var size uint64
	err = s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		for k, v := c.Seek(indexKey(lo)); k != nil && binary.BigEndian.Uint64(k) < hi; k, v = c.Next() {
			var e raftpb.Entry
			if err := e.Unmarshal(v); err != nil {
				return corruptErr(err)
			}
			size += uint64(e.Size())
			if len(entries) > 0 && maxSize > 0 && size > maxSize {
				break
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Snapshot implements raft.Storage.
func (s *Storage) Snapshot() (raftpb.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Storage) snapshotLocked() (raftpb.Snapshot, error) {
	var snap raftpb.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		mv := tx.Bucket(bucketSnapshotMeta).Get(keySnapshotMeta)
		if mv == nil {
			return nil
		}
		if err := snap.Metadata.Unmarshal(mv); err != nil {
			return corruptErr(err)
		}
		if dv := tx.Bucket(bucketSnapshotData).Get(keySnapshotData); dv != nil {
			snap.Data = append([]byte(nil), dv...)
		}
		return nil
	})
	if err != nil {
		return raftpb.Snapshot{}, err
	}
	return snap, nil
}

func (s *Storage) firstIndexLocked() (uint64, error) {
	var first uint64 = 1
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		if k, _ := c.First(); k != nil {
			first = binary.BigEndian.Uint64(k)
			return nil
		}
		if v := tx.Bucket(bucketSnapshotMeta).Get(keySnapshotMeta); v != nil {
			var meta raftpb.SnapshotMetadata
			if err := meta.Unmarshal(v); err != nil {
				return corruptErr(err)
			}
			first = meta.Index + 1
		}
		return nil
	})
	return first, err
}

// Append persists entries to the log, matching the teacher's
// raftStorage.Append: entries with index <= the last stored index
// truncate the existing suffix (conflict resolution on term mismatch
// after a leader change).
func (s *Storage) Append(entries []raftpb.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLog)
		first := entries[0].Index

		c := b.Cursor()
		for k, _ := c.Seek(indexKey(first)); k != nil; k, _ = c.Next() {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		for _, e := range entries {
			data, err := e.Marshal()
			if err != nil {
				return corruptErr(err)
			}
			if err := b.Put(indexKey(e.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetHardState persists the current term/vote/commit triple.
func (s *Storage) SetHardState(hs raftpb.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := hs.Marshal()
	if err != nil {
		return corruptErr(err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketHardState).Put(keyHardState, data)
	})
}

// SetCommitIndex persists only the commit index, keeping the stored term
// and vote. The node's readiness cycle does not call it; the commit index
// reaches disk through SetHardState.
func (s *Storage) SetCommitIndex(commit uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hs raftpb.HardState
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketHardState)
		if v := b.Get(keyHardState); v != nil {
			if err := hs.Unmarshal(v); err != nil {
				return corruptErr(err)
			}
		}
		hs.Commit = commit
		data, err := hs.Marshal()
		if err != nil {
			return corruptErr(err)
		}
		return b.Put(keyHardState, data)
	})
	return err
}

// SetConfState persists the committed configuration state.
func (s *Storage) SetConfState(cs raftpb.ConfState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := cs.Marshal()
	if err != nil {
		return corruptErr(err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConfState).Put(keyConfState, data)
	})
}

// ApplySnapshot installs snap as the storage's new baseline, discarding
// any log entries and superseding any prior snapshot.
func (s *Storage) ApplySnapshot(snap raftpb.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metaData, err := snap.Metadata.Marshal()
	if err != nil {
		return corruptErr(err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketSnapshotMeta).Put(keySnapshotMeta, metaData); err != nil {
			return err
		}
		if err := tx.Bucket(bucketSnapshotData).Put(keySnapshotData, snap.Data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketConfState).Put(keyConfState, mustMarshalConfState(snap.Metadata.ConfState)); err != nil {
			return err
		}

		b := tx.Bucket(bucketLog)
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func mustMarshalConfState(cs raftpb.ConfState) []byte {
	data, _ := cs.Marshal()
	return data
}

// CreateSnapshot builds a new snapshot at index with the given conf state
// and opaque application data, and persists it as the new baseline
// metadata (without discarding the log; Compact does that separately,
// matching the teacher's two-step CreateSnapshot-then-Compact sequence).
func (s *Storage) CreateSnapshot(index uint64, cs *raftpb.ConfState, data []byte) (raftpb.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	term, err := s.termForSnapshotLocked(index)
	if err != nil {
		return raftpb.Snapshot{}, err
	}

	snap := raftpb.Snapshot{Data: data}
	snap.Metadata.Index = index
	snap.Metadata.Term = term
	if cs != nil {
		snap.Metadata.ConfState = *cs
	}

	metaData, err := snap.Metadata.Marshal()
	if err != nil {
		return raftpb.Snapshot{}, corruptErr(err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketSnapshotMeta).Put(keySnapshotMeta, metaData); err != nil {
			return err
		}
		return tx.Bucket(bucketSnapshotData).Put(keySnapshotData, data)
	})
	if err != nil {
		return raftpb.Snapshot{}, err
	}
	return snap, nil
}

func (s *Storage) termForSnapshotLocked(index uint64) (uint64, error) {
	var term uint64
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketLog).Get(indexKey(index)); v != nil {
			var e raftpb.Entry
			if err := e.Unmarshal(v); err != nil {
				return corruptErr(err)
			}
			term = e.Term
			found = true
			return nil
		}
		if v := tx.Bucket(bucketSnapshotMeta).Get(keySnapshotMeta); v != nil {
			var meta raftpb.SnapshotMetadata
			if err := meta.Unmarshal(v); err != nil {
				return corruptErr(err)
			}
			if meta.Index == index {
				term = meta.Term
				found = true
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, raft.ErrUnavailable
	}
	return term, nil
}

// Compact discards log entries up to and including compactIndex, the
// step the node's readiness cycle runs immediately after CreateSnapshot.
func (s *Storage) Compact(compactIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	first, err := s.firstIndexLocked()
	if err != nil {
		return err
	}
	if compactIndex < first {
		return raft.ErrCompacted
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLog)
		c := b.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= compactIndex; k, _ = c.Next() {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
