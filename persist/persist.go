// Package persist checkpoints rebuild-job cursors and fault-injection specs
// to an embedded buntdb store. Fault specs are replayed by nexusd at
// startup; rebuild checkpoints are saved and deleted as jobs run, but
// nothing in the engine loads them back, so a restart does not resume a
// partial rebuild.
/*
 * Copyright (c) 2024, Nexus Storage Project. All rights reserved.
 */
package persist

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RebuildCheckpoint is the durable snapshot of a rebuild job's progress.
type RebuildCheckpoint struct {
	JobID      string `json:"job_id"`
	SourceURI  string `json:"source_uri"`
	DestURI    string `json:"dest_uri"`
	DirtyBits  []byte `json:"dirty_bits"` // opaque encoding owned by the caller
	NumSegs    uint64 `json:"num_segs"`
	SegSizeBlk uint64 `json:"seg_size_blk"`
}

// FaultSpecRecord is the durable form of a registered inject:// URI.
type FaultSpecRecord struct {
	URI string `json:"uri"`
}

// Store wraps a buntdb database with the two keyspaces this engine needs.
type Store struct {
	db *buntdb.DB
}

// Open opens (creating if necessary) a buntdb file at path. Pass ":memory:"
// for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func rebuildKey(destURI string) string { return "rebuild:" + destURI }
func faultKey(uri string) string       { return "fault:" + uri }

// SaveCheckpoint upserts a rebuild job's checkpoint, keyed by destination URI.
// Signature matches core/rebuild.Checkpointer so *Store satisfies it directly.
func (s *Store) SaveCheckpoint(jobID, sourceURI, destURI string, dirtyBits []byte, numSegs, segSizeBlk uint64) error {
	cp := RebuildCheckpoint{
		JobID: jobID, SourceURI: sourceURI, DestURI: destURI,
		DirtyBits: dirtyBits, NumSegs: numSegs, SegSizeBlk: segSizeBlk,
	}
	buf, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(rebuildKey(cp.DestURI), string(buf), nil)
		return err
	})
}

// LoadCheckpoint returns the checkpoint for destURI, ok=false if none exists.
func (s *Store) LoadCheckpoint(destURI string) (cp RebuildCheckpoint, ok bool, err error) {
	err = s.db.View(func(tx *buntdb.Tx) error {
		val, getErr := tx.Get(rebuildKey(destURI))
		if getErr == buntdb.ErrNotFound {
			return nil
		}
		if getErr != nil {
			return getErr
		}
		ok = true
		return json.Unmarshal([]byte(val), &cp)
	})
	return cp, ok, err
}

// DeleteCheckpoint removes a completed/cancelled job's checkpoint.
func (s *Store) DeleteCheckpoint(destURI string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(rebuildKey(destURI))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

// SaveFaultSpec persists a registered inject:// URI so it survives restart.
func (s *Store) SaveFaultSpec(uri string) error {
	buf, err := json.Marshal(FaultSpecRecord{URI: uri})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(faultKey(uri), string(buf), nil)
		return err
	})
}

func (s *Store) DeleteFaultSpec(uri string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(faultKey(uri))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

// ListFaultSpecs returns every persisted inject:// URI, for replay at startup.
func (s *Store) ListFaultSpecs() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("fault:*", func(key, val string) bool {
			var rec FaultSpecRecord
			if err := json.Unmarshal([]byte(val), &rec); err == nil {
				out = append(out, rec.URI)
			}
			return true
		})
	})
	return out, err
}
