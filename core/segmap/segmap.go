// Package segmap implements the segment-dirty bitmap that drives partial
// rebuilds.
/*
 * Copyright (c) 2024, Nexus Storage Project. All rights reserved.
 */
package segmap

import (
	"fmt"
	"sync/atomic"
)

// SegmentMap is a fixed-shape bitmap over the segments covering a child's
// LBA range. Shape (segment count, segment size) is immutable once
// constructed; only bit values change. One atomic 32-bit word per segment backs
// lock-free set/get from the per-core I/O log (core/iolog) without a mutex.
type SegmentMap struct {
	numBlocks   uint64
	blockLen    uint32
	segSizeBlks uint64
	bits        []atomic.Uint32 // one bit per segment would race on adjacent
	                            // segments sharing a word under concurrent
	                            // writers from different cores, so each
	                            // segment gets its own word.
	nsegs      uint64
	deviceName string
}

// New builds a SegmentMap sized to cover numBlocks blocks of blockLen bytes,
// with segments of segmentSize bytes. Panics on zero inputs.
func New(numBlocks uint64, blockLen, segmentSize uint32) *SegmentMap {
	if numBlocks == 0 || blockLen == 0 || segmentSize == 0 {
		panic("segmap: zero-sized dimension")
	}
	segBlks := uint64(segmentSize) / uint64(blockLen)
	if segBlks == 0 {
		segBlks = 1
	}
	nsegs := (numBlocks + segBlks - 1) / segBlks // ceil
	return &SegmentMap{
		numBlocks:   numBlocks,
		blockLen:    blockLen,
		segSizeBlks: segBlks,
		bits:        make([]atomic.Uint32, nsegs),
		nsegs:       nsegs,
	}
}

func (m *SegmentMap) SegmentSizeBlks() uint64 { return m.segSizeBlks }

func (m *SegmentMap) NumSegments() uint64 { return m.nsegs }

func (m *SegmentMap) SetDeviceName(name string) { m.deviceName = name }

func (m *SegmentMap) DeviceName() string { return m.deviceName }

func (m *SegmentMap) segOf(lba uint64) uint64 { return lba / m.segSizeBlks }

// Set marks (or clears) every segment overlapping [lba, lba+lbaCnt), inclusive
// at both ends: a write that lands exactly on one segment dirties only that
// segment.
func (m *SegmentMap) Set(lba, lbaCnt uint64, value bool) {
	if lbaCnt == 0 {
		return
	}
	lastLba := lba + lbaCnt - 1
	first := m.segOf(lba)
	last := m.segOf(lastLba)
	if last >= m.nsegs {
		last = m.nsegs - 1 // trailing ceil-rounding bits: caller responsibility elsewhere
	}
	var v uint32
	if value {
		v = 1
	}
	for s := first; s <= last; s++ {
		m.bits[s].Store(v)
	}
}

// Get reports whether the segment containing lba is dirty.
func (m *SegmentMap) Get(lba uint64) bool {
	s := m.segOf(lba)
	if s >= m.nsegs {
		return false // trailing bits beyond the device are always clean
	}
	return m.bits[s].Load() != 0
}

// GetSeg reports dirtiness by segment index directly (used by the rebuild
// engine's scheduler, which walks segment indices rather than LBAs).
func (m *SegmentMap) GetSeg(seg uint64) bool {
	if seg >= m.nsegs {
		return false
	}
	return m.bits[seg].Load() != 0
}

func (m *SegmentMap) ClearSeg(seg uint64) {
	if seg < m.nsegs {
		m.bits[seg].Store(0)
	}
}

func (m *SegmentMap) SetSeg(seg uint64) {
	if seg < m.nsegs {
		m.bits[seg].Store(1)
	}
}

// Merge returns the bitwise OR of m and other. Panics on shape mismatch.
func (m *SegmentMap) Merge(other *SegmentMap) *SegmentMap {
	if m.nsegs != other.nsegs || m.segSizeBlks != other.segSizeBlks {
		panic(fmt.Sprintf("segmap: shape mismatch merging %d/%d segs", m.nsegs, other.nsegs))
	}
	out := &SegmentMap{
		numBlocks:   m.numBlocks,
		blockLen:    m.blockLen,
		segSizeBlks: m.segSizeBlks,
		bits:        make([]atomic.Uint32, m.nsegs),
		nsegs:       m.nsegs,
		deviceName:  m.deviceName,
	}
	for i := range out.bits {
		if m.bits[i].Load() != 0 || other.bits[i].Load() != 0 {
			out.bits[i].Store(1)
		}
	}
	return out
}

// FullyDirty returns a SegmentMap of the given shape with every segment set,
// the full-rebuild special case.
func FullyDirty(numBlocks uint64, blockLen, segmentSize uint32) *SegmentMap {
	m := New(numBlocks, blockLen, segmentSize)
	for i := range m.bits {
		m.bits[i].Store(1)
	}
	return m
}

func (m *SegmentMap) CountOnes() int {
	n := 0
	for i := range m.bits {
		if m.bits[i].Load() != 0 {
			n++
		}
	}
	return n
}

func (m *SegmentMap) CountDirtyBlocks() uint64 {
	return uint64(m.CountOnes()) * m.segSizeBlks
}

// Encode serializes the segment bits to one byte per segment (1=dirty),
// for checkpointing a rebuild job's progress (persist.RebuildCheckpoint).
func (m *SegmentMap) Encode() []byte {
	out := make([]byte, m.nsegs)
	for i := range out {
		if m.bits[i].Load() != 0 {
			out[i] = 1
		}
	}
	return out
}

// DecodeInto restores segment bits from a buffer produced by Encode. The
// receiver must already have the matching shape (same nsegs).
func (m *SegmentMap) DecodeInto(buf []byte) error {
	if uint64(len(buf)) != m.nsegs {
		return fmt.Errorf("segmap: checkpoint has %d segments, map has %d", len(buf), m.nsegs)
	}
	for i, b := range buf {
		if b != 0 {
			m.bits[i].Store(1)
		} else {
			m.bits[i].Store(0)
		}
	}
	return nil
}

// NextDirtyFrom returns the next dirty segment index at or after `from`, and
// ok=false if none remains; this is the rebuild scheduler's cursor advance.
func (m *SegmentMap) NextDirtyFrom(from uint64) (seg uint64, ok bool) {
	for s := from; s < m.nsegs; s++ {
		if m.bits[s].Load() != 0 {
			return s, true
		}
	}
	return 0, false
}
