// Package iolog implements the per-core dirty-segment write tracker that
// drives partial rebuilds.
/*
 * Copyright (c) 2024, Nexus Storage Project. All rights reserved.
 */
package iolog

import (
	"fmt"

	"github.com/nexusfabric/nexus-engine/cmn/cos"
	"github.com/nexusfabric/nexus-engine/core/segmap"
)

// IoType mirrors the NexusBio operation kinds that matter to the log:
// Read is always a no-op, Write/WriteZeros/Unmap dirty segments.
type IoType int

const (
	IoRead IoType = iota
	IoWrite
	IoWriteZeros
	IoUnmap
	IoFlush
	IoReset
)

// Channel is the per-core handle returned by CurrentChannel. It must not be
// used from any core other than the one it was bound to; LogIO asserts this.
type Channel struct {
	coreID int
	seg    *segmap.SegmentMap
	owner  *IOLog
}

// LogIO marks the affected segment range dirty for modifying ops; O(1),
// allocation-free, no locks.
func (c *Channel) LogIO(ioType IoType, lbn, lbnCnt uint64) {
	cos.Assert(c.owner.boundCore(c) == c.coreID, "iolog: channel used off its owning core")
	switch ioType {
	case IoWrite, IoWriteZeros, IoUnmap:
		c.seg.Set(lbn, lbnCnt, true)
	default:
		// Read, Flush, Reset: no-op, never dirty a segment.
	}
}

// IOLog holds one SegmentMap per executor core. It is created when a
// rebuild target attaches and lives only while that target stays attached
// to the source of writes.
type IOLog struct {
	numBlocks   uint64
	blockLen    uint32
	segmentSize uint32
	deviceName  string
	perCore     []*segmap.SegmentMap
	channels    []*Channel
}

// New creates a log sized for numCores executor cores, covering a child of
// numBlocks blocks of blockLen bytes tracked at segmentSize granularity.
func New(numCores int, numBlocks uint64, blockLen, segmentSize uint32, deviceName string) *IOLog {
	if numCores <= 0 {
		panic("iolog: numCores must be positive")
	}
	l := &IOLog{
		numBlocks:   numBlocks,
		blockLen:    blockLen,
		segmentSize: segmentSize,
		deviceName:  deviceName,
		perCore:     make([]*segmap.SegmentMap, numCores),
		channels:    make([]*Channel, numCores),
	}
	for i := 0; i < numCores; i++ {
		l.perCore[i] = segmap.New(numBlocks, blockLen, segmentSize)
		l.channels[i] = &Channel{coreID: i, seg: l.perCore[i], owner: l}
	}
	return l
}

// CurrentChannel returns the channel bound to coreID. The reactor runtime
// only ever invokes LogIO from the core that obtained the channel; LogIO
// still asserts it.
func (l *IOLog) CurrentChannel(coreID int) *Channel {
	if coreID < 0 || coreID >= len(l.channels) {
		panic(fmt.Sprintf("iolog: core %d out of range [0,%d)", coreID, len(l.channels)))
	}
	return l.channels[coreID]
}

func (l *IOLog) boundCore(c *Channel) int {
	for i, ch := range l.channels {
		if ch == c {
			return i
		}
	}
	return -1
}

// Finalize consumes the log, merging every per-core map (bitwise OR) into a
// single segment map attached with the device name. The merged map is a
// superset of physically written segments: over-rebuild is safe,
// under-rebuild is not.
func (l *IOLog) Finalize() *segmap.SegmentMap {
	merged := l.perCore[0]
	for i := 1; i < len(l.perCore); i++ {
		merged = merged.Merge(l.perCore[i])
	}
	merged.SetDeviceName(l.deviceName)
	return merged
}
