// Package rebuild implements the segment-based partial-rebuild engine: a
// task-pool segment copier that walks a dirty segment map and brings a
// reattached child back into sync without quiescing the data path.
/*
 * Copyright (c) 2024, Nexus Storage Project. All rights reserved.
 */
package rebuild

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"
	"github.com/teris-io/shortid"
	"golang.org/x/sync/errgroup"

	"github.com/nexusfabric/nexus-engine/cmn/cos"
	"github.com/nexusfabric/nexus-engine/cmn/nlog"
	"github.com/nexusfabric/nexus-engine/core/segmap"
)

type State int32

const (
	StateInit State = iota
	StateRunning
	StatePaused
	StateCompleted
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// FailReason distinguishes a data-plane failure from a control-plane one.
type FailReason int

const (
	FailNone FailReason = iota
	FailDataTransfer
	FailNoSpace
	FailCancelled
	FailInternal
)

func (r FailReason) String() string {
	switch r {
	case FailDataTransfer:
		return "DataTransfer"
	case FailNoSpace:
		return "NoSpace"
	case FailCancelled:
		return "Cancelled"
	case FailInternal:
		return "Internal"
	default:
		return "None"
	}
}

// BlockReaderWriter is the capability a Job needs of source and destination;
// core/child.Child satisfies it structurally. Unmap/WriteZeroes are included
// so the data path can forward those fan-out operations through the same
// per-segment lock as a plain write (see WriteThrough/UnmapThrough below).
type BlockReaderWriter interface {
	ReadAt(ctx context.Context, offset uint64, buf []byte) error
	WriteAt(ctx context.Context, offset uint64, buf []byte) error
	Unmap(ctx context.Context, offset, length uint64) error
	WriteZeroes(ctx context.Context, offset, length uint64) error
	BlockSizeBytes() uint32
}

// Notifier is invoked on every Job state change.
type Notifier interface {
	OnRebuildStateChange(j *Job)
}

// Checkpointer persists a job's progress after each copied segment and
// deletes it when the job ends; backed by persist.Store. Nothing in the
// engine reads a checkpoint back to resume a job.
type Checkpointer interface {
	SaveCheckpoint(jobID, sourceURI, destURI string, dirtyBits []byte, numSegs, segSizeBlk uint64) error
	DeleteCheckpoint(destURI string) error
}

// Stats is a point-in-time progress snapshot.
type Stats struct {
	BlocksRecovered uint64
	BlocksRemaining uint64
	SegmentsTotal   uint64
}

// Job copies a block range from Source to Dest in segment-sized chunks
// using a fixed-size task pool.
type Job struct {
	ID          string
	SourceURI   string
	DestURI     string
	Source      BlockReaderWriter
	Dest        BlockReaderWriter
	Dirty       *segmap.SegmentMap // segments-still-dirty map; full rebuild if every bit set
	TaskPoolSz  int
	MaxRetries  int
	Notifier    Notifier
	Checkpoint  Checkpointer // optional; nil disables checkpointing

	state      atomic.Int32
	failReason atomic.Int32
	cursor     atomic.Uint64 // next segment index to schedule
	recovered  atomic.Uint64 // segments copied successfully

	rangeLock *RangeLock

	stopCh  chan struct{}
	pauseMu sync.Mutex
	paused  bool
	pauseCond *sync.Cond

	doneOnce sync.Once
}

// NewJob constructs a job in Init state. dirty is consumed and must be
// non-nil; pass a segmap.FullyDirty map for a full rebuild.
func NewJob(sourceURI, destURI string, source, dest BlockReaderWriter, dirty *segmap.SegmentMap, taskPoolSz, maxRetries int) *Job {
	id, _ := shortid.Generate()
	j := &Job{
		ID: id, SourceURI: sourceURI, DestURI: destURI,
		Source: source, Dest: dest, Dirty: dirty,
		TaskPoolSz: taskPoolSz, MaxRetries: maxRetries,
		rangeLock: NewRangeLock(),
		stopCh:    make(chan struct{}),
	}
	j.pauseCond = sync.NewCond(&j.pauseMu)
	j.state.Store(int32(StateInit))
	return j
}

func (j *Job) State() State           { return State(j.state.Load()) }
func (j *Job) FailReason() FailReason { return FailReason(j.failReason.Load()) }
func (j *Job) RangeLock() *RangeLock  { return j.rangeLock }

// segRange translates an LBA range to the inclusive segment indices it
// overlaps (same math as segmap.SegmentMap.Set).
func (j *Job) segRange(lbn, cnt uint64) (first, last uint64) {
	segBlks := j.Dirty.SegmentSizeBlks()
	first = lbn / segBlks
	last = (lbn + cnt - 1) / segBlks
	return
}

// WriteThrough forwards a live host write to the rebuild destination while
// holding the same per-segment range lock runTask uses: data-path writes
// block for the duration of an overlapping segment copy, and the copy in
// turn waits for any host write touching its segment.
// The segment is re-marked dirty after the write under the same
// lock acquisition so a concurrent runTask that already clears the bit for
// this segment (inside its own lock hold, see runTask) can never have its
// clear silently undone, or vice versa: only one of WriteThrough/runTask
// holds a given segment's lock at a time, so whichever ran last for a
// segment determines the final dirty bit, and WriteThrough always performs
// the real write itself rather than relying on a later rebuild pass to
// carry the data across.
func (j *Job) WriteThrough(ctx context.Context, lbn, cnt uint64, buf []byte) error {
	first, last := j.segRange(lbn, cnt)
	unlock := j.rangeLock.LockSegs(first, last)
	defer unlock()
	err := j.Dest.WriteAt(ctx, lbn, buf)
	j.Dirty.Set(lbn, cnt, true)
	return err
}

// UnmapThrough is WriteThrough's counterpart for a fanned-out Unmap.
func (j *Job) UnmapThrough(ctx context.Context, lbn, cnt uint64) error {
	first, last := j.segRange(lbn, cnt)
	unlock := j.rangeLock.LockSegs(first, last)
	defer unlock()
	err := j.Dest.Unmap(ctx, lbn, cnt)
	j.Dirty.Set(lbn, cnt, true)
	return err
}

// WriteZeroesThrough is WriteThrough's counterpart for a fanned-out
// WriteZeroes.
func (j *Job) WriteZeroesThrough(ctx context.Context, lbn, cnt uint64) error {
	first, last := j.segRange(lbn, cnt)
	unlock := j.rangeLock.LockSegs(first, last)
	defer unlock()
	err := j.Dest.WriteZeroes(ctx, lbn, cnt)
	j.Dirty.Set(lbn, cnt, true)
	return err
}

func (j *Job) setState(s State) {
	j.state.Store(int32(s))
	if j.Notifier != nil {
		j.Notifier.OnRebuildStateChange(j)
	}
}

func (j *Job) Stats() Stats {
	return Stats{
		BlocksRecovered: j.recovered.Load() * j.Dirty.SegmentSizeBlks(),
		BlocksRemaining: uint64(j.Dirty.CountOnes()) * j.Dirty.SegmentSizeBlks(),
		SegmentsTotal:   j.Dirty.NumSegments(),
	}
}

// Start runs the backend loop to completion (or until Stop/context
// cancellation). It is meant to be invoked from its own goroutine by the
// caller.
func (j *Job) Start(ctx context.Context) {
	if j.state.CompareAndSwap(int32(StateInit), int32(StateRunning)) {
		if j.Notifier != nil {
			j.Notifier.OnRebuildStateChange(j)
		}
	} else if j.State() != StatePaused {
		// paused-before-start is fine (the loop blocks below); anything
		// else means the job already ran.
		return
	}

	poolSz := j.TaskPoolSz
	if poolSz < 1 {
		poolSz = 1
	}

	// The fixed-size concurrent task pool maps directly onto
	// errgroup.Group.SetLimit: each dirty segment is one bounded goroutine
	// instead of a hand-rolled worker-channel pool.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(poolSz)

schedule:
	for {
		j.waitIfPaused()
		select {
		case <-j.stopCh:
			break schedule
		case <-gctx.Done():
			break schedule
		default:
		}
		seg, ok := j.Dirty.NextDirtyFrom(j.cursor.Load())
		if !ok {
			break schedule
		}
		j.cursor.Store(seg + 1)
		g.Go(func() error {
			// runTask clears the dirty bit itself, still under the
			// segment's range lock (see runTask); doing it here, after
			// the lock was already released, would leave a window where a
			// concurrent WriteThrough re-dirties the segment only to have
			// that fresh bit wiped by this call, losing the write.
			r := j.runTask(ctx, seg)
			if r.err != nil {
				nlog.Warnf("rebuild %s: segment %d failed: %v", j.ID, seg, r.err)
				return r.err
			}
			j.recovered.Add(1)
			if j.Checkpoint != nil {
				if err := j.Checkpoint.SaveCheckpoint(j.ID, j.SourceURI, j.DestURI, j.Dirty.Encode(), j.Dirty.NumSegments(), j.Dirty.SegmentSizeBlks()); err != nil {
					nlog.Warnf("rebuild %s: checkpoint save failed: %v", j.ID, err)
				}
			}
			return nil
		})
	}

	taskErr := g.Wait()

	select {
	case <-j.stopCh:
		j.setState(StateStopped)
		return
	default:
	}
	if ctx.Err() != nil {
		j.failReason.Store(int32(FailCancelled))
		j.setState(StateFailed)
		return
	}
	if taskErr != nil {
		j.failReason.Store(int32(classifyFail(taskErr)))
		j.setState(StateFailed)
		return
	}
	if j.Checkpoint != nil {
		if err := j.Checkpoint.DeleteCheckpoint(j.DestURI); err != nil {
			nlog.Warnf("rebuild %s: checkpoint delete failed: %v", j.ID, err)
		}
	}
	j.setState(StateCompleted)
}

type taskResult struct {
	seg uint64
	err error
}

// runTask copies one segment under a range lock, retrying any failed
// attempt up to MaxRetries times with backoff; the error class is not
// consulted, so non-retriable errors are retried too. After the write, the segment is read
// back from the destination and its xxhash compared against the source
// payload's; a mismatch counts as a failed attempt. The verify runs under
// the same lock hold as the copy, so no host write can land in between and
// turn an honest mismatch into a false one.
//
// The dirty bit is cleared here, before the lock is released, rather than
// by the caller after runTask returns: clearing it while still holding the
// lock guarantees that any WriteThrough racing for this exact segment
// either runs entirely before this task acquires the lock (and gets
// overwritten by this copy, which is fine, it read the freshest source
// data) or entirely after this clear (and correctly leaves the bit dirty
// again, with its own write already applied to the destination). Clearing
// after the unlock would open a window where a WriteThrough's re-dirty is
// wiped by this clear without its data ever reaching the destination.
func (j *Job) runTask(ctx context.Context, seg uint64) taskResult {
	segBlks := j.Dirty.SegmentSizeBlks()
	startBlk := seg * segBlks
	blockLen := j.Source.BlockSizeBytes()
	buf := make([]byte, segBlks*uint64(blockLen))
	readback := make([]byte, len(buf))

	unlock := j.rangeLock.LockSegs(seg, seg)
	defer unlock()

	var err error
	for attempt := 0; attempt <= j.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff(attempt))
		}
		if err = j.Source.ReadAt(ctx, startBlk, buf); err != nil {
			continue
		}
		if err = j.Dest.WriteAt(ctx, startBlk, buf); err != nil {
			continue
		}
		if err = j.Dest.ReadAt(ctx, startBlk, readback); err != nil {
			continue
		}
		if xxhash.Checksum64(readback) != xxhash.Checksum64(buf) {
			err = cos.NewDeviceError(cos.ErrIoFailed, "segment-verify",
				fmt.Errorf("segment %d readback checksum mismatch", seg))
			continue
		}
		j.Dirty.ClearSeg(seg)
		return taskResult{seg: seg, err: nil}
	}
	return taskResult{seg: seg, err: errors.Wrapf(err, "segment %d copy", seg)}
}

// classifyFail maps the device error that exhausted a task's retries onto
// a FailReason: a no-space condition on the destination is distinct from a
// generic data-transfer error, and anything that isn't a classified
// cos.DeviceError (a range-lock/cursor bug recovered as an error) is an
// internal control-plane failure rather than a data one.
func classifyFail(err error) FailReason {
	var de *cos.DeviceError
	if !errors.As(err, &de) {
		return FailInternal
	}
	switch de.Kind {
	case cos.ErrLvolNoSpace:
		return FailNoSpace
	case cos.ErrIoFailed, cos.ErrNvmeError, cos.ErrSubmissionFailed, cos.ErrAborted, cos.ErrNoMemory:
		return FailDataTransfer
	default:
		return FailInternal
	}
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 20 * time.Millisecond
	if d > 500*time.Millisecond {
		d = 500 * time.Millisecond
	}
	return d
}

func (j *Job) waitIfPaused() {
	j.pauseMu.Lock()
	for j.paused {
		j.pauseCond.Wait()
	}
	j.pauseMu.Unlock()
}

func (j *Job) Pause() {
	j.pauseMu.Lock()
	j.paused = true
	j.pauseMu.Unlock()
	j.setState(StatePaused)
}

func (j *Job) Resume() {
	j.pauseMu.Lock()
	j.paused = false
	j.pauseMu.Unlock()
	j.pauseCond.Broadcast()
	j.setState(StateRunning)
}

// Stop cancels scheduling of further segments; in-flight tasks still drain.
func (j *Job) Stop() {
	j.doneOnce.Do(func() { close(j.stopCh) })
}
