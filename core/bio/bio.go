// Package bio implements NexusBio, the per-I/O context carried through
// fan-out and completion aggregation.
//
// There is no reserved-bytes region to construct the context in place, so
// a sync.Pool-backed free list stands in: no allocation per I/O once the
// pool is warm.
/*
 * Copyright (c) 2024, Nexus Storage Project. All rights reserved.
 */
package bio

import (
	"sync"
	"sync/atomic"
)

type IoType int

const (
	IoRead IoType = iota
	IoWrite
	IoFlush
	IoUnmap
	IoWriteZeros
	IoReset
	IoAdmin
)

type Status int

const (
	StatusSuccess Status = iota
	StatusNoMemory
	StatusFailed
	StatusNvmeError
)

// CompletionFn is invoked once, when the in-flight counter reaches zero.
type CompletionFn func(b *NexusBio)

// Mode selects how per-child completions aggregate into the bio's final
// status: write/flush/unmap/write_zeroes succeed on >=1 child, reset
// succeeds only if every fanned-out child succeeded.
type Mode int

const (
	ModeAny Mode = iota // success iff at least one child succeeded
	ModeAll             // success iff every fanned-out child succeeded
)

// NexusBio is the per-I/O context.
type NexusBio struct {
	IoType     IoType
	Offset     uint64 // in blocks
	NumBlocks  uint64
	Iovecs     [][]byte

	remaining    atomic.Int32 // in-flight submissions counter
	failMask     atomic.Uint64 // aggregated per-child failure bitmap (up to 64 children)
	successCount atomic.Int32
	firstErr     atomic.Value // error
	retryBudget  int

	mode       Mode
	onComplete CompletionFn
	status     Status
	userData   any
}

var pool = sync.Pool{New: func() any { return &NexusBio{} }}

// Alloc takes a zeroed NexusBio from the free list.
func Alloc() *NexusBio {
	b := pool.Get().(*NexusBio)
	*b = NexusBio{}
	return b
}

func Free(b *NexusBio) { pool.Put(b) }

// Submit arms the in-flight counter for fanOut submissions, aggregating
// per-child outcomes according to mode.
func (b *NexusBio) Submit(fanOut int, mode Mode, onComplete CompletionFn) {
	b.remaining.Store(int32(fanOut))
	b.mode = mode
	b.onComplete = onComplete
}

// ChildCompletion decrements the in-flight counter on a per-child
// completion, recording success/failure, and invokes onComplete exactly
// once when the counter reaches zero. Under ModeAny the bio succeeds iff
// >=1 child succeeded; a child faulting mid-flight does not fail the bio
// as long as another mirror took the write. Under ModeAll the bio succeeds
// only if every fanned-out child succeeded.
func (b *NexusBio) ChildCompletion(childIndex int, err error) {
	if err == nil {
		b.successCount.Add(1)
	} else {
		if childIndex >= 0 && childIndex < 64 {
			for {
				old := b.failMask.Load()
				nv := old | (1 << uint(childIndex))
				if b.failMask.CompareAndSwap(old, nv) {
					break
				}
			}
		}
		// box the error so firstErr only ever holds one concrete type;
		// atomic.Value panics on inconsistently typed stores.
		b.firstErr.CompareAndSwap(nil, errBox{err})
	}
	if b.remaining.Add(-1) == 0 {
		switch b.mode {
		case ModeAll:
			if b.failMask.Load() == 0 {
				b.status = StatusSuccess
			} else {
				b.status = StatusFailed
			}
		default:
			if b.successCount.Load() > 0 {
				b.status = StatusSuccess
			} else {
				b.status = StatusFailed
			}
		}
		if b.onComplete != nil {
			b.onComplete(b)
		}
	}
}

// CompleteWith force-completes the bio with an explicit status. The
// nexus data path does not call it: with zero healthy children it returns
// ErrNoHealthyChildren before a bio is completed.
func (b *NexusBio) CompleteWith(status Status) {
	b.status = status
	if b.onComplete != nil {
		b.onComplete(b)
	}
}

func (b *NexusBio) Status() Status { return b.status }

type errBox struct{ err error }

func (b *NexusBio) FirstError() error {
	if v := b.firstErr.Load(); v != nil {
		return v.(errBox).err
	}
	return nil
}

func (b *NexusBio) FailMask() uint64 { return b.failMask.Load() }

func (b *NexusBio) SuccessCount() int32 { return b.successCount.Load() }
