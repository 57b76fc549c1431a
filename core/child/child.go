// Package child implements the per-child state machine, handle, and error
// accounting.
/*
 * Copyright (c) 2024, Nexus Storage Project. All rights reserved.
 */
package child

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nexusfabric/nexus-engine/cmn/cos"
	"github.com/nexusfabric/nexus-engine/cmn/mono"
	"github.com/nexusfabric/nexus-engine/cmn/nlog"
	"github.com/nexusfabric/nexus-engine/core/bdev"
)

type State int

const (
	StateInit State = iota
	StateOpen
	StateDegraded
	StateFaulted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateOpen:
		return "Open"
	case StateDegraded:
		return "Degraded"
	case StateFaulted:
		return "Faulted"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

type FaultReason int

const (
	ReasonNone FaultReason = iota
	ReasonIoError
	ReasonOutOfSync
	ReasonByClient
	ReasonAdminFailed
	ReasonNoSpace
	ReasonTimedOut
	ReasonRpcFailure
	ReasonUnknown
)

func (r FaultReason) String() string {
	switch r {
	case ReasonIoError:
		return "IoError"
	case ReasonOutOfSync:
		return "OutOfSync"
	case ReasonByClient:
		return "ByClient"
	case ReasonAdminFailed:
		return "AdminFailed"
	case ReasonNoSpace:
		return "NoSpace"
	case ReasonTimedOut:
		return "TimedOut"
	case ReasonRpcFailure:
		return "RpcFailure"
	default:
		return "Unknown"
	}
}

// ErrorPolicy selects how an accounted I/O error affects child state.
type ErrorPolicy int

const (
	PolicyIgnore ErrorPolicy = iota
	PolicyFault
)

// errRecord is one entry in the rolling error ring.
type errRecord struct {
	op     string
	offset uint64
	length uint64
	tsNano int64
	fatal  bool
}

// LbaRange is the data-partition range after subtracting the metadata
// reservation.
type LbaRange struct {
	Start, End uint64 // [Start, End)
}

// Notifier lets the owning Nexus react to state transitions without Child
// holding an owning reference back; the Nexus exclusively owns its
// children.
type Notifier interface {
	OnChildStateChange(uri string, from, to State, reason FaultReason)
}

// Child is one backend device participating in a Nexus's mirror set.
type Child struct {
	mu sync.Mutex

	uri   string
	state atomic.Int32 // State
	reason atomic.Int32 // FaultReason, recorded on every state transition

	desc     bdev.Descriptor
	handle   bdev.Handle
	deviceName string
	blockLen  uint32
	dataRange LbaRange

	repairing atomic.Bool

	// rolling error window
	ring      []errRecord
	ringDepth int
	ringHead  int
	ringLen   int

	policy      ErrorPolicy
	retentionNs int64
	maxErrors   int
	maxAttempts int

	notifier Notifier
}

// New constructs a Child in Init state; the device is opened lazily via
// Open.
func New(uri string, notifier Notifier, ringDepth, maxAttempts int, retentionNs int64, maxErrors int) *Child {
	c := &Child{
		uri: uri, notifier: notifier,
		ringDepth: ringDepth, ring: make([]errRecord, ringDepth),
		policy: PolicyFault, retentionNs: retentionNs, maxErrors: maxErrors,
		maxAttempts: maxAttempts,
	}
	c.state.Store(int32(StateInit))
	return c
}

func (c *Child) URI() string       { return c.uri }
func (c *Child) State() State      { return State(c.state.Load()) }
func (c *Child) Reason() FaultReason { return FaultReason(c.reason.Load()) }
func (c *Child) Repairing() bool   { return c.repairing.Load() }
func (c *Child) DeviceName() string { return c.deviceName }
func (c *Child) DataRange() LbaRange { return c.dataRange }

func (c *Child) setState(to State, reason FaultReason) {
	from := State(c.state.Swap(int32(to)))
	c.reason.Store(int32(reason))
	if from != to && c.notifier != nil {
		c.notifier.OnChildStateChange(c.uri, from, to, reason)
	}
}

// reservedMetaBlocks is the fixed metadata reservation subtracted from a
// child's usable range.
const reservedMetaBlocks = 8 // one 4K block per mirror info slot, rounded up

// Open opens the underlying device and computes the data partition range.
// initialState lets the Nexus express "first child => Open" vs
// "attached later => Degraded{OutOfSync}" at the call site.
func (c *Child) Open(ctx context.Context, initialState State, initialReason FaultReason) error {
	desc, err := bdev.Open(ctx, c.uri, true)
	if err != nil {
		return err
	}
	h, err := desc.GetIOHandle()
	if err != nil {
		desc.Close()
		return err
	}
	c.mu.Lock()
	c.desc = desc
	c.handle = h
	c.deviceName = desc.Name()
	c.blockLen = desc.BlockSizeBytes()
	blocks := desc.SizeBytes() / uint64(c.blockLen)
	c.dataRange = LbaRange{Start: reservedMetaBlocks, End: blocks}
	c.mu.Unlock()
	c.setState(initialState, initialReason)
	return nil
}

func (c *Child) Close() error {
	c.mu.Lock()
	desc := c.desc
	c.mu.Unlock()
	if desc != nil {
		_ = desc.Close()
	}
	c.setState(StateClosed, ReasonNone)
	return nil
}

// SizeBytes reports the usable capacity the Nexus validates its own size
// against at create/add-child time.
func (c *Child) SizeBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.desc == nil {
		return 0
	}
	return c.desc.SizeBytes()
}

func (c *Child) BlockSizeBytes() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.desc == nil {
		return 0
	}
	return c.desc.BlockSizeBytes()
}

// withRetry retries a submission up to maxAttempts times on this same
// child before the failure is counted as an accounted error.
func (c *Child) withRetry(op string, offset, length uint64, fn func() error) error {
	var lastErr error
	attempts := c.maxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !cos.Retriable(err) {
			break
		}
	}
	c.accountError(op, offset, length, lastErr)
	return lastErr
}

// Data-path offsets and lengths arrive in blocks and are translated to the
// byte addressing the device handle speaks.
func (c *Child) byteOff(lbn uint64) uint64 { return lbn * uint64(c.blockLen) }

func (c *Child) ReadAt(ctx context.Context, lbn uint64, buf []byte) error {
	return c.withRetry("read", lbn, uint64(len(buf)), func() error { return c.handle.ReadAt(ctx, c.byteOff(lbn), buf) })
}

func (c *Child) WriteAt(ctx context.Context, lbn uint64, buf []byte) error {
	return c.withRetry("write", lbn, uint64(len(buf)), func() error { return c.handle.WriteAt(ctx, c.byteOff(lbn), buf) })
}

func (c *Child) WritevAt(ctx context.Context, lbn uint64, iovecs [][]byte) error {
	var n uint64
	for _, iov := range iovecs {
		n += uint64(len(iov))
	}
	return c.withRetry("writev", lbn, n, func() error { return c.handle.WritevAt(ctx, c.byteOff(lbn), iovecs) })
}

func (c *Child) Flush(ctx context.Context) error {
	return c.withRetry("flush", 0, 0, func() error { return c.handle.Flush(ctx) })
}

func (c *Child) Unmap(ctx context.Context, lbn, cnt uint64) error {
	return c.withRetry("unmap", lbn, cnt, func() error { return c.handle.Unmap(ctx, c.byteOff(lbn), c.byteOff(cnt)) })
}

func (c *Child) WriteZeroes(ctx context.Context, lbn, cnt uint64) error {
	return c.withRetry("write_zeroes", lbn, cnt, func() error { return c.handle.WriteZeroes(ctx, c.byteOff(lbn), c.byteOff(cnt)) })
}

func (c *Child) Reset(ctx context.Context) error {
	return c.withRetry("reset", 0, 0, func() error { return c.handle.Reset(ctx) })
}

func (c *Child) NvmeAdminPassthrough(ctx context.Context, opc uint8, cdw10, cdw11 uint32, buf []byte) error {
	return c.withRetry("admin", 0, 0, func() error { return c.handle.NvmeAdminPassthrough(ctx, opc, cdw10, cdw11, buf) })
}

// accountError appends a record to the rolling ring and applies the
// configured policy. Fatal per-I/O errors bypass the window and fault
// immediately.
func (c *Child) accountError(op string, offset, length uint64, err error) {
	if err == nil {
		return
	}
	fatal := cos.Fatal(err)
	rec := errRecord{op: op, offset: offset, length: length, tsNano: mono.NanoTime(), fatal: fatal}

	c.mu.Lock()
	c.ring[c.ringHead] = rec
	c.ringHead = (c.ringHead + 1) % c.ringDepth
	if c.ringLen < c.ringDepth {
		c.ringLen++
	}
	c.mu.Unlock()

	if c.policy == PolicyIgnore {
		return
	}
	if fatal {
		nlog.Warnf("child %s: fatal error on %s, faulting immediately: %v", c.uri, op, err)
		c.Fault(ReasonIoError)
		return
	}
	if c.countRecentErrors() > c.maxErrors {
		nlog.Warnf("child %s: error window threshold exceeded, faulting", c.uri)
		c.Fault(ReasonIoError)
	}
}

func (c *Child) countRecentErrors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := mono.NanoTime()
	n := 0
	for i := 0; i < c.ringLen; i++ {
		idx := (c.ringHead - 1 - i + c.ringDepth) % c.ringDepth
		r := c.ring[idx]
		if now-r.tsNano > c.retentionNs {
			break
		}
		n++
	}
	return n
}

// Offline transitions Open -> Degraded{ByClient}.
func (c *Child) Offline() error {
	if c.State() != StateOpen {
		return fmt.Errorf("child %s: offline requires Open, have %s", c.uri, c.State())
	}
	c.repairing.Store(false)
	c.setState(StateDegraded, ReasonByClient)
	return nil
}

// Online marks a rebuild as having succeeded: Degraded -> Open. The Nexus
// calls this from the rebuild notifier, not directly from the admin API
// (online_child schedules a rebuild first).
func (c *Child) Online() {
	c.repairing.Store(false)
	c.setState(StateOpen, ReasonNone)
}

// BeginRepair marks the child as under active rebuild, transitioning to
// Degraded{OutOfSync} if it isn't already Degraded/Faulted.
func (c *Child) BeginRepair() {
	c.repairing.Store(true)
	if c.State() == StateOpen {
		c.setState(StateDegraded, ReasonOutOfSync)
	}
}

// Fault transitions to Faulted{reason} from any state.
func (c *Child) Fault(reason FaultReason) {
	c.repairing.Store(false)
	c.setState(StateFaulted, reason)
}
