package nexus

import (
	"context"
	"fmt"

	"github.com/nexusfabric/nexus-engine/cmn/nlog"
	"github.com/nexusfabric/nexus-engine/core/child"
	"github.com/nexusfabric/nexus-engine/core/iolog"
	"github.com/nexusfabric/nexus-engine/core/rebuild"
	"github.com/nexusfabric/nexus-engine/core/segmap"
)

// reservedMetaOffsetBytes mirrors core/child's reservedMetaBlocks expressed in
// bytes for the create-time size check : requested size must fit
// in every child's capacity minus the metadata reservation.
const reservedMetaOffsetBytes = 8 * 512

// Create opens every child, validates capacity, and builds a Nexus in
// Online (all Open) or Degraded (some Open) state. It fails if zero
// children open, or if any child that does open is smaller than sizeBytes
// plus the metadata reservation.
func Create(ctx context.Context, name, uuid string, sizeBytes uint64, childURIs []string, params Params) (*Nexus, error) {
	if len(childURIs) == 0 {
		return nil, fmt.Errorf("nexus create: at least one child uri required")
	}
	n := New(name, uuid, sizeBytes, params)
	children := make([]*child.Child, 0, len(childURIs))
	openCount := 0
	var blockSize uint32

	for _, uri := range childURIs {
		c := child.New(uri, n, params.ErrorWindowDepth, params.MaxIoAttempts, params.ErrorWindowRetNs, params.ErrorWindowMaxErrs)
		initState := child.StateOpen
		if err := c.Open(ctx, initState, child.ReasonNone); err != nil {
			nlog.Warnf("nexus create %s: child %s failed to open: %v", name, uri, err)
			children = append(children, c)
			continue
		}
		if c.SizeBytes() < sizeBytes+reservedMetaOffsetBytes {
			c.Close()
			return nil, fmt.Errorf("nexus create: child %s too small (%d < %d)", uri, c.SizeBytes(), sizeBytes+reservedMetaOffsetBytes)
		}
		if blockSize == 0 {
			blockSize = c.BlockSizeBytes()
		}
		openCount++
		children = append(children, c)
	}
	if openCount == 0 {
		return nil, fmt.Errorf("nexus create: no child opened successfully")
	}
	n.blockSize = blockSize
	n.children.Store(&children)
	return n, nil
}

// Destroy fails if shared or I/O is in flight; closes all children.
func (n *Nexus) Destroy(ctx context.Context) error {
	return withAdmin(ctx, n, func() error {
		if n.ShareURI() != "" {
			return fmt.Errorf("%w: nexus %s is shared", ErrPrecondition, n.Name)
		}
		if n.inflight.Load() > 0 {
			return fmt.Errorf("%w: nexus %s has in-flight i/o", ErrPrecondition, n.Name)
		}
		for _, c := range n.Children() {
			c.Close()
		}
		return nil
	})
}

// AddChild opens uri, appends it with state Degraded{OutOfSync} (or Open if
// it is the first child), and unless norebuild schedules a rebuild from an
// existing healthy child.
func (n *Nexus) AddChild(ctx context.Context, uri string, norebuild bool) (child.State, error) {
	var result child.State
	err := withAdmin(ctx, n, func() error {
		if _, ok := n.GetChild(uri); ok {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, uri)
		}
		c := child.New(uri, n, n.params.ErrorWindowDepth, n.params.MaxIoAttempts, n.params.ErrorWindowRetNs, n.params.ErrorWindowMaxErrs)
		existing := n.Children()
		isFirst := len(existing) == 0
		initState, initReason := child.StateDegraded, child.ReasonOutOfSync
		if isFirst {
			initState, initReason = child.StateOpen, child.ReasonNone
		}
		if err := c.Open(ctx, initState, initReason); err != nil {
			return err
		}
		nextChildren := append(append([]*child.Child{}, existing...), c)
		n.children.Store(&nextChildren)
		result = c.State()

		if !isFirst && !norebuild {
			src := n.pickHealthySource(existing)
			if src == nil {
				return fmt.Errorf("%w: no healthy source to rebuild %s from", ErrPrecondition, uri)
			}
			n.startRebuild(src, c, nil)
		}
		return nil
	})
	return result, err
}

func (n *Nexus) pickHealthySource(children []*child.Child) *child.Child {
	for _, c := range children {
		if c.State() == child.StateOpen {
			return c
		}
	}
	return nil
}

// RemoveChild closes and drops the child; fails if it is the last healthy
// child or a rebuild job targets it (the caller must cancel that first).
func (n *Nexus) RemoveChild(ctx context.Context, uri string) error {
	return withAdmin(ctx, n, func() error {
		existing := n.Children()
		var target *child.Child
		idx := -1
		healthyCount := 0
		for i, c := range existing {
			if c.URI() == uri {
				target = c
				idx = i
			}
			if c.State() == child.StateOpen {
				healthyCount++
			}
		}
		if target == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, uri)
		}
		if _, active := n.rebuilds.Get(uri); active {
			return fmt.Errorf("%w: rebuild active on %s, cancel it first", ErrPrecondition, uri)
		}
		if target.State() == child.StateOpen && healthyCount <= 1 {
			return fmt.Errorf("%w: cannot remove last healthy child %s", ErrPrecondition, uri)
		}
		next := append(append([]*child.Child{}, existing[:idx]...), existing[idx+1:]...)
		n.children.Store(&next)
		target.Close()
		n.dropIOLog(uri)
		return nil
	})
}

// OfflineChild transitions Open -> Degraded{ByClient}.
func (n *Nexus) OfflineChild(ctx context.Context, uri string) error {
	return withAdmin(ctx, n, func() error {
		c, ok := n.GetChild(uri)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, uri)
		}
		if err := c.Offline(); err != nil {
			return err
		}
		// attach a fresh I/O log for the offline window: every write that
		// lands on a surviving Open child from here on is recorded against
		// this log, so OnlineChild can rebuild only what was missed.
		numBlocks := c.DataRange().End - c.DataRange().Start
		n.setIOLog(uri, iolog.New(n.params.NumCores, numBlocks, c.BlockSizeBytes(), n.params.SegmentSizeBytes, uri))
		return nil
	})
}

// OnlineChild transitions state and schedules a partial rebuild from the
// most recently captured I/O log.
func (n *Nexus) OnlineChild(ctx context.Context, uri string) error {
	return withAdmin(ctx, n, func() error {
		c, ok := n.GetChild(uri)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, uri)
		}
		existing := n.Children()
		src := n.pickHealthySource(existing)
		if src == nil || src.URI() == uri {
			return fmt.Errorf("%w: no healthy source to rebuild %s from", ErrPrecondition, uri)
		}
		// A log captured since the child went offline (OfflineChild) means
		// only the segments it records need copying; otherwise this is a
		// first-time sync and every segment is dirty.
		var dirty *segmap.SegmentMap
		if log, ok := n.getIOLog(uri); ok {
			dirty = log.Finalize()
			n.dropIOLog(uri)
		}
		n.startRebuild(src, c, dirty)
		return nil
	})
}

// FaultChild is an explicit admin fault.
func (n *Nexus) FaultChild(ctx context.Context, uri string, reason child.FaultReason) error {
	return withAdmin(ctx, n, func() error {
		c, ok := n.GetChild(uri)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, uri)
		}
		c.Fault(reason)
		return nil
	})
}

func (n *Nexus) GetChildState(uri string) (child.State, error) {
	c, ok := n.GetChild(uri)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	return c.State(), nil
}

// startRebuild begins a rebuild job for dest sourced from src. dirty==nil
// means a full rebuild (every segment dirty). The job runs detached from the admin
// call's own context since it must keep running after the RPC that
// triggered it returns.
func (n *Nexus) startRebuild(src, dest *child.Child, dirty *segmap.SegmentMap) {
	dest.BeginRepair()

	numBlocks := dest.DataRange().End - dest.DataRange().Start
	blockLen := dest.BlockSizeBytes()
	if dirty == nil {
		dirty = segmap.FullyDirty(numBlocks, blockLen, n.params.SegmentSizeBytes)
	}

	log := iolog.New(n.params.NumCores, numBlocks, blockLen, n.params.SegmentSizeBytes, dest.URI())
	n.setIOLog(dest.URI(), log)

	job := rebuild.NewJob(src.URI(), dest.URI(), src, dest, dirty, n.params.TaskPoolSize, n.params.MaxTaskRetries)
	job.Notifier = n
	job.Checkpoint = n.checkpointer
	n.rebuilds.Add(job)
	go job.Start(context.Background())
}
