// I/O dispatch: fan-out writes, round-robin reads, and the
// admin-passthrough path.
/*
 * Copyright (c) 2024, Nexus Storage Project. All rights reserved.
 */
package nexus

import (
	"context"
	"fmt"

	"github.com/nexusfabric/nexus-engine/cmn/cos"
	"github.com/nexusfabric/nexus-engine/cmn/nlog"
	"github.com/nexusfabric/nexus-engine/core/bdev"
	"github.com/nexusfabric/nexus-engine/core/bio"
	"github.com/nexusfabric/nexus-engine/core/child"
	"github.com/nexusfabric/nexus-engine/core/iolog"
)

var ErrNoHealthyChildren = fmt.Errorf("nexus: no healthy children")

// openChildren returns the subset of children currently Open, the only
// ones eligible to receive data-path I/O. A Degraded child under rebuild
// receives writes only through the rebuild copy, never the data path.
func (n *Nexus) openChildren() []*child.Child {
	all := n.Children()
	out := make([]*child.Child, 0, len(all))
	for _, c := range all {
		if c.State() == child.StateOpen {
			out = append(out, c)
		}
	}
	return out
}

// markOfflineLogs records a write against every per-core I/O log that is
// tracking an offline child not yet under an active rebuild job; a later
// OnlineChild consumes the log to drive a partial rebuild. Writes to a
// child that already has an active rebuild job are instead forwarded live
// through the *ToRebuildTargets helpers below.
func (n *Nexus) markOfflineLogs(lbn, cnt uint64, coreID int) {
	for uri, log := range n.ioLogsSnapshot() {
		if _, active := n.rebuilds.Get(uri); active {
			continue
		}
		log.CurrentChannel(coreID).LogIO(iolog.IoWrite, lbn, cnt)
	}
}

// flatten concatenates a write's iovecs into a single contiguous buffer
// for forwarding to a rebuild destination, whose BlockReaderWriter
// capability only takes one buffer at a time.
func flatten(iovecs [][]byte) []byte {
	var n int
	for _, iov := range iovecs {
		n += len(iov)
	}
	buf := make([]byte, 0, n)
	for _, iov := range iovecs {
		buf = append(buf, iov...)
	}
	return buf
}

// writeToRebuildTargets forwards a live host write to every active rebuild
// job's destination under that job's own per-segment range lock: the write
// and any concurrently in-flight segment copy for the same segment
// serialize against each other, so the destination never silently misses
// a write that landed
// while a copy of that exact segment was in flight (see
// rebuild.Job.WriteThrough). This is best-effort relative to the host
// completion: the destination isn't Open yet, so a failure here doesn't
// fail the NexusBio; the segment stays dirty and a later rebuild pass
// picks it up.
func (n *Nexus) writeToRebuildTargets(ctx context.Context, lbn, cnt uint64, iovecs [][]byte) {
	jobs := n.rebuilds.List()
	if len(jobs) == 0 {
		return
	}
	buf := flatten(iovecs)
	for _, job := range jobs {
		if err := job.WriteThrough(ctx, lbn, cnt, buf); err != nil {
			nlog.Warnf("nexus %s: write-through to rebuild destination %s failed: %v", n.Name, job.DestURI, err)
		}
	}
}

func (n *Nexus) unmapToRebuildTargets(ctx context.Context, lbn, cnt uint64) {
	for _, job := range n.rebuilds.List() {
		if err := job.UnmapThrough(ctx, lbn, cnt); err != nil {
			nlog.Warnf("nexus %s: unmap-through to rebuild destination %s failed: %v", n.Name, job.DestURI, err)
		}
	}
}

func (n *Nexus) writeZeroesToRebuildTargets(ctx context.Context, lbn, cnt uint64) {
	for _, job := range n.rebuilds.List() {
		if err := job.WriteZeroesThrough(ctx, lbn, cnt); err != nil {
			nlog.Warnf("nexus %s: write-zeroes-through to rebuild destination %s failed: %v", n.Name, job.DestURI, err)
		}
	}
}

// Write fans the write out to every Open child, succeeding iff at least
// one child acknowledges it.
func (n *Nexus) Write(ctx context.Context, lbn uint64, iovecs [][]byte) (bio.Status, error) {
	var cnt uint64
	for _, iov := range iovecs {
		cnt += uint64(len(iov)) / uint64(n.BlockSize())
	}
	n.inflight.Add(1)
	defer n.inflight.Add(-1)

	core := n.nextCore()
	n.markOfflineLogs(lbn, cnt, core)

	// Forward to rebuild destinations before snapshotting the open set.
	// Rebuild completion flips the destination Open before retiring its
	// job, so a write that finds the job already gone is guaranteed to see
	// the child Open in the snapshot below; the reverse order leaves a
	// window where a write reaches neither the job nor the fan-out and the
	// freshly onlined child silently misses it.
	n.writeToRebuildTargets(ctx, lbn, cnt, iovecs)

	targets := n.openChildren()
	if len(targets) == 0 {
		return bio.StatusFailed, ErrNoHealthyChildren
	}

	b := bio.Alloc()
	defer bio.Free(b)
	b.IoType, b.Offset, b.NumBlocks, b.Iovecs = bio.IoWrite, lbn, cnt, iovecs

	done := make(chan struct{})
	b.Submit(len(targets), bio.ModeAny, func(*bio.NexusBio) { close(done) })
	for i, c := range targets {
		go func(i int, c *child.Child) {
			err := c.WritevAt(ctx, lbn, iovecs)
			n.recordChildIO(c.URI(), "write", err)
			b.ChildCompletion(i, err)
		}(i, c)
	}
	<-done
	if b.Status() != bio.StatusSuccess {
		return b.Status(), b.FirstError()
	}
	return bio.StatusSuccess, nil
}

// Read issues the read to one Open child chosen round-robin, retrying on
// the next candidate only when the error is retriable: a non-retriable
// error on one child says nothing about another child's data.
func (n *Nexus) Read(ctx context.Context, lbn uint64, buf []byte) error {
	targets := n.openChildren()
	if len(targets) == 0 {
		return ErrNoHealthyChildren
	}
	n.inflight.Add(1)
	defer n.inflight.Add(-1)

	start := int(n.rrCursor.Add(1) - 1)
	var lastErr error
	for i := 0; i < len(targets); i++ {
		c := targets[(start+i)%len(targets)]
		err := c.ReadAt(ctx, lbn, buf)
		n.recordChildIO(c.URI(), "read", err)
		if err == nil {
			return nil
		}
		lastErr = err
		if !cos.Retriable(err) {
			return err
		}
	}
	return lastErr
}

// recordChildIO feeds a single child I/O outcome into the metrics sink.
func (n *Nexus) recordChildIO(childURI, op string, err error) {
	n.metrics.IncChildIO(n.Name, childURI, op)
	if err != nil {
		n.metrics.IncChildError(n.Name, childURI)
	}
}

// Flush, Unmap and WriteZeroes fan out like Write: success iff at least
// one Open child acknowledges.
func (n *Nexus) Flush(ctx context.Context) error {
	return n.fanOutVoid("flush", bio.ModeAny, func(c *child.Child) error { return c.Flush(ctx) })
}

// Reset is fanned out but, unlike Flush/Unmap/WriteZeroes, only succeeds
// if every Open child acknowledges.
func (n *Nexus) Reset(ctx context.Context) error {
	return n.fanOutVoid("reset", bio.ModeAll, func(c *child.Child) error { return c.Reset(ctx) })
}

func (n *Nexus) Unmap(ctx context.Context, lbn, cnt uint64) error {
	core := n.nextCore()
	n.markOfflineLogs(lbn, cnt, core)
	n.unmapToRebuildTargets(ctx, lbn, cnt)
	return n.fanOutVoid("unmap", bio.ModeAny, func(c *child.Child) error { return c.Unmap(ctx, lbn, cnt) })
}

func (n *Nexus) WriteZeroes(ctx context.Context, lbn, cnt uint64) error {
	core := n.nextCore()
	n.markOfflineLogs(lbn, cnt, core)
	n.writeZeroesToRebuildTargets(ctx, lbn, cnt)
	return n.fanOutVoid("write_zeroes", bio.ModeAny, func(c *child.Child) error { return c.WriteZeroes(ctx, lbn, cnt) })
}

func (n *Nexus) fanOutVoid(opName string, mode bio.Mode, op func(c *child.Child) error) error {
	targets := n.openChildren()
	if len(targets) == 0 {
		return ErrNoHealthyChildren
	}
	n.inflight.Add(1)
	defer n.inflight.Add(-1)

	b := bio.Alloc()
	defer bio.Free(b)
	done := make(chan struct{})
	b.Submit(len(targets), mode, func(*bio.NexusBio) { close(done) })
	for i, c := range targets {
		go func(i int, c *child.Child) {
			err := op(c)
			n.recordChildIO(c.URI(), opName, err)
			b.ChildCompletion(i, err)
		}(i, c)
	}
	<-done
	if b.Status() != bio.StatusSuccess {
		return b.FirstError()
	}
	return nil
}

// adminAllowlist names the passthrough opcodes the Nexus will fan out;
// anything else is rejected before touching a child.
var adminAllowlist = map[uint8]bool{
	bdev.OpcCreateSnapshot: true,
}

// AdminPassthrough fans an NVMe admin command out to every Open child; it
// is all-or-nothing rather than best-of-one, since an admin command (e.g.
// the custom create-snapshot opcode) is only meaningful if every mirror
// member actually applied it.
func (n *Nexus) AdminPassthrough(ctx context.Context, opc uint8, cdw10, cdw11 uint32, buf []byte) error {
	if !adminAllowlist[opc] {
		return cos.NewDeviceError(cos.ErrNotSupported, "admin-passthrough", fmt.Errorf("opcode %#x not allowed", opc))
	}
	targets := n.openChildren()
	if len(targets) == 0 {
		return ErrNoHealthyChildren
	}
	n.inflight.Add(1)
	defer n.inflight.Add(-1)

	for _, c := range targets {
		err := c.NvmeAdminPassthrough(ctx, opc, cdw10, cdw11, buf)
		n.recordChildIO(c.URI(), "admin", err)
		if err != nil {
			nlog.Warnf("nexus %s: admin passthrough opc=0x%x failed on %s: %v", n.Name, opc, c.URI(), err)
			return err
		}
	}
	return nil
}

