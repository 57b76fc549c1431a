// Package nexus implements the top-level Nexus state machine, child set,
// and I/O dispatcher.
/*
 * Copyright (c) 2024, Nexus Storage Project. All rights reserved.
 */
package nexus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nexusfabric/nexus-engine/cmn/nlog"
	"github.com/nexusfabric/nexus-engine/core/child"
	"github.com/nexusfabric/nexus-engine/core/iolog"
	"github.com/nexusfabric/nexus-engine/core/rebuild"
	"github.com/nexusfabric/nexus-engine/mbus"
)

type State int

const (
	StateOnline State = iota
	StateDegraded
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "Online"
	case StateDegraded:
		return "Degraded"
	default:
		return "Faulted"
	}
}

// Params configures retry/error-window/segment sizing when children are
// opened; cmn/config supplies the deployment defaults.
type Params struct {
	SegmentSizeBytes   uint32
	TaskPoolSize       int
	MaxTaskRetries     int
	MaxIoAttempts      int
	ErrorWindowDepth   int
	ErrorWindowRetNs   int64
	ErrorWindowMaxErrs int
	NumCores           int
}

// Nexus is a replicated virtual block device: reads come from one healthy
// child, writes fan out to all of them.
type Nexus struct {
	Name      string
	UUID      string
	sizeBytes uint64
	blockSize uint32

	params Params

	admin    asyncMutex
	children atomic.Pointer[[]*child.Child]

	ioLogsMu sync.RWMutex
	ioLogs   map[string]*iolog.IOLog // childURI -> log, only while offline or under rebuild

	rebuilds     *rebuild.Registry
	checkpointer rebuild.Checkpointer
	publisher    mbus.Publisher
	metrics      MetricsSink

	shareURI   atomic.Pointer[string]
	rrCursor   atomic.Uint64
	coreCursor atomic.Uint64
	inflight   atomic.Int64
}

func New(name, uuid string, sizeBytes uint64, params Params) *Nexus {
	if params.NumCores < 1 {
		params.NumCores = 4
	}
	n := &Nexus{
		Name: name, UUID: uuid, sizeBytes: sizeBytes,
		params:    params,
		admin:     newAsyncMutex(),
		ioLogs:    make(map[string]*iolog.IOLog),
		rebuilds:  rebuild.NewRegistry(),
		publisher: mbus.NoopPublisher{},
		metrics:   NoopMetrics{},
	}
	empty := []*child.Child{}
	n.children.Store(&empty)
	return n
}

func (n *Nexus) SizeBytes() uint64 { return n.sizeBytes }
func (n *Nexus) BlockSize() uint32 { return n.blockSize }

func (n *Nexus) Children() []*child.Child {
	p := n.children.Load()
	out := make([]*child.Child, len(*p))
	copy(out, *p)
	return out
}

func (n *Nexus) GetChild(uri string) (*child.Child, bool) {
	for _, c := range n.Children() {
		if c.URI() == uri {
			return c, true
		}
	}
	return nil, false
}

// State is derived from the child set, never stored: Online iff every
// child is Open, Faulted iff none is.
func (n *Nexus) State() State {
	children := n.Children()
	if len(children) == 0 {
		return StateFaulted
	}
	openCnt, otherCnt := 0, 0
	for _, c := range children {
		switch c.State() {
		case child.StateOpen:
			openCnt++
		default:
			otherCnt++
		}
	}
	switch {
	case otherCnt == 0:
		return StateOnline
	case openCnt > 0:
		return StateDegraded
	default:
		return StateFaulted
	}
}

func (n *Nexus) ShareURI() string {
	if p := n.shareURI.Load(); p != nil {
		return *p
	}
	return ""
}

// SetShareURI records the export URI once a front-end (e.g. nvmf.Share)
// starts listening on behalf of this Nexus; clearing it (empty string)
// marks the Nexus unshared again.
func (n *Nexus) SetShareURI(uri string) {
	if uri == "" {
		n.shareURI.Store(nil)
		return
	}
	n.shareURI.Store(&uri)
}

func (n *Nexus) RebuildRegistry() *rebuild.Registry { return n.rebuilds }

// SetCheckpointer attaches a rebuild-progress checkpoint sink (persist.Store
// satisfies this interface); nil (the default) disables checkpointing.
func (n *Nexus) SetCheckpointer(cp rebuild.Checkpointer) { n.checkpointer = cp }

// SetPublisher attaches a message-bus event publisher; the default is a
// NoopPublisher.
func (n *Nexus) SetPublisher(p mbus.Publisher) { n.publisher = p }

// SetMetrics attaches a Prometheus collector set (metrics.Collectors
// satisfies MetricsSink); the default is NoopMetrics.
func (n *Nexus) SetMetrics(m MetricsSink) { n.metrics = m }

func (n *Nexus) setIOLog(uri string, log *iolog.IOLog) {
	n.ioLogsMu.Lock()
	n.ioLogs[uri] = log
	n.ioLogsMu.Unlock()
}

func (n *Nexus) dropIOLog(uri string) {
	n.ioLogsMu.Lock()
	delete(n.ioLogs, uri)
	n.ioLogsMu.Unlock()
}

// getIOLog returns the I/O log currently attached to uri, if any. Only a
// log attached while uri has no active rebuild job records writes (see
// markOfflineLogs); the log startRebuild attaches stays empty and is
// dropped when the job ends.
func (n *Nexus) getIOLog(uri string) (*iolog.IOLog, bool) {
	n.ioLogsMu.RLock()
	defer n.ioLogsMu.RUnlock()
	l, ok := n.ioLogs[uri]
	return l, ok
}

// ioLogsSnapshot copies the current childURI -> log map for safe iteration
// off the admin path (the data path calls this on every write).
func (n *Nexus) ioLogsSnapshot() map[string]*iolog.IOLog {
	n.ioLogsMu.RLock()
	defer n.ioLogsMu.RUnlock()
	out := make(map[string]*iolog.IOLog, len(n.ioLogs))
	for k, v := range n.ioLogs {
		out[k] = v
	}
	return out
}

func (n *Nexus) nextCore() int { return int(n.coreCursor.Add(1)-1) % n.params.NumCores }

// OnChildStateChange implements child.Notifier.
func (n *Nexus) OnChildStateChange(uri string, from, to child.State, reason child.FaultReason) {
	nlog.Infof("nexus %s: child %s %s -> %s (%s)", n.Name, uri, from, to, reason)
	if err := mbus.PublishChildStateChanged(n.publisher, n.Name, uri, from, to, reason); err != nil {
		nlog.Warnf("nexus %s: mbus publish failed: %v", n.Name, err)
	}
	if to == child.StateFaulted {
		n.metrics.IncChildError(n.Name, uri)
	}
	n.metrics.SetNexusState(n.Name, int(n.State()))
}

// OnRebuildStateChange implements rebuild.Notifier: on completion the
// destination child transitions to Open, on failure to Faulted{IoError}.
func (n *Nexus) OnRebuildStateChange(j *rebuild.Job) {
	nlog.Infof("nexus %s: rebuild %s (%s -> %s) state=%s", n.Name, j.ID, j.SourceURI, j.DestURI, j.State())
	if err := mbus.PublishRebuildProgress(n.publisher, n.Name, j); err != nil {
		nlog.Warnf("nexus %s: mbus publish failed: %v", n.Name, err)
	}
	n.metrics.SetRebuildRemaining(n.Name, j.DestURI, uint64(j.Dirty.CountOnes()))
	c, ok := n.GetChild(j.DestURI)
	if !ok {
		return
	}
	switch j.State() {
	case rebuild.StateCompleted:
		c.Online()
		n.rebuilds.Remove(j.DestURI)
		n.dropIOLog(j.DestURI)
	case rebuild.StateFailed:
		c.Fault(child.ReasonIoError)
		n.rebuilds.Remove(j.DestURI)
		n.dropIOLog(j.DestURI)
	case rebuild.StateStopped:
		n.rebuilds.Remove(j.DestURI)
		n.dropIOLog(j.DestURI)
	}
	n.metrics.SetNexusState(n.Name, int(n.State()))
}

var ErrNotFound = fmt.Errorf("child not found")
var ErrAlreadyExists = fmt.Errorf("child already exists")
var ErrPrecondition = fmt.Errorf("operation violates a nexus precondition")

func withAdmin(ctx context.Context, n *Nexus, fn func() error) error {
	if err := n.admin.lock(ctx); err != nil {
		return err
	}
	defer n.admin.unlock()
	return fn()
}
