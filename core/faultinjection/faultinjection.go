// Package faultinjection implements the URI-configured, stage-gated error
// synthesis registry used to exercise fault/rebuild paths in tests.
/*
 * Copyright (c) 2024, Nexus Storage Project. All rights reserved.
 */
package faultinjection

import (
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/nexusfabric/nexus-engine/cmn/cos"
	"github.com/nexusfabric/nexus-engine/cmn/mono"
)

type Domain int

const (
	DomainNexusChild Domain = iota
	DomainBlockDevice
	DomainBdevIo
)

type Op int

const (
	OpRead Op = iota
	OpWrite
	OpReadWrite
)

type Stage int

const (
	StageSubmission Stage = iota
	StageCompletion
)

type Method int

const (
	MethodStatus Method = iota
	MethodData
)

// Spec is one registered injection, parsed from an inject:// URI.
type Spec struct {
	URI        string
	Domain     Domain
	DeviceName string
	Op         Op
	Stage      Stage
	Method     Method
	ErrKind    cos.ErrKind
	LbaStart   uint64
	LbaEnd     uint64 // inclusive; the LBA filter applies only when HasLba
	HasLba     bool
	BeginNs    int64
	EndNs      int64 // math.MaxInt64 when no end is given; window applies only when HasWindow
	HasWindow  bool
	MaxHits    int64 // 0 == unlimited

	hits atomic.Int64
}

func (s *Spec) Hits() int64 { return s.hits.Load() }

// Registry is the process-wide, URI-keyed injection table. A cuckoo
// filter gates the common "no injection for this device" case so an
// injection registered against one device does not put the O(n) scan on
// every other device's I/O path.
type Registry struct {
	mu      sync.RWMutex
	specs   []*Spec
	byURI   map[string]*Spec
	enabled atomic.Bool
	filter  *cuckoo.Filter
	metrics MetricsSink
}

// MetricsSink receives a count every time a registered injection fires
// (metrics.Collectors.AddFaultHits satisfies this structurally).
type MetricsSink interface {
	AddFaultHits(uri string, n int64)
}

type noopMetrics struct{}

func (noopMetrics) AddFaultHits(string, int64) {}

func New() *Registry {
	return &Registry{
		byURI:   make(map[string]*Spec),
		filter:  cuckoo.NewFilter(1024),
		metrics: noopMetrics{},
	}
}

// SetMetrics attaches a Prometheus collector set; the default is a no-op.
func (r *Registry) SetMetrics(m MetricsSink) { r.metrics = m }

// Default is the process-wide registry. core/bdev wraps every opened
// Handle's data-path calls to evaluate against it; admin paths
// (Add/Remove/List) go through Default directly.
var Default = New()

// Add parses and registers an inject:// URI.
func (r *Registry) Add(rawURI string) (*Spec, error) {
	s, err := parse(rawURI)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs = append(r.specs, s)
	r.byURI[s.URI] = s
	r.filter.Insert([]byte(s.DeviceName))
	r.enabled.Store(true)
	return s, nil
}

func (r *Registry) Remove(uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byURI[uri]
	if !ok {
		return
	}
	delete(r.byURI, uri)
	for i, sp := range r.specs {
		if sp == s {
			r.specs = append(r.specs[:i], r.specs[i+1:]...)
			break
		}
	}
	if len(r.specs) == 0 {
		r.enabled.Store(false)
	}
	// cuckoo filter has no safe remove across shared device names from
	// other specs in this implementation's scope, so the removed device
	// name stays in the filter (acceptable: it only gates a fast path,
	// the registration-order scan below is authoritative).
}

func (r *Registry) List() []*Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Spec, len(r.specs))
	copy(out, r.specs)
	return out
}

// mayHaveInjection is the atomic-bool + cuckoo-filter fast path: when
// false (or the filter reports "definitely not present"), callers skip
// the O(n) scan entirely.
func (r *Registry) mayHaveInjection(deviceName string) bool {
	if !r.enabled.Load() {
		return false
	}
	return r.filter.Lookup([]byte(deviceName))
}

func (r *Registry) find(deviceName string, op Op, stage Stage, lba uint64) *Spec {
	if !r.mayHaveInjection(deviceName) {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := mono.NanoTime()
	for _, s := range r.specs {
		if s.DeviceName != deviceName || s.Stage != stage {
			continue
		}
		if s.Op != OpReadWrite && s.Op != op {
			continue
		}
		if s.HasLba && (lba < s.LbaStart || lba > s.LbaEnd) {
			continue
		}
		if s.HasWindow && (now < s.BeginNs || now > s.EndNs) {
			continue
		}
		if s.MaxHits > 0 && s.hits.Load() >= s.MaxHits {
			continue
		}
		return s
	}
	return nil
}

// InjectSubmission evaluates submission-stage injections.
func (r *Registry) InjectSubmission(deviceName string, op Op, lba uint64) error {
	s := r.find(deviceName, op, StageSubmission, lba)
	if s == nil {
		return nil
	}
	s.hits.Add(1)
	r.metrics.AddFaultHits(s.URI, 1)
	if s.Method == MethodStatus {
		return cos.NewDeviceError(s.ErrKind, "fault-injected-submission", fmt.Errorf("injected via %s", s.URI))
	}
	return nil
}

// InjectCompletion evaluates completion-stage injections, corrupting buf
// in place for MethodData and otherwise overriding the completion error.
func (r *Registry) InjectCompletion(deviceName string, op Op, lba uint64, buf []byte, status error) error {
	s := r.find(deviceName, op, StageCompletion, lba)
	if s == nil {
		return status
	}
	s.hits.Add(1)
	r.metrics.AddFaultHits(s.URI, 1)
	if s.Method == MethodData {
		for i := range buf {
			buf[i] = byte(rand.Intn(256))
		}
		return status
	}
	return cos.NewDeviceError(s.ErrKind, "fault-injected-completion", fmt.Errorf("injected via %s", s.URI))
}

func parse(raw string) (*Spec, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "inject" {
		return nil, fmt.Errorf("faultinjection: invalid uri %q", raw)
	}
	q := u.Query()
	// core/bdev device names are variant+path (e.g. malloc:///nx-1 opens as
	// "malloc/nx-1"), so the device name a caller targets here must be the
	// same concatenation, not just the authority component.
	s := &Spec{URI: raw, DeviceName: u.Host + u.Path}

	switch q.Get("domain") {
	case "child":
		s.Domain = DomainNexusChild
	case "block":
		s.Domain = DomainBlockDevice
	case "bdev_io":
		s.Domain = DomainBdevIo
	default:
		return nil, fmt.Errorf("faultinjection: unknown domain %q", q.Get("domain"))
	}
	switch q.Get("op") {
	case "r":
		s.Op = OpRead
	case "w":
		s.Op = OpWrite
	case "rw", "":
		s.Op = OpReadWrite
	default:
		return nil, fmt.Errorf("faultinjection: unknown op %q", q.Get("op"))
	}
	switch q.Get("stage") {
	case "submit", "":
		s.Stage = StageSubmission
	case "compl":
		s.Stage = StageCompletion
	default:
		return nil, fmt.Errorf("faultinjection: unknown stage %q", q.Get("stage"))
	}
	method := q.Get("method")
	switch {
	case method == "data":
		s.Method = MethodData
	case method == "":
		s.Method = MethodStatus
		s.ErrKind = cos.ErrIoFailed
	default:
		s.Method = MethodStatus
		s.ErrKind = statusKindOf(method)
	}
	if v := q.Get("offset"); v != "" {
		off, _ := strconv.ParseUint(v, 10, 64)
		n, _ := strconv.ParseUint(q.Get("num_blk"), 10, 64)
		if n == 0 {
			n = 1
		}
		s.LbaStart, s.LbaEnd, s.HasLba = off, off+n-1, true
	}
	if b := q.Get("begin"); b != "" {
		beginNs, err := parseWindowBound(b)
		if err != nil {
			return nil, fmt.Errorf("faultinjection: begin: %w", err)
		}
		endNs := int64(math.MaxInt64) // absent end leaves the window open
		if e := q.Get("end"); e != "" {
			endNs, err = parseWindowBound(e)
			if err != nil {
				return nil, fmt.Errorf("faultinjection: end: %w", err)
			}
		}
		s.BeginNs, s.EndNs, s.HasWindow = beginNs, endNs, true
	}
	if h := q.Get("hits"); h != "" {
		n, _ := strconv.ParseInt(h, 10, 64)
		s.MaxHits = n
	}
	return s, nil
}

// parseWindowBound accepts a signed millisecond offset from now, or an
// absolute RFC3339 timestamp.
func parseWindowBound(v string) (int64, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return mono.NanoTime() + ms*int64(time.Millisecond), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return 0, fmt.Errorf("expected millisecond offset or RFC3339 timestamp, got %q", v)
	}
	return mono.FromWallClock(t), nil
}

func statusKindOf(method string) cos.ErrKind {
	switch method {
	case "status-nomem":
		return cos.ErrNoMemory
	case "status-nospace":
		return cos.ErrLvolNoSpace
	case "status-admin":
		return cos.ErrAdminFailed
	case "status-nvme":
		return cos.ErrNvmeError
	default:
		return cos.ErrIoFailed
	}
}
