// Package bdev is the block-device abstraction: a narrow capability
// (open/close/read/write/flush/unmap) uniform over AIO, uring, NVMe PCIe,
// NVMe-oF, malloc, null, loopback and Nexus-as-child variants, selected
// from the URI scheme.
/*
 * Copyright (c) 2024, Nexus Storage Project. All rights reserved.
 */
package bdev

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/nexusfabric/nexus-engine/cmn/cos"
)

// Variant is the closed set of device kinds selected from a URI scheme.
type Variant string

const (
	VariantAio      Variant = "aio"
	VariantUring    Variant = "uring"
	VariantNvmePcie Variant = "pcie"
	VariantNvmeOf   Variant = "nvmf"
	VariantMalloc   Variant = "malloc"
	VariantNull     Variant = "null"
	VariantLoopback Variant = "loopback"
	VariantNexus    Variant = "nexus"
)

// Handle is the per-channel I/O capability. Offsets and lengths are in
// bytes. Every call is cancellable via ctx and returns *cos.DeviceError on
// failure.
type Handle interface {
	ReadAt(ctx context.Context, offset uint64, buf []byte) error
	WriteAt(ctx context.Context, offset uint64, buf []byte) error
	WritevAt(ctx context.Context, offset uint64, iovecs [][]byte) error
	Flush(ctx context.Context) error
	Unmap(ctx context.Context, offset, length uint64) error
	WriteZeroes(ctx context.Context, offset, length uint64) error
	Reset(ctx context.Context) error
	NvmeAdminPassthrough(ctx context.Context, opc uint8, cdw10, cdw11 uint32, buf []byte) error
}

// Descriptor is the opened-device handle; GetIOHandle returns the data-path
// capability.
type Descriptor interface {
	GetIOHandle() (Handle, error)
	Close() error
	Name() string
	SizeBytes() uint64
	BlockSizeBytes() uint32
}

// Device is the capability a scheme driver registers: it can create/destroy
// the backing store and open a Descriptor against a parsed URI.
type Device interface {
	Variant() Variant
	Open(ctx context.Context, u *URI, readWrite bool) (Descriptor, error)
	Create(ctx context.Context, u *URI) error
	Destroy(ctx context.Context, u *URI) error
}

// URI is the parsed form of a Nexus child or export URI. Unknown query
// parameters are rejected at parse time.
type URI struct {
	Scheme    string
	Authority string // host:port for network schemes
	Path      string
	Raw       string
	Query     url.Values
}

var ErrInvalidURI = fmt.Errorf("invalid uri")

// knownParams lists every query parameter any driver in this package
// understands; Parse rejects anything outside this set.
var knownParams = map[string]bool{
	"blk_size": true, "uuid": true, "size_mb": true, "children": true,
	"size": true, "subnqn": true,
}

func Parse(raw string) (*URI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidURI, raw, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("%w: %s: missing scheme", ErrInvalidURI, raw)
	}
	for k := range u.Query() {
		if !knownParams[k] {
			return nil, fmt.Errorf("%w: %s: unknown parameter %q", ErrInvalidURI, raw, k)
		}
	}
	return &URI{
		Scheme:    u.Scheme,
		Authority: u.Host,
		Path:      u.Path,
		Raw:       raw,
		Query:     u.Query(),
	}, nil
}

func (u *URI) BlockSize(defaultSz uint32) uint32 {
	if v := u.Query.Get("blk_size"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err == nil {
			return uint32(n)
		}
	}
	return defaultSz
}

func (u *URI) SizeMB() (uint64, bool) {
	v := u.Query.Get("size_mb")
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	return n, err == nil
}

// registry maps a URI scheme to its Device driver. Populated by each
// variant's init() via Register.
var registry = map[string]Device{}

func Register(scheme string, d Device) { registry[scheme] = d }

func Lookup(scheme string) (Device, error) {
	d, ok := registry[scheme]
	if !ok {
		return nil, cos.NewDeviceError(cos.ErrNotSupported, "lookup", fmt.Errorf("unknown scheme %q", scheme))
	}
	return d, nil
}

// Open resolves the URI's scheme to a driver and opens it.
func Open(ctx context.Context, rawURI string, readWrite bool) (Descriptor, error) {
	u, err := Parse(rawURI)
	if err != nil {
		return nil, err
	}
	d, err := Lookup(u.Scheme)
	if err != nil {
		return nil, err
	}
	desc, err := d.Open(ctx, u, readWrite)
	if err != nil {
		return nil, err
	}
	return &injectingDescriptor{Descriptor: desc}, nil
}

// LookupByName finds an already-open Descriptor by its driver-reported
// device name. Backed by a process-wide registry populated on successful
// Open and cleared on Close.
var (
	openByNameMu sync.RWMutex
	openByName   = map[string]Descriptor{}
)

func registerOpen(name string, d Descriptor) {
	openByNameMu.Lock()
	openByName[name] = d
	openByNameMu.Unlock()
}

func unregisterOpen(name string) {
	openByNameMu.Lock()
	delete(openByName, name)
	openByNameMu.Unlock()
}

func LookupByName(name string) (Descriptor, bool) {
	openByNameMu.RLock()
	defer openByNameMu.RUnlock()
	d, ok := openByName[name]
	return d, ok
}

func DeviceCreate(ctx context.Context, rawURI string) error {
	u, err := Parse(rawURI)
	if err != nil {
		return err
	}
	d, err := Lookup(u.Scheme)
	if err != nil {
		return err
	}
	return d.Create(ctx, u)
}

func DeviceDestroy(ctx context.Context, rawURI string) error {
	u, err := Parse(rawURI)
	if err != nil {
		return err
	}
	d, err := Lookup(u.Scheme)
	if err != nil {
		return err
	}
	return d.Destroy(ctx, u)
}
