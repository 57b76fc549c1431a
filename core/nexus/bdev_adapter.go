// nexus:// block-device driver: exposes a Nexus from the default registry
// as a child device, so one Nexus can mirror onto another. device_create
// on a nexus:// URI builds the Nexus itself from the size= and children=
// query parameters.
/*
 * Copyright (c) 2024, Nexus Storage Project. All rights reserved.
 */
package nexus

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nexusfabric/nexus-engine/cmn/config"
	"github.com/nexusfabric/nexus-engine/cmn/cos"
	"github.com/nexusfabric/nexus-engine/core/bdev"
)

// DefaultRegistry is the process-wide registry the nexus:// driver (and
// nexusd) resolve names against.
var DefaultRegistry = NewRegistry()

// ParamsFromConfig builds dispatch/rebuild tuning from the loaded config.
func ParamsFromConfig(numCores int) Params {
	cfg := config.GCO.Get()
	return Params{
		SegmentSizeBytes:   uint32(cfg.Rebuild.SegmentSizeBytes),
		TaskPoolSize:       cfg.Rebuild.TaskPoolSize,
		MaxTaskRetries:     cfg.Rebuild.MaxTaskRetries,
		MaxIoAttempts:      cfg.Child.MaxIoAttempts,
		ErrorWindowDepth:   cfg.Child.ErrorWindowDepth,
		ErrorWindowRetNs:   cfg.Child.ErrorWindowRetNs,
		ErrorWindowMaxErrs: cfg.Child.ErrorWindowMaxErrs,
		NumCores:           numCores,
	}
}

// parseHumanSize accepts a byte count with an optional KiB/MiB/GiB suffix.
func parseHumanSize(v string) (uint64, error) {
	mult := uint64(1)
	for _, u := range []struct {
		suffix string
		mult   uint64
	}{{"GiB", 1 << 30}, {"MiB", 1 << 20}, {"KiB", 1 << 10}} {
		if strings.HasSuffix(v, u.suffix) {
			v = strings.TrimSuffix(v, u.suffix)
			mult = u.mult
			break
		}
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", v, err)
	}
	return n * mult, nil
}

type nexusDevice struct{}

func init() { bdev.Register(string(bdev.VariantNexus), nexusDevice{}) }

func (nexusDevice) Variant() bdev.Variant { return bdev.VariantNexus }

func nameOf(u *bdev.URI) string { return strings.TrimPrefix(u.Authority+u.Path, "/") }

func (nexusDevice) Create(ctx context.Context, u *bdev.URI) error {
	name := nameOf(u)
	if _, ok := DefaultRegistry.Get(name); ok {
		return fmt.Errorf("%w: nexus %s", ErrAlreadyExists, name)
	}
	size, err := parseHumanSize(u.Query.Get("size"))
	if err != nil {
		return fmt.Errorf("%w: %v", bdev.ErrInvalidURI, err)
	}
	children := strings.Split(u.Query.Get("children"), ",")
	n, err := Create(ctx, name, "", size, children, ParamsFromConfig(4))
	if err != nil {
		return err
	}
	DefaultRegistry.Add(n)
	return nil
}

func (nexusDevice) Destroy(ctx context.Context, u *bdev.URI) error {
	name := nameOf(u)
	n, ok := DefaultRegistry.Get(name)
	if !ok {
		return nil
	}
	if err := n.Destroy(ctx); err != nil {
		return err
	}
	DefaultRegistry.Remove(name)
	return nil
}

func (nexusDevice) Open(_ context.Context, u *bdev.URI, _ bool) (bdev.Descriptor, error) {
	name := nameOf(u)
	n, ok := DefaultRegistry.Get(name)
	if !ok {
		return nil, cos.NewDeviceError(cos.ErrIoFailed, "nexus-open", fmt.Errorf("no nexus named %q", name))
	}
	return &nexusDescriptor{n: n}, nil
}

// nexusDescriptor adapts a Nexus onto the bdev capability. Handle offsets
// arrive in bytes and are translated to the Nexus's block addressing.
type nexusDescriptor struct{ n *Nexus }

func (d *nexusDescriptor) GetIOHandle() (bdev.Handle, error) { return d, nil }
func (d *nexusDescriptor) Close() error                      { return nil }
func (d *nexusDescriptor) Name() string                      { return "nexus/" + d.n.Name }
func (d *nexusDescriptor) SizeBytes() uint64                 { return d.n.SizeBytes() }
func (d *nexusDescriptor) BlockSizeBytes() uint32            { return d.n.BlockSize() }

func (d *nexusDescriptor) lbn(byteOff uint64) uint64 { return byteOff / uint64(d.n.BlockSize()) }

func (d *nexusDescriptor) ReadAt(ctx context.Context, offset uint64, buf []byte) error {
	return d.n.Read(ctx, d.lbn(offset), buf)
}

func (d *nexusDescriptor) WriteAt(ctx context.Context, offset uint64, buf []byte) error {
	_, err := d.n.Write(ctx, d.lbn(offset), [][]byte{buf})
	return err
}

func (d *nexusDescriptor) WritevAt(ctx context.Context, offset uint64, iovecs [][]byte) error {
	_, err := d.n.Write(ctx, d.lbn(offset), iovecs)
	return err
}

func (d *nexusDescriptor) Flush(ctx context.Context) error { return d.n.Flush(ctx) }

func (d *nexusDescriptor) Unmap(ctx context.Context, offset, length uint64) error {
	return d.n.Unmap(ctx, d.lbn(offset), d.lbn(length))
}

func (d *nexusDescriptor) WriteZeroes(ctx context.Context, offset, length uint64) error {
	return d.n.WriteZeroes(ctx, d.lbn(offset), d.lbn(length))
}

func (d *nexusDescriptor) Reset(ctx context.Context) error { return d.n.Reset(ctx) }

func (d *nexusDescriptor) NvmeAdminPassthrough(ctx context.Context, opc uint8, cdw10, cdw11 uint32, buf []byte) error {
	return d.n.AdminPassthrough(ctx, opc, cdw10, cdw11, buf)
}
