// file.go backs the aio:// and uring:// schemes with a real file
// descriptor. Both schemes share one implementation: the distinction
// between Linux AIO and io_uring submission is a kernel-interface detail
// owned by the host block layer; this engine only needs the
// read_at/write_at/flush contract, which both present identically.
/*
 * Copyright (c) 2024, Nexus Storage Project. All rights reserved.
 */
package bdev

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nexusfabric/nexus-engine/cmn/cos"
	"github.com/nexusfabric/nexus-engine/cmn/nlog"
)

type fileDevice struct{ variant Variant }

func init() {
	Register(string(VariantAio), &fileDevice{variant: VariantAio})
	Register(string(VariantUring), &fileDevice{variant: VariantUring})
}

func (d *fileDevice) Variant() Variant { return d.variant }

func (d *fileDevice) Create(_ context.Context, u *URI) error {
	mb, ok := u.SizeMB()
	if !ok {
		return cos.NewDeviceError(cos.ErrNotSupported, "file-create", fmt.Errorf("size_mb required"))
	}
	f, err := os.OpenFile(u.Path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return cos.NewDeviceError(cos.ErrIoFailed, "file-create", err)
	}
	defer f.Close()
	return f.Truncate(int64(mb) * 1024 * 1024)
}

func (d *fileDevice) Destroy(_ context.Context, u *URI) error {
	if err := os.Remove(u.Path); err != nil && !os.IsNotExist(err) {
		return cos.NewDeviceError(cos.ErrIoFailed, "file-destroy", err)
	}
	return nil
}

type fileDescriptor struct {
	mu       sync.Mutex
	name     string
	variant  Variant
	path     string
	blockLen uint32
	f        *os.File
	size     uint64
	stopSampler chan struct{}
}

func (d *fileDevice) Open(_ context.Context, u *URI, readWrite bool) (Descriptor, error) {
	flags := os.O_RDONLY
	if readWrite {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(u.Path, flags, 0o644)
	if err != nil {
		return nil, cos.NewDeviceError(cos.ErrIoFailed, "file-open", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, cos.NewDeviceError(cos.ErrIoFailed, "file-stat", err)
	}
	name := string(d.variant) + u.Path
	desc := &fileDescriptor{
		name: name, variant: d.variant, path: u.Path,
		blockLen: u.BlockSize(512), f: f, size: uint64(fi.Size()),
	}
	registerOpen(name, desc)
	desc.startIostatSampler()
	return desc, nil
}

// startIostatSampler periodically samples host drive stats and logs them
// at debug level, feeding child-health triage. Best effort: it starts for
// every file device, and a tick whose stat read fails is silently skipped.
func (d *fileDescriptor) startIostatSampler() {
	d.stopSampler = make(chan struct{})
	go func() {
		t := time.NewTicker(30 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-d.stopSampler:
				return
			case <-t.C:
				names, err := driveStatNames()
				if err != nil {
					continue
				}
				for _, name := range names {
					nlog.Debugf("bdev %s host-iostat drive=%s", d.name, name)
				}
			}
		}
	}()
}

func (d *fileDescriptor) GetIOHandle() (Handle, error) { return d, nil }

func (d *fileDescriptor) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopSampler != nil {
		close(d.stopSampler)
		d.stopSampler = nil
	}
	unregisterOpen(d.name)
	return d.f.Close()
}

func (d *fileDescriptor) Name() string          { return d.name }
func (d *fileDescriptor) SizeBytes() uint64      { return d.size }
func (d *fileDescriptor) BlockSizeBytes() uint32 { return d.blockLen }

func (d *fileDescriptor) ReadAt(_ context.Context, offset uint64, buf []byte) error {
	if _, err := d.f.ReadAt(buf, int64(offset)); err != nil {
		return cos.NewDeviceError(cos.ErrIoFailed, "file-read", err)
	}
	return nil
}

func (d *fileDescriptor) WriteAt(_ context.Context, offset uint64, buf []byte) error {
	if _, err := d.f.WriteAt(buf, int64(offset)); err != nil {
		return cos.NewDeviceError(cos.ErrIoFailed, "file-write", err)
	}
	return nil
}

func (d *fileDescriptor) WritevAt(ctx context.Context, offset uint64, iovecs [][]byte) error {
	for _, iov := range iovecs {
		if err := d.WriteAt(ctx, offset, iov); err != nil {
			return err
		}
		offset += uint64(len(iov))
	}
	return nil
}

func (d *fileDescriptor) Flush(context.Context) error {
	if err := d.f.Sync(); err != nil {
		return cos.NewDeviceError(cos.ErrIoFailed, "file-flush", err)
	}
	return nil
}

func (d *fileDescriptor) Unmap(_ context.Context, offset, length uint64) error {
	if err := punchHole(d.f, offset, length); err != nil {
		return cos.NewDeviceError(cos.ErrNotSupported, "file-unmap", err)
	}
	return nil
}

func (d *fileDescriptor) WriteZeroes(ctx context.Context, offset, length uint64) error {
	zeros := make([]byte, length)
	return d.WriteAt(ctx, offset, zeros)
}

func (d *fileDescriptor) Reset(context.Context) error { return nil }

func (d *fileDescriptor) NvmeAdminPassthrough(_ context.Context, opc uint8, _, _ uint32, _ []byte) error {
	if opc == OpcCreateSnapshot {
		return nil
	}
	return cos.NewDeviceError(cos.ErrAdminFailed, "file-admin", fmt.Errorf("opcode %#x not supported", opc))
}
