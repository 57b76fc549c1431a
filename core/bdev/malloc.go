package bdev

import (
	"context"
	"fmt"
	"sync"

	"github.com/nexusfabric/nexus-engine/cmn/cos"
)

// mallocDevice backs the malloc:// scheme with an in-memory byte slab.
// Used pervasively in tests as the cheapest real child.
type mallocDevice struct{}

func init() { Register(string(VariantMalloc), &mallocDevice{}) }

var mallocStoreMu sync.Mutex

type mallocDescriptor struct {
	mu        sync.Mutex
	name      string
	blockLen  uint32
	sizeBytes uint64
	data      []byte
	closed    bool
}

func (d *mallocDevice) Variant() Variant { return VariantMalloc }

var mallocStore = map[string][]byte{}

func (d *mallocDevice) Create(_ context.Context, u *URI) error {
	mb, ok := u.SizeMB()
	if !ok {
		return cos.NewDeviceError(cos.ErrNotSupported, "malloc-create", fmt.Errorf("size_mb required"))
	}
	mallocStoreMu.Lock()
	mallocStore[u.Path] = make([]byte, mb*1024*1024)
	mallocStoreMu.Unlock()
	return nil
}

func (d *mallocDevice) Destroy(_ context.Context, u *URI) error {
	mallocStoreMu.Lock()
	delete(mallocStore, u.Path)
	mallocStoreMu.Unlock()
	return nil
}

func (d *mallocDevice) Open(_ context.Context, u *URI, _ bool) (Descriptor, error) {
	mallocStoreMu.Lock()
	buf, ok := mallocStore[u.Path]
	if !ok {
		mb, ok := u.SizeMB()
		if !ok {
			mb = 64
		}
		buf = make([]byte, mb*1024*1024)
		mallocStore[u.Path] = buf
	}
	mallocStoreMu.Unlock()
	blockLen := u.BlockSize(512)
	name := "malloc" + u.Path
	desc := &mallocDescriptor{name: name, blockLen: blockLen, sizeBytes: uint64(len(buf)), data: buf}
	registerOpen(name, desc)
	return desc, nil
}

func (d *mallocDescriptor) GetIOHandle() (Handle, error) { return d, nil }

func (d *mallocDescriptor) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	unregisterOpen(d.name)
	return nil
}

func (d *mallocDescriptor) Name() string             { return d.name }
func (d *mallocDescriptor) SizeBytes() uint64         { return d.sizeBytes }
func (d *mallocDescriptor) BlockSizeBytes() uint32    { return d.blockLen }

func (d *mallocDescriptor) bounds(offset uint64, n int) error {
	if d.closed {
		return cos.NewDeviceError(cos.ErrIoFailed, "malloc", fmt.Errorf("device closed"))
	}
	if offset+uint64(n) > d.sizeBytes {
		return cos.NewDeviceError(cos.ErrIoFailed, "malloc", fmt.Errorf("out of range: off=%d len=%d size=%d", offset, n, d.sizeBytes))
	}
	return nil
}

func (d *mallocDescriptor) ReadAt(_ context.Context, offset uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.bounds(offset, len(buf)); err != nil {
		return err
	}
	copy(buf, d.data[offset:offset+uint64(len(buf))])
	return nil
}

func (d *mallocDescriptor) WriteAt(_ context.Context, offset uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.bounds(offset, len(buf)); err != nil {
		return err
	}
	copy(d.data[offset:offset+uint64(len(buf))], buf)
	return nil
}

func (d *mallocDescriptor) WritevAt(ctx context.Context, offset uint64, iovecs [][]byte) error {
	for _, iov := range iovecs {
		if err := d.WriteAt(ctx, offset, iov); err != nil {
			return err
		}
		offset += uint64(len(iov))
	}
	return nil
}

func (d *mallocDescriptor) Flush(context.Context) error { return nil }

func (d *mallocDescriptor) Unmap(_ context.Context, offset, length uint64) error {
	return d.WriteZeroes(context.Background(), offset, length)
}

func (d *mallocDescriptor) WriteZeroes(_ context.Context, offset, length uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.bounds(offset, int(length)); err != nil {
		return err
	}
	z := d.data[offset : offset+length]
	for i := range z {
		z[i] = 0
	}
	return nil
}

func (d *mallocDescriptor) Reset(context.Context) error { return nil }

func (d *mallocDescriptor) NvmeAdminPassthrough(_ context.Context, opc uint8, _, _ uint32, _ []byte) error {
	if opc == OpcCreateSnapshot {
		return nil
	}
	return cos.NewDeviceError(cos.ErrAdminFailed, "malloc-admin", fmt.Errorf("opcode %#x not supported", opc))
}

// OpcCreateSnapshot is the custom admin opcode fanned out on shared
// nexuses; CDW10||CDW11 carry a 64-bit epoch-seconds snapshot timestamp.
const OpcCreateSnapshot uint8 = 0xC0
