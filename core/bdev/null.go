package bdev

import (
	"context"
	"fmt"

	"github.com/nexusfabric/nexus-engine/cmn/cos"
)

// nullDevice backs the null:// scheme: writes are discarded, reads return
// zeroed buffers, every call otherwise succeeds. Used for benchmarking the
// dispatch/fan-out path in isolation from real storage latency.
type nullDevice struct{}

func init() { Register(string(VariantNull), &nullDevice{}) }

type nullDescriptor struct {
	name      string
	blockLen  uint32
	sizeBytes uint64
}

func (d *nullDevice) Variant() Variant                     { return VariantNull }
func (d *nullDevice) Create(context.Context, *URI) error   { return nil }
func (d *nullDevice) Destroy(context.Context, *URI) error  { return nil }

func (d *nullDevice) Open(_ context.Context, u *URI, _ bool) (Descriptor, error) {
	mb, ok := u.SizeMB()
	if !ok {
		mb = 64
	}
	name := "null" + u.Path
	desc := &nullDescriptor{name: name, blockLen: u.BlockSize(512), sizeBytes: mb * 1024 * 1024}
	registerOpen(name, desc)
	return desc, nil
}

func (d *nullDescriptor) GetIOHandle() (Handle, error)  { return d, nil }
func (d *nullDescriptor) Close() error                  { unregisterOpen(d.name); return nil }
func (d *nullDescriptor) Name() string                  { return d.name }
func (d *nullDescriptor) SizeBytes() uint64              { return d.sizeBytes }
func (d *nullDescriptor) BlockSizeBytes() uint32         { return d.blockLen }

func (d *nullDescriptor) ReadAt(_ context.Context, _ uint64, buf []byte) error {
	for i := range buf {
		buf[i] = 0
	}
	return nil
}
func (d *nullDescriptor) WriteAt(context.Context, uint64, []byte) error { return nil }
func (d *nullDescriptor) WritevAt(context.Context, uint64, [][]byte) error { return nil }
func (d *nullDescriptor) Flush(context.Context) error                   { return nil }
func (d *nullDescriptor) Unmap(context.Context, uint64, uint64) error   { return nil }
func (d *nullDescriptor) WriteZeroes(context.Context, uint64, uint64) error { return nil }
func (d *nullDescriptor) Reset(context.Context) error                   { return nil }
func (d *nullDescriptor) NvmeAdminPassthrough(_ context.Context, opc uint8, _, _ uint32, _ []byte) error {
	if opc == OpcCreateSnapshot {
		return nil
	}
	return cos.NewDeviceError(cos.ErrAdminFailed, "null-admin", fmt.Errorf("opcode %#x not supported", opc))
}
