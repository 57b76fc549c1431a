package nvmf

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/nexusfabric/nexus-engine/cmn/cos"
	"github.com/nexusfabric/nexus-engine/core/bdev"
)

// nvmfDevice implements bdev.Device for the nvmf:// scheme: a Nexus child
// that is itself a network connection to a remote Target.
type nvmfDevice struct{}

func init() { bdev.Register(string(bdev.VariantNvmeOf), &nvmfDevice{}) }

func (d *nvmfDevice) Variant() bdev.Variant { return bdev.VariantNvmeOf }

func (d *nvmfDevice) Create(context.Context, *bdev.URI) error {
	return cos.NewDeviceError(cos.ErrNotSupported, "nvmf-create", fmt.Errorf("nvmf:// targets are created via Share, not Create"))
}

func (d *nvmfDevice) Destroy(context.Context, *bdev.URI) error { return nil }

func (d *nvmfDevice) Open(ctx context.Context, u *bdev.URI, _ bool) (bdev.Descriptor, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", u.Authority)
	if err != nil {
		return nil, cos.NewDeviceError(cos.ErrIoFailed, "nvmf-open", err)
	}
	blockLen := u.BlockSize(512)
	sizeBytes, _ := u.SizeMB()
	desc := &nvmfDescriptor{
		name:      "nvmf" + u.Authority + u.Path,
		conn:      conn,
		blockLen:  blockLen,
		sizeBytes: sizeBytes * 1024 * 1024,
	}
	return desc, nil
}

type nvmfDescriptor struct {
	mu        sync.Mutex
	name      string
	conn      net.Conn
	blockLen  uint32
	sizeBytes uint64
}

func (d *nvmfDescriptor) GetIOHandle() (bdev.Handle, error) { return d, nil }
func (d *nvmfDescriptor) Close() error                      { return d.conn.Close() }
func (d *nvmfDescriptor) Name() string                      { return d.name }
func (d *nvmfDescriptor) SizeBytes() uint64                 { return d.sizeBytes }
func (d *nvmfDescriptor) BlockSizeBytes() uint32            { return d.blockLen }

// roundTrip sends one frame and waits for its response; the underlying
// connection is request/response (no pipelining), matching the Target's
// one-frame-at-a-time serve loop.
func (d *nvmfDescriptor) roundTrip(req frame) (frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := writeFrame(d.conn, req); err != nil {
		return frame{}, cos.NewDeviceError(cos.ErrSubmissionFailed, "nvmf-send", err)
	}
	resp, err := readFrame(d.conn)
	if err != nil {
		return frame{}, cos.NewDeviceError(cos.ErrIoFailed, "nvmf-recv", err)
	}
	if resp.status != 0 {
		return frame{}, cos.NewDeviceError(cos.ErrKind(resp.status-1), "nvmf-remote", fmt.Errorf("remote op %d failed", resp.op))
	}
	return resp, nil
}

// Handle offsets arrive in bytes; frames address the remote Nexus in
// blocks.
func (d *nvmfDescriptor) blocksOf(n int) uint64 { return uint64(n) / uint64(d.blockLen) }

func (d *nvmfDescriptor) blkOff(byteOff uint64) uint64 { return byteOff / uint64(d.blockLen) }

func (d *nvmfDescriptor) ReadAt(_ context.Context, offset uint64, buf []byte) error {
	resp, err := d.roundTrip(frame{op: opRead, offset: d.blkOff(offset), length: d.blocksOf(len(buf))})
	if err != nil {
		return err
	}
	copy(buf, resp.payload)
	return nil
}

func (d *nvmfDescriptor) WriteAt(_ context.Context, offset uint64, buf []byte) error {
	_, err := d.roundTrip(frame{op: opWrite, offset: d.blkOff(offset), length: d.blocksOf(len(buf)), payload: buf, compress: true})
	return err
}

func (d *nvmfDescriptor) WritevAt(ctx context.Context, offset uint64, iovecs [][]byte) error {
	for _, iov := range iovecs {
		if err := d.WriteAt(ctx, offset, iov); err != nil {
			return err
		}
		offset += uint64(len(iov))
	}
	return nil
}

func (d *nvmfDescriptor) Flush(context.Context) error {
	_, err := d.roundTrip(frame{op: opFlush})
	return err
}

func (d *nvmfDescriptor) Unmap(_ context.Context, offset, length uint64) error {
	_, err := d.roundTrip(frame{op: opUnmap, offset: d.blkOff(offset), length: d.blkOff(length)})
	return err
}

func (d *nvmfDescriptor) WriteZeroes(_ context.Context, offset, length uint64) error {
	_, err := d.roundTrip(frame{op: opWriteZeroes, offset: d.blkOff(offset), length: d.blkOff(length)})
	return err
}

func (d *nvmfDescriptor) Reset(context.Context) error {
	_, err := d.roundTrip(frame{op: opReset})
	return err
}

func (d *nvmfDescriptor) NvmeAdminPassthrough(_ context.Context, opc uint8, cdw10, cdw11 uint32, buf []byte) error {
	resp, err := d.roundTrip(frame{op: opAdmin, opc: opc, cdw10: cdw10, cdw11: cdw11, payload: buf})
	if err != nil {
		return err
	}
	copy(buf, resp.payload)
	return nil
}
