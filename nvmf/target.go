package nvmf

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"time"

	"github.com/nexusfabric/nexus-engine/cmn/config"
	"github.com/nexusfabric/nexus-engine/cmn/cos"
	"github.com/nexusfabric/nexus-engine/cmn/nlog"
	"github.com/nexusfabric/nexus-engine/core/nexus"
)

// Target shares one Nexus over a TCP listener, dispatching each accepted
// connection's frames onto the Nexus's data path.
type Target struct {
	n             *nexus.Nexus
	listener      net.Listener
	reservation   uint64
	compress      bool
	connWg        sync.WaitGroup
	closed        atomic.Bool
}

// Share starts listening on addr and returns the Target; the listener's
// address becomes the Nexus's ShareURI.
func Share(n *nexus.Nexus, addr string, compress bool) (*Target, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, cos.NewDeviceError(cos.ErrSubmissionFailed, "nvmf-share", err)
	}
	t := &Target{n: n, listener: l, reservation: DeriveReservationKey(n.UUID), compress: compress}
	n.SetShareURI("nvmf://" + l.Addr().String())
	go t.acceptLoop()
	return t, nil
}

// Unshare stops accepting new connections and waits for in-flight ones to
// drain.
func (t *Target) Unshare() error {
	t.closed.Store(true)
	err := t.listener.Close()
	t.connWg.Wait()
	t.n.SetShareURI("")
	return err
}

func (t *Target) Addr() string { return t.listener.Addr().String() }

func (t *Target) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.closed.Load() {
				return
			}
			nlog.Warnf("nvmf target %s: accept: %v", t.n.Name, err)
			return
		}
		t.connWg.Add(1)
		go func() {
			defer t.connWg.Done()
			t.serve(conn)
		}()
	}
}

// keepAlive bounds how long a connection may sit idle between frames before
// it is treated as lost.
func keepAlive() time.Duration {
	ns := config.GCO.Get().Nvmf.KeepAliveNs
	if ns <= 0 {
		ns = int64(15 * time.Second)
	}
	return time.Duration(ns)
}

func (t *Target) serve(conn net.Conn) {
	defer conn.Close()
	ctx := context.Background()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(keepAlive()))
		req, err := readFrame(conn)
		if err != nil {
			return // EOF, idle timeout, or transport error: connection done
		}
		resp := t.handle(ctx, req)
		if err := writeFrame(conn, resp); err != nil {
			return
		}
	}
}

func (t *Target) handle(ctx context.Context, req frame) frame {
	blockLen := uint64(t.n.BlockSize())
	resp := frame{op: req.op, compress: t.compress}

	switch req.op {
	case opRead:
		buf := make([]byte, req.length*blockLen)
		err := t.n.Read(ctx, req.offset, buf)
		if err != nil {
			return errFrame(req.op, err)
		}
		resp.payload = buf
	case opWrite:
		_, err := t.n.Write(ctx, req.offset, [][]byte{req.payload})
		if err != nil {
			return errFrame(req.op, err)
		}
	case opFlush:
		if err := t.n.Flush(ctx); err != nil {
			return errFrame(req.op, err)
		}
	case opUnmap:
		if err := t.n.Unmap(ctx, req.offset, req.length); err != nil {
			return errFrame(req.op, err)
		}
	case opWriteZeroes:
		if err := t.n.WriteZeroes(ctx, req.offset, req.length); err != nil {
			return errFrame(req.op, err)
		}
	case opReset:
		if err := t.n.Reset(ctx); err != nil {
			return errFrame(req.op, err)
		}
	case opAdmin:
		buf := req.payload
		if err := t.n.AdminPassthrough(ctx, req.opc, req.cdw10, req.cdw11, buf); err != nil {
			return errFrame(req.op, err)
		}
		resp.payload = buf
	default:
		return errFrame(req.op, cos.NewDeviceError(cos.ErrNotSupported, "nvmf-dispatch", errUnknownOp))
	}
	return resp
}

var errUnknownOp = deviceErrorText("unknown nvmf op")

type deviceErrorText string

func (e deviceErrorText) Error() string { return string(e) }

func errFrame(op opKind, err error) frame {
	kind := cos.ErrIoFailed
	var de *cos.DeviceError
	if errors.As(err, &de) {
		kind = de.Kind
	}
	return frame{op: op, status: uint8(kind) + 1}
}
