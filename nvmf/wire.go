// Package nvmf implements a simplified NVMe-oF TCP front-end: a Target that
// shares a Nexus over a plain TCP socket, and a bdev.Device client driver
// for the nvmf:// scheme that dials a Target and satisfies the same
// read/write/flush/unmap/admin capability as any other backend.
//
// A production deployment fronts the Nexus with a real NVMe/TCP target
// (capsules, SGLs, RDMA offload on some transports); that stack lives
// outside this engine. This front-end keeps the same four concerns
// (share/unshare, per-command dispatch, reservation/preempt keys, optional
// payload compression) over a length-prefixed binary frame instead of the
// full NVMe/TCP PDU layout.
/*
 * Copyright (c) 2024, Nexus Storage Project. All rights reserved.
 */
package nvmf

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v3"
)

type opKind uint8

const (
	opRead opKind = iota
	opWrite
	opFlush
	opUnmap
	opWriteZeroes
	opReset
	opAdmin
)

// frame is the wire envelope: a fixed header followed by an optional
// payload, LZ4-compressed when compress is true and the compressed form
// is actually smaller.
type frame struct {
	op       opKind
	status   uint8 // 0 = ok, nonzero = cos.ErrKind value + 1
	offset   uint64
	length   uint64 // in blocks, for read/write/unmap/write-zeroes
	opc      uint8  // valid when op == opAdmin
	cdw10    uint32
	cdw11    uint32
	compress bool
	payload  []byte
}

// headerSize covers every fixed field up to and including the two trailing
// length words (rawLen, wireLen).
const headerSize = 1 + 1 + 8 + 8 + 1 + 4 + 4 + 1 + 4 + 4

func writeFrame(w io.Writer, f frame) error {
	payload := f.payload
	rawLen := len(payload)
	compress := f.compress && rawLen > 0
	if compress {
		bound := lz4.CompressBlockBound(rawLen)
		dst := make([]byte, bound)
		n, err := lz4.CompressBlock(payload, dst, nil)
		if err != nil {
			return fmt.Errorf("nvmf: compress: %w", err)
		}
		if n > 0 && n < rawLen {
			payload = dst[:n]
		} else {
			compress = false
		}
	}
	hdr := make([]byte, headerSize)
	hdr[0] = byte(f.op)
	hdr[1] = f.status
	binary.BigEndian.PutUint64(hdr[2:10], f.offset)
	binary.BigEndian.PutUint64(hdr[10:18], f.length)
	hdr[18] = f.opc
	binary.BigEndian.PutUint32(hdr[19:23], f.cdw10)
	binary.BigEndian.PutUint32(hdr[23:27], f.cdw11)
	if compress {
		hdr[27] = 1
	}
	binary.BigEndian.PutUint32(hdr[28:32], uint32(rawLen))
	binary.BigEndian.PutUint32(hdr[32:36], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// readFrame reads one frame. The second return value of headerSize's
// trailing fields (raw vs wire length) lets the decompressor allocate the
// exact uncompressed size without the caller needing to know it up front.
func readFrame(r io.Reader) (frame, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return frame{}, err
	}
	f := frame{
		op:     opKind(hdr[0]),
		status: hdr[1],
		offset: binary.BigEndian.Uint64(hdr[2:10]),
		length: binary.BigEndian.Uint64(hdr[10:18]),
		opc:    hdr[18],
		cdw10:  binary.BigEndian.Uint32(hdr[19:23]),
		cdw11:  binary.BigEndian.Uint32(hdr[23:27]),
	}
	compressed := hdr[27] == 1
	rawLen := binary.BigEndian.Uint32(hdr[28:32])
	wireLen := binary.BigEndian.Uint32(hdr[32:36])
	if wireLen > 0 {
		buf := make([]byte, wireLen)
		if _, err := io.ReadFull(r, buf); err != nil {
			return frame{}, err
		}
		if compressed {
			dst := make([]byte, rawLen)
			n, err := lz4.UncompressBlock(buf, dst)
			if err != nil {
				return frame{}, fmt.Errorf("nvmf: decompress: %w", err)
			}
			f.payload = dst[:n]
		} else {
			f.payload = buf
		}
	}
	return f, nil
}
