// inject.go wraps every opened Handle's data-path calls with a check
// against the process-wide fault-injection registry, at both submission
// and completion. The registry's atomic-bool fast path keeps this near
// free when nothing is registered.
/*
 * Copyright (c) 2024, Nexus Storage Project. All rights reserved.
 */
package bdev

import (
	"context"

	"github.com/nexusfabric/nexus-engine/core/faultinjection"
)

// wrapHandle decorates h so every data-path call is evaluated against
// faultinjection.Default before submission and after completion.
func wrapHandle(deviceName string, h Handle) Handle {
	return &injectingHandle{name: deviceName, h: h}
}

// injectingDescriptor decorates a Descriptor so GetIOHandle returns an
// injection-wrapped Handle; every Open path returns one of these
// regardless of variant.
type injectingDescriptor struct{ Descriptor }

func (d *injectingDescriptor) GetIOHandle() (Handle, error) {
	h, err := d.Descriptor.GetIOHandle()
	if err != nil {
		return nil, err
	}
	return wrapHandle(d.Descriptor.Name(), h), nil
}

type injectingHandle struct {
	name string
	h    Handle
}

func (w *injectingHandle) ReadAt(ctx context.Context, offset uint64, buf []byte) error {
	if err := faultinjection.Default.InjectSubmission(w.name, faultinjection.OpRead, offset); err != nil {
		return err
	}
	err := w.h.ReadAt(ctx, offset, buf)
	return faultinjection.Default.InjectCompletion(w.name, faultinjection.OpRead, offset, buf, err)
}

func (w *injectingHandle) WriteAt(ctx context.Context, offset uint64, buf []byte) error {
	if err := faultinjection.Default.InjectSubmission(w.name, faultinjection.OpWrite, offset); err != nil {
		return err
	}
	err := w.h.WriteAt(ctx, offset, buf)
	return faultinjection.Default.InjectCompletion(w.name, faultinjection.OpWrite, offset, nil, err)
}

func (w *injectingHandle) WritevAt(ctx context.Context, offset uint64, iovecs [][]byte) error {
	if err := faultinjection.Default.InjectSubmission(w.name, faultinjection.OpWrite, offset); err != nil {
		return err
	}
	err := w.h.WritevAt(ctx, offset, iovecs)
	return faultinjection.Default.InjectCompletion(w.name, faultinjection.OpWrite, offset, nil, err)
}

func (w *injectingHandle) Flush(ctx context.Context) error {
	return w.h.Flush(ctx)
}

func (w *injectingHandle) Unmap(ctx context.Context, offset, length uint64) error {
	if err := faultinjection.Default.InjectSubmission(w.name, faultinjection.OpWrite, offset); err != nil {
		return err
	}
	err := w.h.Unmap(ctx, offset, length)
	return faultinjection.Default.InjectCompletion(w.name, faultinjection.OpWrite, offset, nil, err)
}

func (w *injectingHandle) WriteZeroes(ctx context.Context, offset, length uint64) error {
	if err := faultinjection.Default.InjectSubmission(w.name, faultinjection.OpWrite, offset); err != nil {
		return err
	}
	err := w.h.WriteZeroes(ctx, offset, length)
	return faultinjection.Default.InjectCompletion(w.name, faultinjection.OpWrite, offset, nil, err)
}

func (w *injectingHandle) Reset(ctx context.Context) error {
	return w.h.Reset(ctx)
}

func (w *injectingHandle) NvmeAdminPassthrough(ctx context.Context, opc uint8, cdw10, cdw11 uint32, buf []byte) error {
	return w.h.NvmeAdminPassthrough(ctx, opc, cdw10, cdw11, buf)
}
