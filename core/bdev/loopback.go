/*
 * Copyright (c) 2024, Nexus Storage Project. All rights reserved.
 */
package bdev

import (
	"context"
	"fmt"

	"github.com/nexusfabric/nexus-engine/cmn/cos"
)

// loopbackDevice backs the loopback:// scheme: it resolves an already-open
// device by name and hands out a second descriptor onto it. Closing the
// loopback never closes the underlying device.
type loopbackDevice struct{}

func init() { Register(string(VariantLoopback), &loopbackDevice{}) }

func (d *loopbackDevice) Variant() Variant { return VariantLoopback }

func (d *loopbackDevice) Create(context.Context, *URI) error {
	return cos.NewDeviceError(cos.ErrNotSupported, "loopback-create", fmt.Errorf("loopback targets an existing device"))
}

func (d *loopbackDevice) Destroy(context.Context, *URI) error { return nil }

func (d *loopbackDevice) Open(_ context.Context, u *URI, _ bool) (Descriptor, error) {
	name := u.Authority + u.Path
	target, ok := LookupByName(name)
	if !ok {
		return nil, cos.NewDeviceError(cos.ErrIoFailed, "loopback-open", fmt.Errorf("no open device named %q", name))
	}
	return &loopbackDescriptor{Descriptor: target}, nil
}

type loopbackDescriptor struct{ Descriptor }

func (d *loopbackDescriptor) Close() error { return nil }
