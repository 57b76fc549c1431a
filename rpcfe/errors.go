// Package rpcfe exposes the admin control surface (create/destroy/list
// nexus, publish/unpublish, add/remove child, child_operation, fault) over
// HTTP, the same operations a real gRPC service would dispatch to.
/*
 * Copyright (c) 2024, Nexus Storage Project. All rights reserved.
 */
package rpcfe

import (
	"errors"

	pkgerrors "github.com/pkg/errors"

	"github.com/nexusfabric/nexus-engine/core/bdev"
	"github.com/nexusfabric/nexus-engine/core/nexus"
)

// Code mirrors the subset of gRPC status codes this front-end needs.
type Code int

const (
	CodeOK Code = iota
	CodeInvalidArgument
	CodeNotFound
	CodeAlreadyExists
	CodeFailedPrecondition
	CodeInternal
)

func (c Code) String() string {
	switch c {
	case CodeInvalidArgument:
		return "InvalidArgument"
	case CodeNotFound:
		return "NotFound"
	case CodeAlreadyExists:
		return "AlreadyExists"
	case CodeFailedPrecondition:
		return "FailedPrecondition"
	case CodeInternal:
		return "Internal"
	default:
		return "OK"
	}
}

// httpStatus maps a Code onto the HTTP status fasthttp writes for it.
func (c Code) httpStatus() int {
	switch c {
	case CodeInvalidArgument:
		return 400
	case CodeNotFound:
		return 404
	case CodeAlreadyExists:
		return 409
	case CodeFailedPrecondition:
		return 412
	case CodeInternal:
		return 500
	default:
		return 200
	}
}

// rpcError is the JSON error body returned on any non-OK code.
type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classify maps a core/nexus admin error onto its gRPC-equivalent code
// (create_nexus, add_child_nexus etc. all return errors built this way).
func classify(err error) Code {
	if err == nil {
		return CodeOK
	}
	switch {
	case errors.Is(err, nexus.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, nexus.ErrAlreadyExists):
		return CodeAlreadyExists
	case errors.Is(err, nexus.ErrPrecondition):
		return CodeFailedPrecondition
	case errors.Is(err, bdev.ErrInvalidURI), errors.Is(err, errInvalidURI), errors.Is(err, errInvalidAction):
		return CodeInvalidArgument
	default:
		return CodeInternal
	}
}

// wrap adds call-site context the way pkg/errors traces admin-boundary
// failures, without discarding the original error for classify to inspect.
func wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrap(err, context)
}

var (
	errInvalidURI    = errors.New("malformed child uri")
	errInvalidAction = errors.New("unknown child_operation action")
)
