package dynmesh

import (
	"errors"

	"github.com/gogpu/dynmesh/internal/assert"
	"github.com/gogpu/dynmesh/internal/device"
	"github.com/gogpu/dynmesh/internal/patch"
)

var (
	// ErrNoPatches is returned by New for an empty partition.
	ErrNoPatches = errors.New("dynmesh: partition has no patches")

	// ErrInvalidInput is returned by New for an inconsistent partition or
	// invalid options.
	ErrInvalidInput = patch.ErrInvalidInput

	// ErrScratchLimit is returned by PrepareLaunchBox when the per-block
	// footprint exceeds the configured scratch limit.
	ErrScratchLimit = errors.New("dynmesh: launch scratch exceeds limit")

	// ErrNoDevice is returned when a device feature is used on a mesh
	// created without WithDevice or WithHAL.
	ErrNoDevice = device.ErrNoDevice

	// ErrClosed is returned by operations on a closed mesh.
	ErrClosed = errors.New("dynmesh: mesh closed")

	// ErrInconsistent wraps the first violation found by Check.
	ErrInconsistent = errors.New("dynmesh: mesh inconsistent")

	// ErrRetry is returned by a kernel that could not finish its patch,
	// typically because an insertion would not fit. The patch's edits are
	// discarded and the patch is requeued.
	ErrRetry = errors.New("dynmesh: retry patch")
)

// Violation is the panic value of a fatal provisioning or consistency
// failure: patch ids exhausted, a full stash, a scratch overflow, or an
// insertion past capacity.
type Violation = assert.Violation
