package device

import "errors"

var (
	// ErrNoDevice is returned when no HAL device is available.
	ErrNoDevice = errors.New("device: no HAL device")

	// ErrBufferTooSmall is returned when a write or read exceeds a buffer.
	ErrBufferTooSmall = errors.New("device: buffer too small")

	// ErrUnknownPatch is returned when uploading a patch id the source does
	// not have.
	ErrUnknownPatch = errors.New("device: patch not in source")

	// ErrDestroyed is returned when using a mirror or relocator after
	// Destroy.
	ErrDestroyed = errors.New("device: resource destroyed")
)
