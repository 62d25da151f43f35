package core

import (
	"errors"
)

var (
	ErrSwapchainBooting = errors.New("swapchain resized or recreated, booting")
	ErrUnknown          = errors.New("unknown")

	// transient
	ErrAssetNotFound     = errors.New("asset not found")
	ErrOutOfDeviceMemory = errors.New("out of device memory")

	// recoverable
	ErrSurfaceOutOfDate    = errors.New("surface out of date")
	ErrRecordingInProgress = errors.New("frame slot is being recorded")

	// fatal
	ErrFenceWait    = errors.New("fence wait failed")
	ErrSubmitFailed = errors.New("queue submission failed")
	ErrDeviceLost   = errors.New("device lost")

	ErrShuttingDown     = errors.New("shutting down")
	ErrUnsupported      = errors.New("unsupported by the device")
	ErrUnknownConsumer  = errors.New("unknown consumer")
	ErrInvalidHandle    = errors.New("invalid or stale handle")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrInvalidPayload   = errors.New("invalid texture payload")
	ErrInvalidFrameSlot = errors.New("invalid frame slot")
)

// IsTransient reports whether err may succeed when retried with a fallback.
func IsTransient(err error) bool {
	return errors.Is(err, ErrAssetNotFound) || errors.Is(err, ErrOutOfDeviceMemory)
}

// IsFatal reports whether err must abort the frame loop.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFenceWait) || errors.Is(err, ErrSubmitFailed) || errors.Is(err, ErrDeviceLost)
}
