package trace

import "errors"

// Storage error family. Every TraceStore operation wraps one of these so
// callers can classify failures without knowing the engine.
var (
	ErrStorageOpen   = errors.New("failed to open storage")
	ErrStorageWrite  = errors.New("failed to write")
	ErrStorageRead   = errors.New("failed to read")
	ErrSerialization = errors.New("serialization error")
)

// Capture error family, reported at backend start/stop.
var (
	ErrCaptureStart = errors.New("failed to start capture")
	ErrCaptureStop  = errors.New("failed to stop capture")
)
