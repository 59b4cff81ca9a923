package callengine

import "errors"

// Sentinel errors surfaced to the embedder through the state callback, per
// spec.md §6/§7's UNKNOWN/INCOMPATIBLE/TIMEOUT/AUDIO_IO taxonomy.
var (
	ErrUnknown      = errors.New("callengine: unknown error")
	ErrIncompatible = errors.New("callengine: incompatible protocol version")
	ErrTimeout      = errors.New("callengine: timeout")
	ErrAudioIO      = errors.New("callengine: audio i/o failure")
)

// CallError wraps one of the sentinels above with call-specific detail. It
// is the error value a Controller hands to its state callback when it
// transitions to Failed.
type CallError struct {
	Sentinel error
	Detail   string
}

func newCallError(sentinel error, detail string) *CallError {
	return &CallError{Sentinel: sentinel, Detail: detail}
}

func (e *CallError) Error() string {
	if e.Detail == "" {
		return e.Sentinel.Error()
	}
	return e.Sentinel.Error() + ": " + e.Detail
}

func (e *CallError) Unwrap() error { return e.Sentinel }
