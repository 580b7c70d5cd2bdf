package radio

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every gateway and by the relay core.
var (
	ErrPermissionDenied = errors.New("radio: permission denied")
	ErrAdapterNotReady  = errors.New("radio: adapter not ready")
	ErrScanFailure      = errors.New("radio: scan failure")
	ErrConnectFailure   = errors.New("radio: connect failure")
	ErrWriteFailure     = errors.New("radio: write failure")
	ErrPayloadTooLarge  = errors.New("radio: payload too large")

	// ErrNotConnected is returned for operations on a closed handle.
	ErrNotConnected = errors.New("radio: device not connected")
	// ErrServiceNotFound is returned when a peer lacks the relay service.
	ErrServiceNotFound = errors.New("radio: service not found")
)

var taxonomy = []error{
	ErrPermissionDenied,
	ErrAdapterNotReady,
	ErrScanFailure,
	ErrConnectFailure,
	ErrWriteFailure,
	ErrPayloadTooLarge,
}

// OpError wraps a gateway failure with its normalized kind. errors.Is
// matches both the kind and the underlying cause.
type OpError struct {
	Op       string
	DeviceID string
	Kind     error
	Err      error
}

func (e *OpError) Error() string {
	target := e.Op
	if e.DeviceID != "" {
		target = e.Op + " " + e.DeviceID
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", target, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", target, e.Kind, e.Err)
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Wrap classifies err as kind. Errors already carrying kind are returned
// unchanged; nil stays nil.
func Wrap(op, deviceID string, kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return &OpError{Op: op, DeviceID: deviceID, Kind: kind, Err: err}
}

// KindOf returns the taxonomy sentinel err belongs to, or nil.
func KindOf(err error) error {
	for _, kind := range taxonomy {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
