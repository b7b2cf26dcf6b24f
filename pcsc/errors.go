package pcsc

import "errors"

// Error kinds. Match with errors.Is.
var (
	// ErrInvalidScope is returned before any driver call when a context is
	// requested with an unrecognised scope.
	ErrInvalidScope = errors.New("invalid scope")
	// ErrProtocol is returned when no framing can be chosen for a transmission.
	ErrProtocol = errors.New("unsupported protocol")
	// ErrDriver wraps any failure reported by the underlying driver.
	ErrDriver = errors.New("driver error")
	// ErrResourceState is returned for operations on a released context or a
	// disconnected card.
	ErrResourceState = errors.New("resource no longer valid")
)

// Error describes a failed operation and the resource it was applied to.
type Error struct {
	Op       string // e.g. "connect", "transmit"
	Resource string // e.g. `context(system)`, `card "ACS ACR122U"`
	Kind     error  // one of the Err* kinds above
	Err      error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := "pcsc: " + e.Op
	if e.Resource != "" {
		msg += " " + e.Resource
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op, resource string, kind, err error) *Error {
	return &Error{Op: op, Resource: resource, Kind: kind, Err: err}
}

func driverError(op, resource string, err error) error {
	return newError(op, resource, ErrDriver, err)
}

func stateError(op, resource, why string) error {
	return newError(op, resource, ErrResourceState, errors.New(why))
}
