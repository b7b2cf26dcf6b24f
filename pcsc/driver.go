package pcsc

import "time"

// Driver is the reader subsystem binding. Implementations perform the actual
// I/O; this package only manages lifecycle, defaults and protocol dispatch.
// A Driver is chosen at construction time, see the backend package.
type Driver interface {
	EstablishContext(scope Scope) (ContextHandle, error)
}

// ContextHandle is the driver's resource for an established context.
type ContextHandle interface {
	// ListReaders returns reader names, optionally restricted to groups.
	ListReaders(groups []string) ([]string, error)
	ListReaderGroups() ([]string, error)
	// IsValid asks the driver whether the context is still usable.
	IsValid() (bool, error)
	Release() error
	// Cancel aborts a blocking GetStatusChange on this context.
	Cancel() error
	// GetStatusChange blocks until the state of one of the readers differs
	// from its CurrentState or the timeout elapses. A negative timeout waits
	// forever.
	GetStatusChange(states []ReaderState, timeout time.Duration) error
	Connect(reader string, mode ShareMode, proto Protocol) (CardHandle, error)
}

// CardHandle is the driver's resource for a connected card.
type CardHandle interface {
	Disconnect(d Disposition) error
	Reconnect(mode ShareMode, proto Protocol, init Initialization) error
	Status() (StatusSnapshot, error)
	// Transmit sends cmd framed per send and stores any protocol information
	// the driver reports in recv.
	Transmit(cmd []byte, send IoDescriptor, recv *IoDescriptor) ([]byte, error)
	BeginTransaction() error
	EndTransaction(d Disposition) error
	Control(code uint32, in []byte) ([]byte, error)
	GetAttrib(id Attrib) ([]byte, error)
	SetAttrib(id Attrib, data []byte) error
}
