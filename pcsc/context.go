package pcsc

import (
	"errors"
	"time"

	"github.com/SimplyPrint/smartcard/internal/logging"
)

// Context is an established connection to the reader subsystem. Every Card is
// derived from a Context and must not outlive it.
//
// A Context is not safe for concurrent use; callers sharing one across
// goroutines must synchronise access themselves.
type Context struct {
	driver Driver
	scope  Scope
	handle ContextHandle
	valid  bool
	cards  int // connected cards derived from this context
}

// EstablishContext validates scope and establishes a context through d.
// An unrecognised scope fails with ErrInvalidScope without calling the driver.
func EstablishContext(d Driver, scope Scope) (*Context, error) {
	resource := "context(" + scope.String() + ")"
	if !scope.Valid() {
		return nil, newError("establish context", resource, ErrInvalidScope, nil)
	}
	if d == nil {
		return nil, driverError("establish context", resource, errors.New("no driver configured"))
	}

	h, err := d.EstablishContext(scope)
	if err != nil {
		return nil, driverError("establish context", resource, err)
	}

	logging.Debug(logging.CatContext, "Context established", map[string]any{
		"scope": scope.String(),
	})

	return &Context{
		driver: d,
		scope:  scope,
		handle: h,
		valid:  true,
	}, nil
}

// Scope returns the scope the context was established with.
func (c *Context) Scope() Scope {
	return c.scope
}

// Driver returns the driver the context was established through.
func (c *Context) Driver() Driver {
	return c.driver
}

func (c *Context) resource() string {
	return "context(" + c.scope.String() + ")"
}

func (c *Context) check(op string) error {
	if !c.valid {
		return stateError(op, c.resource(), "context released")
	}
	return nil
}

// IsValid reports the local bookkeeping flag. It does not talk to the driver:
// true means Release has not been called, not that the subsystem is alive.
// Use Probe for a liveness check.
func (c *Context) IsValid() bool {
	return c.valid
}

// Probe asks the driver whether the context is still usable, e.g. after the
// resource manager service was restarted.
func (c *Context) Probe() (bool, error) {
	if err := c.check("probe"); err != nil {
		return false, err
	}
	ok, err := c.handle.IsValid()
	if err != nil {
		return false, driverError("probe", c.resource(), err)
	}
	return ok, nil
}

// ListReaders returns the names of the readers known to the subsystem,
// optionally restricted to the given reader groups.
func (c *Context) ListReaders(groups ...string) ([]string, error) {
	if err := c.check("list readers"); err != nil {
		return nil, err
	}
	readers, err := c.handle.ListReaders(groups)
	if err != nil {
		return nil, driverError("list readers", c.resource(), err)
	}
	return readers, nil
}

// ListReaderGroups returns the reader group names known to the subsystem.
func (c *Context) ListReaderGroups() ([]string, error) {
	if err := c.check("list reader groups"); err != nil {
		return nil, err
	}
	groups, err := c.handle.ListReaderGroups()
	if err != nil {
		return nil, driverError("list reader groups", c.resource(), err)
	}
	return groups, nil
}

// GetStatusChange blocks until one of the readers changes state relative to
// its CurrentState, the timeout elapses or Cancel is called.
func (c *Context) GetStatusChange(states []ReaderState, timeout time.Duration) error {
	if err := c.check("get status change"); err != nil {
		return err
	}
	if err := c.handle.GetStatusChange(states, timeout); err != nil {
		return driverError("get status change", c.resource(), err)
	}
	return nil
}

// WaitForCard blocks until a card is present in reader or timeout elapses.
func (c *Context) WaitForCard(reader string, timeout time.Duration) error {
	states := []ReaderState{{Reader: reader, CurrentState: StateUnaware}}
	deadline := time.Now().Add(timeout)
	for {
		wait := time.Until(deadline)
		if timeout < 0 {
			wait = -1
		} else if wait < 0 {
			wait = 0
		}
		if err := c.GetStatusChange(states, wait); err != nil {
			return err
		}
		if states[0].EventState.Has(StatePresent) {
			return nil
		}
		if timeout >= 0 && !time.Now().Before(deadline) {
			return driverError("wait for card", `reader "`+reader+`"`, errors.New("timeout waiting for card"))
		}
		states[0].CurrentState = states[0].EventState &^ StateChanged
	}
}

// Cancel aborts a GetStatusChange blocked on this context.
func (c *Context) Cancel() error {
	if err := c.check("cancel"); err != nil {
		return err
	}
	if err := c.handle.Cancel(); err != nil {
		return driverError("cancel", c.resource(), err)
	}
	return nil
}

// Release destroys the context. It must be the last call made on the context
// and on every card derived from it; a second Release fails with
// ErrResourceState without reaching the driver.
func (c *Context) Release() error {
	if err := c.check("release"); err != nil {
		return err
	}
	if c.cards > 0 {
		logging.Warn(logging.CatContext, "Releasing context with connected cards", map[string]any{
			"scope": c.scope.String(),
			"cards": c.cards,
		})
	}
	if err := c.handle.Release(); err != nil {
		return driverError("release", c.resource(), err)
	}
	c.valid = false

	logging.Debug(logging.CatContext, "Context released", map[string]any{
		"scope": c.scope.String(),
	})
	return nil
}
