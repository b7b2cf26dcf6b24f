package pcsc

import (
	"errors"

	"github.com/SimplyPrint/smartcard/internal/logging"
)

// BeginTransaction starts an exclusive-access window on the card. Only one
// transaction may be open at a time and it must be ended by the same owner.
// Prefer Transaction, which always ends what it begins.
func (c *Card) BeginTransaction() error {
	if err := c.check("begin transaction"); err != nil {
		return err
	}
	if err := c.handle.BeginTransaction(); err != nil {
		return driverError("begin transaction", cardResource(c.reader), err)
	}
	return nil
}

// EndTransaction closes the window opened by BeginTransaction, leaving the
// card as d says (default DispositionLeave).
func (c *Card) EndTransaction(d Disposition) error {
	if err := c.check("end transaction"); err != nil {
		return err
	}
	if err := c.handle.EndTransaction(d.or(DispositionLeave)); err != nil {
		return driverError("end transaction", cardResource(c.reader), err)
	}
	return nil
}

// Transaction runs fn inside a transaction. Begin is called once before fn and
// end is called once afterwards with d (default DispositionLeave), whether fn
// returns normally, returns an error or panics. When both fn and the end call
// fail, the errors are joined with fn's first.
func (c *Card) Transaction(d Disposition, fn func(*Card) error) (err error) {
	if err := c.BeginTransaction(); err != nil {
		return err
	}
	d = d.or(DispositionLeave)

	defer func() {
		if endErr := c.EndTransaction(d); endErr != nil {
			logging.Warn(logging.CatCard, "Failed to end transaction", map[string]any{
				"reader": c.reader,
				"error":  endErr.Error(),
			})
			err = errors.Join(err, endErr)
		}
	}()

	return fn(c)
}
