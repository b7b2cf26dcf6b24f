package pcsc

import (
	"errors"

	"github.com/SimplyPrint/smartcard/internal/logging"
)

// WithContext establishes a context, runs fn with it and releases it on every
// exit path, including a panic in fn. A release failure is joined after fn's
// error.
func WithContext(d Driver, scope Scope, fn func(*Context) error) (err error) {
	ctx, err := EstablishContext(d, scope)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := ctx.Release(); relErr != nil {
			logging.Warn(logging.CatContext, "Failed to release context", map[string]any{
				"scope": scope.String(),
				"error": relErr.Error(),
			})
			err = errors.Join(err, relErr)
		}
	}()

	return fn(ctx)
}

// CardOptions configures WithCard. Zero fields take the documented default.
type CardOptions struct {
	Scope       Scope       // default: ScopeSystem
	Reader      string      // default: first reader returned by ListReaders
	ShareMode   ShareMode   // default: ShareExclusive
	Protocol    Protocol    // default: ProtocolAny
	Disposition Disposition // default: DispositionUnpower, applied on disconnect
}

func (o CardOptions) resolve() CardOptions {
	if o.Scope == 0 {
		o.Scope = ScopeSystem
	}
	if o.ShareMode == 0 {
		o.ShareMode = ShareExclusive
	}
	if o.Protocol == ProtocolUndefined {
		o.Protocol = ProtocolAny
	}
	o.Disposition = o.Disposition.or(DispositionUnpower)
	return o
}

// WithCard establishes a context, connects to a card, runs fn with it, then
// disconnects the card with the resolved disposition and releases the
// context. Teardown happens exactly once on every exit path, including a
// panic in fn; teardown failures are joined after fn's error.
func WithCard(d Driver, opts CardOptions, fn func(*Card) error) error {
	opts = opts.resolve()
	return WithContext(d, opts.Scope, func(ctx *Context) (err error) {
		card, err := Connect(ctx, ConnectOptions{
			Reader:    opts.Reader,
			ShareMode: opts.ShareMode,
			Protocol:  opts.Protocol,
		})
		if err != nil {
			return err
		}
		defer func() {
			if discErr := card.Disconnect(opts.Disposition); discErr != nil {
				logging.Warn(logging.CatCard, "Failed to disconnect card", map[string]any{
					"reader": card.ReaderName(),
					"error":  discErr.Error(),
				})
				err = errors.Join(err, discErr)
			}
		}()

		return fn(card)
	})
}
