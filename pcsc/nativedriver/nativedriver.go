// Package nativedriver binds pcsc to the platform PC/SC service (pcsc-lite on
// Linux and macOS, WinSCard on Windows) through github.com/ebfe/scard.
package nativedriver

import (
	"errors"
	"fmt"
	"time"

	"github.com/ebfe/scard"

	"github.com/SimplyPrint/smartcard/internal/logging"
	"github.com/SimplyPrint/smartcard/pcsc"
)

// ErrProtocolMismatch is returned by Transmit when the requested framing does
// not match the protocol the card negotiated.
var ErrProtocolMismatch = errors.New("send descriptor does not match active protocol")

// Driver is the hardware-backed pcsc.Driver.
type Driver struct{}

// New returns the native driver.
func New() *Driver {
	return &Driver{}
}

// EstablishContext opens a resource manager context. The underlying binding
// always establishes a system-scope context; scope is kept for diagnostics.
func (d *Driver) EstablishContext(scope pcsc.Scope) (pcsc.ContextHandle, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, err
	}
	if scope != pcsc.ScopeSystem {
		logging.Debug(logging.CatDriver, "Native context established with system scope", map[string]any{
			"requested": scope.String(),
		})
	}
	return &context{ctx: ctx, scope: scope}, nil
}

type context struct {
	ctx   *scard.Context
	scope pcsc.Scope
}

func (c *context) ListReaders(groups []string) ([]string, error) {
	if len(groups) > 0 {
		logging.Debug(logging.CatDriver, "Reader group filter ignored by native driver", map[string]any{
			"groups": groups,
		})
	}
	readers, err := c.ctx.ListReaders()
	if err != nil {
		return nil, err
	}
	return readers, nil
}

func (c *context) ListReaderGroups() ([]string, error) {
	return c.ctx.ListReaderGroups()
}

func (c *context) IsValid() (bool, error) {
	return c.ctx.IsValid()
}

func (c *context) Release() error {
	return c.ctx.Release()
}

func (c *context) Cancel() error {
	return c.ctx.Cancel()
}

func (c *context) GetStatusChange(states []pcsc.ReaderState, timeout time.Duration) error {
	rs := make([]scard.ReaderState, len(states))
	for i, s := range states {
		rs[i] = scard.ReaderState{
			Reader:       s.Reader,
			CurrentState: scard.StateFlag(s.CurrentState),
		}
	}
	if err := c.ctx.GetStatusChange(rs, timeout); err != nil {
		return err
	}
	for i := range states {
		states[i].EventState = pcsc.StateFlag(rs[i].EventState)
		states[i].ATR = rs[i].Atr
	}
	return nil
}

func (c *context) Connect(reader string, mode pcsc.ShareMode, proto pcsc.Protocol) (pcsc.CardHandle, error) {
	sm, err := toShareMode(mode)
	if err != nil {
		return nil, err
	}
	sc, err := c.ctx.Connect(reader, sm, toProtocol(proto))
	if err != nil {
		return nil, err
	}
	return &card{card: sc, reader: reader}, nil
}

type card struct {
	card   *scard.Card
	reader string
}

func (k *card) Disconnect(d pcsc.Disposition) error {
	disp, err := toDisposition(d)
	if err != nil {
		return err
	}
	return k.card.Disconnect(disp)
}

func (k *card) Reconnect(mode pcsc.ShareMode, proto pcsc.Protocol, init pcsc.Initialization) error {
	sm, err := toShareMode(mode)
	if err != nil {
		return err
	}
	disp, err := initDisposition(init)
	if err != nil {
		return err
	}
	return k.card.Reconnect(sm, toProtocol(proto), disp)
}

func (k *card) Status() (pcsc.StatusSnapshot, error) {
	st, err := k.card.Status()
	if err != nil {
		return pcsc.StatusSnapshot{}, err
	}
	return pcsc.StatusSnapshot{
		State:       cardState(uint32(st.State)),
		Protocol:    fromProtocol(st.ActiveProtocol),
		ATR:         st.Atr,
		ReaderNames: []string{st.Reader},
	}, nil
}

// Transmit sends cmd with the framing of the card's active protocol. The
// binding picks the framing itself and panics on anything other than T=0 or
// T=1, so the descriptor is checked against the active protocol first.
func (k *card) Transmit(cmd []byte, send pcsc.IoDescriptor, recv *pcsc.IoDescriptor) ([]byte, error) {
	active := fromProtocol(k.card.ActiveProtocol())
	if active != pcsc.ProtocolT0 && active != pcsc.ProtocolT1 {
		return nil, fmt.Errorf("active protocol %v: %w", active, ErrProtocolMismatch)
	}
	if send.Protocol != active {
		return nil, fmt.Errorf("send %v, active %v: %w", send.Protocol, active, ErrProtocolMismatch)
	}

	rsp, err := k.card.Transmit(cmd)
	if err != nil {
		return nil, err
	}
	if recv != nil {
		recv.Protocol = active
	}
	return rsp, nil
}

func (k *card) BeginTransaction() error {
	return k.card.BeginTransaction()
}

func (k *card) EndTransaction(d pcsc.Disposition) error {
	disp, err := toDisposition(d)
	if err != nil {
		return err
	}
	return k.card.EndTransaction(disp)
}

func (k *card) Control(code uint32, in []byte) ([]byte, error) {
	return k.card.Control(code, in)
}

func (k *card) GetAttrib(id pcsc.Attrib) ([]byte, error) {
	return k.card.GetAttrib(scard.Attrib(id))
}

func (k *card) SetAttrib(id pcsc.Attrib, data []byte) error {
	return k.card.SetAttrib(scard.Attrib(id), data)
}
