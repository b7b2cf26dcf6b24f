// Package mockdriver is a hardware-free pcsc.Driver for tests and demos.
//
// Out of the box it behaves like a reader with an inert card: connecting
// always succeeds, every APDU is answered with 6D 00 (instruction not
// supported) and Status reports a fixed synthetic snapshot. Builder methods
// change that behaviour, and every call is recorded for assertions.
package mockdriver

import (
	"errors"
	"sync"
	"time"

	"github.com/SimplyPrint/smartcard/pcsc"
)

// Defaults reported by a fresh Driver.
var (
	// Response is the answer to every transmitted APDU.
	Response = []byte{0x6D, 0x00}
	// ATR is the synthetic Answer To Reset.
	ATR = []byte("FAKE")
	// StatusReaders are the reader names reported by Status.
	StatusReaders = []string{"fake1", "fake2"}
	// Readers are the names reported by ListReaders.
	Readers = []string{"test_reader"}
)

// FakeState is the state reported by Status: a card is always present.
const FakeState = pcsc.StatePresent

// Op names a recorded driver operation.
type Op string

const (
	OpEstablish        Op = "establish"
	OpListReaders      Op = "list_readers"
	OpListReaderGroups Op = "list_reader_groups"
	OpIsValid          Op = "is_valid"
	OpRelease          Op = "release"
	OpCancel           Op = "cancel"
	OpStatusChange     Op = "get_status_change"
	OpConnect          Op = "connect"
	OpDisconnect       Op = "disconnect"
	OpReconnect        Op = "reconnect"
	OpStatus           Op = "status"
	OpTransmit         Op = "transmit"
	OpBeginTransaction Op = "begin_transaction"
	OpEndTransaction   Op = "end_transaction"
	OpControl          Op = "control"
	OpGetAttrib        Op = "get_attrib"
	OpSetAttrib        Op = "set_attrib"
)

// Call is one recorded driver invocation. Only the fields relevant to Op are set.
type Call struct {
	Op             Op
	Scope          pcsc.Scope
	Reader         string
	ShareMode      pcsc.ShareMode
	Protocol       pcsc.Protocol
	Disposition    pcsc.Disposition
	Initialization pcsc.Initialization
	Data           []byte
}

// ErrInvalidHandle is returned for calls on a released context or a
// disconnected card.
var ErrInvalidHandle = errors.New("invalid handle")

// Errors returned by a blocking GetStatusChange.
var (
	ErrCancelled = errors.New("status change cancelled")
	ErrTimeout   = errors.New("status change timed out")
)

// Driver implements pcsc.Driver without hardware. It is safe for concurrent use.
type Driver struct {
	mu         sync.Mutex
	readers    []string
	groups     []string
	protocol   pcsc.Protocol
	response   []byte
	attribs    map[pcsc.Attrib][]byte
	errs       map[Op]error
	calls      []Call
	openCtx    int
	openCards  int
	onTransmit func(cmd []byte) ([]byte, error)
	blockWaits bool
}

// New returns a Driver with the default inert behaviour.
func New() *Driver {
	return &Driver{
		readers:  append([]string(nil), Readers...),
		protocol: pcsc.ProtocolT0,
		response: append([]byte(nil), Response...),
		attribs:  make(map[pcsc.Attrib][]byte),
		errs:     make(map[Op]error),
	}
}

// WithReaders sets the names reported by ListReaders.
func (d *Driver) WithReaders(readers ...string) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readers = readers
	return d
}

// WithReaderGroups sets the names reported by ListReaderGroups.
func (d *Driver) WithReaderGroups(groups ...string) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups = groups
	return d
}

// WithProtocol sets the protocol reported by Status.
func (d *Driver) WithProtocol(p pcsc.Protocol) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.protocol = p
	return d
}

// WithResponse sets the answer returned for every APDU.
func (d *Driver) WithResponse(rsp []byte) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.response = rsp
	return d
}

// WithTransmitFunc answers APDUs with fn instead of a fixed response.
func (d *Driver) WithTransmitFunc(fn func(cmd []byte) ([]byte, error)) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onTransmit = fn
	return d
}

// WithAttrib sets the value returned by GetAttrib for id.
func (d *Driver) WithAttrib(id pcsc.Attrib, value []byte) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attribs[id] = value
	return d
}

// WithBlockingStatusChange makes GetStatusChange wait like a real reader:
// it returns only on Cancel, ReleaseContext or timeout.
func (d *Driver) WithBlockingStatusChange() *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blockWaits = true
	return d
}

// WithError makes every subsequent op fail with err. A nil err clears it.
func (d *Driver) WithError(op Op, err error) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.errs, op)
	} else {
		d.errs[op] = err
	}
	return d
}

// Calls returns a copy of the recorded calls in order.
func (d *Driver) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// Count returns how many times op was called.
func (d *Driver) Count(op Op) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Ops returns the recorded operation names in order.
func (d *Driver) Ops() []Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	ops := make([]Op, len(d.calls))
	for i, c := range d.calls {
		ops[i] = c.Op
	}
	return ops
}

// Open reports how many contexts and cards are currently open.
func (d *Driver) Open() (contexts, cards int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openCtx, d.openCards
}

// record appends c and returns the injected error for its op, if any.
// Caller must hold d.mu.
func (d *Driver) record(c Call) error {
	d.calls = append(d.calls, c)
	return d.errs[c.Op]
}

func (d *Driver) EstablishContext(scope pcsc.Scope) (pcsc.ContextHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(Call{Op: OpEstablish, Scope: scope}); err != nil {
		return nil, err
	}
	d.openCtx++
	return &context{d: d, scope: scope, valid: true}, nil
}

type context struct {
	d       *Driver
	scope   pcsc.Scope
	valid   bool
	waiters map[chan struct{}]struct{}
}

// wake ends every GetStatusChange blocked on c. Caller must hold c.d.mu.
func (c *context) wake() {
	for w := range c.waiters {
		close(w)
		delete(c.waiters, w)
	}
}

func (c *context) call(call Call) error {
	if err := c.d.record(call); err != nil {
		return err
	}
	if !c.valid {
		return ErrInvalidHandle
	}
	return nil
}

func (c *context) ListReaders(groups []string) ([]string, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if err := c.call(Call{Op: OpListReaders}); err != nil {
		return nil, err
	}
	return append([]string(nil), c.d.readers...), nil
}

func (c *context) ListReaderGroups() ([]string, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if err := c.call(Call{Op: OpListReaderGroups}); err != nil {
		return nil, err
	}
	return append([]string(nil), c.d.groups...), nil
}

func (c *context) IsValid() (bool, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if err := c.d.record(Call{Op: OpIsValid}); err != nil {
		return false, err
	}
	return c.valid, nil
}

func (c *context) Release() error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if err := c.call(Call{Op: OpRelease}); err != nil {
		return err
	}
	c.valid = false
	c.d.openCtx--
	c.wake()
	return nil
}

func (c *context) Cancel() error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if err := c.call(Call{Op: OpCancel}); err != nil {
		return err
	}
	c.wake()
	return nil
}

// GetStatusChange reports every listed reader as holding a card and returns
// immediately, unless the driver was built WithBlockingStatusChange.
func (c *context) GetStatusChange(states []pcsc.ReaderState, timeout time.Duration) error {
	c.d.mu.Lock()
	if err := c.call(Call{Op: OpStatusChange}); err != nil {
		c.d.mu.Unlock()
		return err
	}
	if c.d.blockWaits {
		w := make(chan struct{})
		if c.waiters == nil {
			c.waiters = make(map[chan struct{}]struct{})
		}
		c.waiters[w] = struct{}{}
		c.d.mu.Unlock()
		return c.block(w, timeout)
	}
	defer c.d.mu.Unlock()
	for i := range states {
		ev := FakeState
		if states[i].CurrentState&^pcsc.StateChanged != ev {
			ev |= pcsc.StateChanged
		}
		states[i].EventState = ev
		states[i].ATR = append([]byte(nil), ATR...)
	}
	return nil
}

func (c *context) block(w chan struct{}, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-w:
		return ErrCancelled
	case <-expired:
		c.d.mu.Lock()
		defer c.d.mu.Unlock()
		if _, ok := c.waiters[w]; !ok {
			return ErrCancelled // woken while the timer fired
		}
		delete(c.waiters, w)
		return ErrTimeout
	}
}

func (c *context) Connect(reader string, mode pcsc.ShareMode, proto pcsc.Protocol) (pcsc.CardHandle, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if err := c.call(Call{Op: OpConnect, Reader: reader, ShareMode: mode, Protocol: proto}); err != nil {
		return nil, err
	}
	c.d.openCards++
	return &card{ctx: c, reader: reader, connected: true}, nil
}

type card struct {
	ctx       *context
	reader    string
	connected bool
	inTx      bool
}

func (k *card) call(call Call) error {
	call.Reader = k.reader
	if err := k.ctx.d.record(call); err != nil {
		return err
	}
	if !k.connected || !k.ctx.valid {
		return ErrInvalidHandle
	}
	return nil
}

func (k *card) Disconnect(disp pcsc.Disposition) error {
	d := k.ctx.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := k.call(Call{Op: OpDisconnect, Disposition: disp}); err != nil {
		return err
	}
	k.connected = false
	d.openCards--
	k.inTx = false
	return nil
}

func (k *card) Reconnect(mode pcsc.ShareMode, proto pcsc.Protocol, init pcsc.Initialization) error {
	d := k.ctx.d
	d.mu.Lock()
	defer d.mu.Unlock()
	return k.call(Call{Op: OpReconnect, ShareMode: mode, Protocol: proto, Initialization: init})
}

func (k *card) Status() (pcsc.StatusSnapshot, error) {
	d := k.ctx.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := k.call(Call{Op: OpStatus}); err != nil {
		return pcsc.StatusSnapshot{}, err
	}
	return pcsc.StatusSnapshot{
		State:       FakeState,
		Protocol:    d.protocol,
		ATR:         append([]byte(nil), ATR...),
		ReaderNames: append([]string(nil), StatusReaders...),
	}, nil
}

func (k *card) Transmit(cmd []byte, send pcsc.IoDescriptor, recv *pcsc.IoDescriptor) ([]byte, error) {
	d := k.ctx.d
	d.mu.Lock()
	if err := k.call(Call{Op: OpTransmit, Protocol: send.Protocol, Data: append([]byte(nil), cmd...)}); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	if recv != nil {
		recv.Protocol = send.Protocol
	}
	fn := d.onTransmit
	rsp := append([]byte(nil), d.response...)
	d.mu.Unlock()

	if fn != nil {
		return fn(cmd)
	}
	return rsp, nil
}

func (k *card) BeginTransaction() error {
	d := k.ctx.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := k.call(Call{Op: OpBeginTransaction}); err != nil {
		return err
	}
	if k.inTx {
		return errors.New("transaction already open")
	}
	k.inTx = true
	return nil
}

func (k *card) EndTransaction(disp pcsc.Disposition) error {
	d := k.ctx.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := k.call(Call{Op: OpEndTransaction, Disposition: disp}); err != nil {
		return err
	}
	if !k.inTx {
		return errors.New("no transaction open")
	}
	k.inTx = false
	return nil
}

func (k *card) Control(code uint32, in []byte) ([]byte, error) {
	d := k.ctx.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := k.call(Call{Op: OpControl, Data: append([]byte(nil), in...)}); err != nil {
		return nil, err
	}
	return []byte{}, nil
}

func (k *card) GetAttrib(id pcsc.Attrib) ([]byte, error) {
	d := k.ctx.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := k.call(Call{Op: OpGetAttrib}); err != nil {
		return nil, err
	}
	v, ok := d.attribs[id]
	if !ok {
		return nil, errors.New("attribute not supported")
	}
	return append([]byte(nil), v...), nil
}

func (k *card) SetAttrib(id pcsc.Attrib, data []byte) error {
	d := k.ctx.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := k.call(Call{Op: OpSetAttrib, Data: append([]byte(nil), data...)}); err != nil {
		return err
	}
	d.attribs[id] = append([]byte(nil), data...)
	return nil
}
