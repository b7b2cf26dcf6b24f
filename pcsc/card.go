package pcsc

import (
	"encoding/hex"
	"errors"
	"strconv"

	"github.com/SimplyPrint/smartcard/internal/logging"
)

// ConnectOptions selects the reader and connection parameters for Connect.
// Zero fields take the documented default.
type ConnectOptions struct {
	Reader    string    // default: first reader returned by ListReaders
	ShareMode ShareMode // default: ShareExclusive
	Protocol  Protocol  // default: ProtocolAny
}

// ReconnectOptions are the parameters for Reconnect. Zero fields reuse the
// values recorded on the card; Initialization defaults to InitReset.
type ReconnectOptions struct {
	ShareMode      ShareMode
	Protocol       Protocol
	Initialization Initialization
}

// Card is a connection to the card in a named reader.
//
// ShareMode and PreferredProtocol record the last values the driver accepted;
// they are the defaults reused by Reconnect, not a report of the negotiated
// state (use Status for that).
//
// A Card is not safe for concurrent use.
type Card struct {
	ctx       *Context
	reader    string
	shareMode ShareMode
	protocol  Protocol
	handle    CardHandle
	connected bool
}

// Connect resolves opts and connects to the card in the chosen reader. The
// first connection to a card powers it up and resets it.
func Connect(ctx *Context, opts ConnectOptions) (*Card, error) {
	if err := ctx.check("connect"); err != nil {
		return nil, err
	}

	reader := opts.Reader
	if reader == "" {
		readers, err := ctx.ListReaders()
		if err != nil {
			return nil, err
		}
		if len(readers) == 0 {
			return nil, driverError("connect", ctx.resource(), errors.New("no readers available"))
		}
		reader = readers[0]
	}
	mode := opts.ShareMode
	if mode == 0 {
		mode = ShareExclusive
	}
	proto := opts.Protocol
	if proto == ProtocolUndefined {
		proto = ProtocolAny
	}

	h, err := ctx.handle.Connect(reader, mode, proto)
	if err != nil {
		return nil, driverError("connect", cardResource(reader), err)
	}
	ctx.cards++

	logging.Debug(logging.CatCard, "Card connected", map[string]any{
		"reader":    reader,
		"shareMode": mode.String(),
		"protocol":  proto.String(),
	})

	return &Card{
		ctx:       ctx,
		reader:    reader,
		shareMode: mode,
		protocol:  proto,
		handle:    h,
		connected: true,
	}, nil
}

func cardResource(reader string) string {
	return "card " + strconv.Quote(reader)
}

// Context returns the context the card was connected through.
func (c *Card) Context() *Context {
	return c.ctx
}

// ReaderName returns the name of the reader holding the card.
func (c *Card) ReaderName() string {
	return c.reader
}

// ShareMode returns the share mode last accepted by the driver.
func (c *Card) ShareMode() ShareMode {
	return c.shareMode
}

// PreferredProtocol returns the protocol preference last accepted by the driver.
func (c *Card) PreferredProtocol() Protocol {
	return c.protocol
}

// Connected reports whether Disconnect has not been called yet.
func (c *Card) Connected() bool {
	return c.connected
}

func (c *Card) check(op string) error {
	if !c.connected {
		return stateError(op, cardResource(c.reader), "card disconnected")
	}
	if !c.ctx.valid {
		return stateError(op, cardResource(c.reader), "context released")
	}
	return nil
}

// Disconnect ends the connection, leaving the card as d says (default
// DispositionUnpower). The card cannot be used afterwards, even if the driver
// reports a failure.
func (c *Card) Disconnect(d Disposition) error {
	if err := c.check("disconnect"); err != nil {
		return err
	}
	d = d.or(DispositionUnpower)

	err := c.handle.Disconnect(d)
	c.connected = false
	c.ctx.cards--

	logging.Debug(logging.CatCard, "Card disconnected", map[string]any{
		"reader":      c.reader,
		"disposition": d.String(),
	})
	if err != nil {
		return driverError("disconnect", cardResource(c.reader), err)
	}
	return nil
}

// Reconnect re-establishes the connection in place. Zero option fields reuse
// the recorded share mode and protocol. The recorded values are replaced only
// when the driver reports success.
func (c *Card) Reconnect(opts ReconnectOptions) error {
	if err := c.check("reconnect"); err != nil {
		return err
	}
	mode := opts.ShareMode
	if mode == 0 {
		mode = c.shareMode
	}
	proto := opts.Protocol
	if proto == ProtocolUndefined {
		proto = c.protocol
	}
	init := opts.Initialization
	if init == 0 {
		init = InitReset
	}

	if err := c.handle.Reconnect(mode, proto, init); err != nil {
		return driverError("reconnect", cardResource(c.reader), err)
	}
	c.shareMode = mode
	c.protocol = proto

	logging.Debug(logging.CatCard, "Card reconnected", map[string]any{
		"reader":         c.reader,
		"shareMode":      mode.String(),
		"protocol":       proto.String(),
		"initialization": init.String(),
	})
	return nil
}

// Status queries the driver for a fresh snapshot of the card.
func (c *Card) Status() (StatusSnapshot, error) {
	if err := c.check("status"); err != nil {
		return StatusSnapshot{}, err
	}
	st, err := c.handle.Status()
	if err != nil {
		return StatusSnapshot{}, driverError("status", cardResource(c.reader), err)
	}
	return st, nil
}

// ATR returns the card's Answer To Reset from a fresh status query.
func (c *Card) ATR() ([]byte, error) {
	st, err := c.Status()
	if err != nil {
		return nil, err
	}
	return st.ATR, nil
}

// Transmit sends an APDU using the framing of the card's negotiated protocol
// and returns the response bytes verbatim, status word included.
func (c *Card) Transmit(cmd []byte) ([]byte, error) {
	return c.TransmitIO(cmd, nil, nil)
}

// TransmitIO is Transmit with explicit descriptors. A nil send descriptor is
// resolved from Status().Protocol; if that protocol has no framing the call
// fails with ErrProtocol before anything is sent. A nil recv descriptor is
// replaced by a blank one.
func (c *Card) TransmitIO(cmd []byte, send, recv *IoDescriptor) ([]byte, error) {
	if err := c.check("transmit"); err != nil {
		return nil, err
	}
	if send == nil {
		st, err := c.handle.Status()
		if err != nil {
			return nil, driverError("transmit", cardResource(c.reader), err)
		}
		desc, err := ResolveDescriptor(st.Protocol)
		if err != nil {
			return nil, newError("transmit", cardResource(c.reader), ErrProtocol,
				errors.New("card negotiated "+st.Protocol.String()))
		}
		send = &desc
	}
	if recv == nil {
		recv = &IoDescriptor{}
	}

	rsp, err := c.handle.Transmit(cmd, *send, recv)
	if err != nil {
		return nil, driverError("transmit", cardResource(c.reader), err)
	}

	logging.Debug(logging.CatCard, "APDU exchanged", map[string]any{
		"reader":      c.reader,
		"protocol":    send.Protocol.String(),
		"header":      apduHeader(cmd),
		"commandLen":  len(cmd),
		"responseLen": len(rsp),
		"sw":          statusWord(rsp),
	})
	return rsp, nil
}

// apduHeader returns CLA INS P1 P2 as hex. The body is never logged since it
// may carry a PIN or key material.
func apduHeader(cmd []byte) string {
	return hex.EncodeToString(cmd[:min(4, len(cmd))])
}

// statusWord returns the trailing SW1 SW2 of a response as hex.
func statusWord(rsp []byte) string {
	if len(rsp) < 2 {
		return ""
	}
	return hex.EncodeToString(rsp[len(rsp)-2:])
}

// Control sends a reader control code (SCardControl).
func (c *Card) Control(code uint32, in []byte) ([]byte, error) {
	if err := c.check("control"); err != nil {
		return nil, err
	}
	out, err := c.handle.Control(code, in)
	if err != nil {
		return nil, driverError("control", cardResource(c.reader), err)
	}
	return out, nil
}

// GetAttrib reads a reader/card attribute.
func (c *Card) GetAttrib(id Attrib) ([]byte, error) {
	if err := c.check("get attribute"); err != nil {
		return nil, err
	}
	v, err := c.handle.GetAttrib(id)
	if err != nil {
		return nil, driverError("get attribute", cardResource(c.reader), err)
	}
	return v, nil
}

// SetAttrib writes a reader/card attribute.
func (c *Card) SetAttrib(id Attrib, data []byte) error {
	if err := c.check("set attribute"); err != nil {
		return err
	}
	if err := c.handle.SetAttrib(id, data); err != nil {
		return driverError("set attribute", cardResource(c.reader), err)
	}
	return nil
}
