package relay

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/SimplyPrint/smartcard/pcsc"
)

// Operation names carried in frame.Op.
const (
	opEstablish        = "establish"
	opListReaders      = "list_readers"
	opListReaderGroups = "list_reader_groups"
	opIsValid          = "is_valid"
	opRelease          = "release"
	opCancel           = "cancel"
	opStatusChange     = "get_status_change"
	opConnect          = "connect"
	opDisconnect       = "disconnect"
	opReconnect        = "reconnect"
	opStatus           = "status"
	opTransmit         = "transmit"
	opBeginTransaction = "begin_transaction"
	opEndTransaction   = "end_transaction"
	opControl          = "control"
	opGetAttrib        = "get_attrib"
	opSetAttrib        = "set_attrib"
)

// frame is one websocket message. Requests and responses share the layout;
// a response echoes the request ID and fills the result fields or Error.
type frame struct {
	ID     string `cbor:"1,keyasint"`
	Op     string `cbor:"2,keyasint,omitempty"`
	Handle string `cbor:"3,keyasint,omitempty"`
	Error  string `cbor:"4,keyasint,omitempty"`

	Scope          pcsc.Scope          `cbor:"10,keyasint,omitempty"`
	Reader         string              `cbor:"11,keyasint,omitempty"`
	Groups         []string            `cbor:"12,keyasint,omitempty"`
	ShareMode      pcsc.ShareMode      `cbor:"13,keyasint,omitempty"`
	Protocol       pcsc.Protocol       `cbor:"14,keyasint,omitempty"`
	Disposition    pcsc.Disposition    `cbor:"15,keyasint,omitempty"`
	Initialization pcsc.Initialization `cbor:"16,keyasint,omitempty"`
	Code           uint32              `cbor:"17,keyasint,omitempty"`
	Attrib         pcsc.Attrib         `cbor:"18,keyasint,omitempty"`
	TimeoutMillis  int64               `cbor:"19,keyasint,omitempty"`
	Data           []byte              `cbor:"20,keyasint"` // nil and empty stay distinct
	States         []wireReaderState   `cbor:"21,keyasint,omitempty"`

	Readers     []string       `cbor:"30,keyasint,omitempty"`
	Valid       bool           `cbor:"31,keyasint,omitempty"`
	State       pcsc.StateFlag `cbor:"32,keyasint,omitempty"`
	ATR         []byte         `cbor:"33,keyasint,omitempty"`
	ReaderNames []string       `cbor:"34,keyasint,omitempty"`
}

type wireReaderState struct {
	Reader       string         `cbor:"1,keyasint"`
	CurrentState pcsc.StateFlag `cbor:"2,keyasint,omitempty"`
	EventState   pcsc.StateFlag `cbor:"3,keyasint,omitempty"`
	ATR          []byte         `cbor:"4,keyasint,omitempty"`
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func encodeFrame(f frame) ([]byte, error) {
	data, err := encMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := cbor.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	if f.ID == "" {
		return frame{}, fmt.Errorf("failed to decode frame: missing request id")
	}
	return f, nil
}

func toWireStates(states []pcsc.ReaderState) []wireReaderState {
	out := make([]wireReaderState, len(states))
	for i, s := range states {
		out[i] = wireReaderState{
			Reader:       s.Reader,
			CurrentState: s.CurrentState,
			EventState:   s.EventState,
			ATR:          s.ATR,
		}
	}
	return out
}

func fromWireStates(states []wireReaderState) []pcsc.ReaderState {
	out := make([]pcsc.ReaderState, len(states))
	for i, s := range states {
		out[i] = pcsc.ReaderState{
			Reader:       s.Reader,
			CurrentState: s.CurrentState,
			EventState:   s.EventState,
			ATR:          s.ATR,
		}
	}
	return out
}

// A negative timeout waits forever on both ends.
func timeoutToMillis(d time.Duration) int64 {
	if d < 0 {
		return -1
	}
	return d.Milliseconds()
}

func millisToTimeout(ms int64) time.Duration {
	if ms < 0 {
		return -1
	}
	return time.Duration(ms) * time.Millisecond
}
