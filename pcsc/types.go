package pcsc

import (
	"fmt"
	"strings"
)

// Scope is the reach of a resource manager context.
type Scope uint32

const (
	ScopeUser Scope = iota + 1
	ScopeTerminal
	ScopeSystem
)

// Valid reports whether s is one of the three recognised scopes.
func (s Scope) Valid() bool {
	return s == ScopeUser || s == ScopeTerminal || s == ScopeSystem
}

func (s Scope) String() string {
	switch s {
	case ScopeUser:
		return "user"
	case ScopeTerminal:
		return "terminal"
	case ScopeSystem:
		return "system"
	default:
		return fmt.Sprintf("scope(%d)", uint32(s))
	}
}

// ShareMode is the exclusivity requested when connecting to a reader.
// The zero value selects the operation's default.
type ShareMode uint32

const (
	// ShareExclusive does not allow other applications to share the reader.
	ShareExclusive ShareMode = iota + 1
	// ShareShared allows other applications to share the reader.
	ShareShared
	// ShareDirect gives direct control of the reader, even without a card.
	ShareDirect
)

func (m ShareMode) String() string {
	switch m {
	case 0:
		return "default"
	case ShareExclusive:
		return "exclusive"
	case ShareShared:
		return "shared"
	case ShareDirect:
		return "direct"
	default:
		return fmt.Sprintf("share(%d)", uint32(m))
	}
}

// Protocol identifies a card communication protocol. Values follow the
// PC/SC lite bit assignments so ProtocolAny is T0|T1.
type Protocol uint32

const (
	ProtocolUndefined Protocol = 0x0000
	ProtocolT0        Protocol = 0x0001
	ProtocolT1        Protocol = 0x0002
	ProtocolRaw       Protocol = 0x0004
	ProtocolT15       Protocol = 0x0008
	ProtocolAny                = ProtocolT0 | ProtocolT1
)

func (p Protocol) String() string {
	switch p {
	case ProtocolUndefined:
		return "undefined"
	case ProtocolT0:
		return "T=0"
	case ProtocolT1:
		return "T=1"
	case ProtocolRaw:
		return "raw"
	case ProtocolT15:
		return "T=15"
	case ProtocolAny:
		return "any"
	default:
		return fmt.Sprintf("protocol(0x%x)", uint32(p))
	}
}

// Disposition is the action taken on a card when a connection or a
// transaction ends. The zero value selects the operation's default.
type Disposition uint32

const (
	// DispositionLeave does nothing.
	DispositionLeave Disposition = iota + 1
	// DispositionReset performs a warm reset.
	DispositionReset
	// DispositionUnpower powers the card down.
	DispositionUnpower
	// DispositionEject ejects the card.
	DispositionEject
)

func (d Disposition) String() string {
	switch d {
	case 0:
		return "default"
	case DispositionLeave:
		return "leave"
	case DispositionReset:
		return "reset"
	case DispositionUnpower:
		return "unpower"
	case DispositionEject:
		return "eject"
	default:
		return fmt.Sprintf("disposition(%d)", uint32(d))
	}
}

func (d Disposition) or(def Disposition) Disposition {
	if d == 0 {
		return def
	}
	return d
}

// Initialization is the action taken on the card during a reconnect.
// The zero value means InitReset.
type Initialization uint32

const (
	// InitLeave does nothing.
	InitLeave Initialization = iota + 1
	// InitReset performs a warm reset.
	InitReset
	// InitUnpower powers the card down and up again (cold reset).
	InitUnpower
	// InitEject ejects the card.
	InitEject
)

func (i Initialization) String() string {
	switch i {
	case 0:
		return "default"
	case InitLeave:
		return "leave"
	case InitReset:
		return "reset"
	case InitUnpower:
		return "unpower"
	case InitEject:
		return "eject"
	default:
		return fmt.Sprintf("init(%d)", uint32(i))
	}
}

// StateFlag is the reader/card state bitfield.
type StateFlag uint32

const (
	StateUnaware     StateFlag = 0x0000
	StateIgnore      StateFlag = 0x0001
	StateChanged     StateFlag = 0x0002
	StateUnknown     StateFlag = 0x0004
	StateUnavailable StateFlag = 0x0008
	StateEmpty       StateFlag = 0x0010
	StatePresent     StateFlag = 0x0020
	StateAtrMatch    StateFlag = 0x0040
	StateExclusive   StateFlag = 0x0080
	StateInUse       StateFlag = 0x0100
	StateMute        StateFlag = 0x0200
)

var stateNames = []struct {
	flag StateFlag
	name string
}{
	{StateIgnore, "ignore"},
	{StateChanged, "changed"},
	{StateUnknown, "unknown"},
	{StateUnavailable, "unavailable"},
	{StateEmpty, "empty"},
	{StatePresent, "present"},
	{StateAtrMatch, "atrmatch"},
	{StateExclusive, "exclusive"},
	{StateInUse, "inuse"},
	{StateMute, "mute"},
}

// Has reports whether every bit of flag is set in s.
func (s StateFlag) Has(flag StateFlag) bool {
	return s&flag == flag
}

func (s StateFlag) String() string {
	if s == StateUnaware {
		return "unaware"
	}
	var parts []string
	rest := s
	for _, n := range stateNames {
		if s&n.flag != 0 {
			parts = append(parts, n.name)
			rest &^= n.flag
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// StatusSnapshot is a fresh view of a connected card. It is never cached.
type StatusSnapshot struct {
	State       StateFlag
	Protocol    Protocol
	ATR         []byte
	ReaderNames []string
}

// ReaderState is an in/out record for GetStatusChange. Callers fill Reader and
// CurrentState; the driver fills EventState and ATR.
type ReaderState struct {
	Reader       string
	CurrentState StateFlag
	EventState   StateFlag
	ATR          []byte
}

// Attrib identifies a reader/card attribute (SCARD_ATTR_*).
type Attrib uint32

const (
	AttrVendorName         Attrib = 0x00010100
	AttrVendorIfdType      Attrib = 0x00010101
	AttrVendorIfdVersion   Attrib = 0x00010102
	AttrVendorIfdSerialNo  Attrib = 0x00010103
	AttrCurrentProtocol    Attrib = 0x00080201
	AttrATRString          Attrib = 0x00090303
	AttrDeviceFriendlyName Attrib = 0x7fff0003
)
