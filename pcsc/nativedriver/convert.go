package nativedriver

import (
	"fmt"

	"github.com/ebfe/scard"

	"github.com/SimplyPrint/smartcard/pcsc"
)

func toShareMode(m pcsc.ShareMode) (scard.ShareMode, error) {
	switch m {
	case pcsc.ShareExclusive:
		return scard.ShareExclusive, nil
	case pcsc.ShareShared:
		return scard.ShareShared, nil
	case pcsc.ShareDirect:
		return scard.ShareDirect, nil
	default:
		return 0, fmt.Errorf("unknown share mode %v", m)
	}
}

func toDisposition(d pcsc.Disposition) (scard.Disposition, error) {
	switch d {
	case pcsc.DispositionLeave:
		return scard.LeaveCard, nil
	case pcsc.DispositionReset:
		return scard.ResetCard, nil
	case pcsc.DispositionUnpower:
		return scard.UnpowerCard, nil
	case pcsc.DispositionEject:
		return scard.EjectCard, nil
	default:
		return 0, fmt.Errorf("unknown disposition %v", d)
	}
}

// initDisposition maps a reconnect initialization onto the disposition
// values SCardReconnect takes.
func initDisposition(i pcsc.Initialization) (scard.Disposition, error) {
	switch i {
	case pcsc.InitLeave:
		return scard.LeaveCard, nil
	case pcsc.InitReset:
		return scard.ResetCard, nil
	case pcsc.InitUnpower:
		return scard.UnpowerCard, nil
	case pcsc.InitEject:
		return scard.EjectCard, nil
	default:
		return 0, fmt.Errorf("unknown initialization %v", i)
	}
}

func toProtocol(p pcsc.Protocol) scard.Protocol {
	var out scard.Protocol
	if p&pcsc.ProtocolT0 != 0 {
		out |= scard.ProtocolT0
	}
	if p&pcsc.ProtocolT1 != 0 {
		out |= scard.ProtocolT1
	}
	if p&pcsc.ProtocolRaw != 0 {
		out |= protocolRaw
	}
	if p&pcsc.ProtocolT15 != 0 {
		out |= protocolT15
	}
	return out
}

func fromProtocol(p scard.Protocol) pcsc.Protocol {
	var out pcsc.Protocol
	if p&scard.ProtocolT0 != 0 {
		out |= pcsc.ProtocolT0
	}
	if p&scard.ProtocolT1 != 0 {
		out |= pcsc.ProtocolT1
	}
	if protocolRaw != 0 && p&protocolRaw != 0 {
		out |= pcsc.ProtocolRaw
	}
	if protocolT15 != 0 && p&protocolT15 != 0 {
		out |= pcsc.ProtocolT15
	}
	return out
}
