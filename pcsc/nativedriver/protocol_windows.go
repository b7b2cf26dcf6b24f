//go:build windows

package nativedriver

import (
	"github.com/ebfe/scard"

	"github.com/SimplyPrint/smartcard/pcsc"
)

// WinSCard has a raw protocol at a different bit and no T=15.
const (
	protocolRaw scard.Protocol = 0x00010000
	protocolT15 scard.Protocol = 0
)

// WinSCard reports card state as an enumeration.
const (
	stateUnknown = iota
	stateAbsent
	statePresent
	stateSwallowed
	statePowered
	stateNegotiable
	stateSpecific
)

func cardState(s uint32) pcsc.StateFlag {
	switch {
	case s == stateAbsent:
		return pcsc.StateEmpty
	case s >= statePresent && s <= stateSpecific:
		return pcsc.StatePresent
	default:
		return pcsc.StateUnknown
	}
}
