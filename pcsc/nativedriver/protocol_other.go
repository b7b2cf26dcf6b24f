//go:build !windows

package nativedriver

import (
	"github.com/ebfe/scard"

	"github.com/SimplyPrint/smartcard/pcsc"
)

// pcsc-lite protocol bits without a named constant in the binding.
const (
	protocolRaw scard.Protocol = 0x0004
	protocolT15 scard.Protocol = 0x0008
)

// pcsc-lite reports card state as a bitmask.
const (
	stateUnknown    = 0x0001
	stateAbsent     = 0x0002
	statePresent    = 0x0004
	stateSwallowed  = 0x0008
	statePowered    = 0x0010
	stateNegotiable = 0x0020
	stateSpecific   = 0x0040
)

func cardState(s uint32) pcsc.StateFlag {
	switch {
	case s&stateAbsent != 0:
		return pcsc.StateEmpty
	case s&(statePresent|stateSwallowed|statePowered|stateNegotiable|stateSpecific) != 0:
		return pcsc.StatePresent
	default:
		return pcsc.StateUnknown
	}
}
