package nativedriver

import (
	"testing"

	"github.com/ebfe/scard"

	"github.com/SimplyPrint/smartcard/pcsc"
)

func TestShareModeMapping(t *testing.T) {
	tests := []struct {
		in   pcsc.ShareMode
		want scard.ShareMode
	}{
		{pcsc.ShareExclusive, scard.ShareExclusive},
		{pcsc.ShareShared, scard.ShareShared},
		{pcsc.ShareDirect, scard.ShareDirect},
	}
	for _, tt := range tests {
		got, err := toShareMode(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("toShareMode(%v) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := toShareMode(0); err == nil {
		t.Error("unresolved share mode should be rejected")
	}
}

func TestDispositionMapping(t *testing.T) {
	tests := []struct {
		disp pcsc.Disposition
		init pcsc.Initialization
		want scard.Disposition
	}{
		{pcsc.DispositionLeave, pcsc.InitLeave, scard.LeaveCard},
		{pcsc.DispositionReset, pcsc.InitReset, scard.ResetCard},
		{pcsc.DispositionUnpower, pcsc.InitUnpower, scard.UnpowerCard},
		{pcsc.DispositionEject, pcsc.InitEject, scard.EjectCard},
	}
	for _, tt := range tests {
		if got, err := toDisposition(tt.disp); err != nil || got != tt.want {
			t.Errorf("toDisposition(%v) = %v, %v", tt.disp, got, err)
		}
		if got, err := initDisposition(tt.init); err != nil || got != tt.want {
			t.Errorf("initDisposition(%v) = %v, %v", tt.init, got, err)
		}
	}
	if _, err := toDisposition(0); err == nil {
		t.Error("unresolved disposition should be rejected")
	}
	if _, err := initDisposition(9); err == nil {
		t.Error("unknown initialization should be rejected")
	}
}

func TestProtocolMapping(t *testing.T) {
	tests := []pcsc.Protocol{
		pcsc.ProtocolUndefined,
		pcsc.ProtocolT0,
		pcsc.ProtocolT1,
		pcsc.ProtocolAny,
		pcsc.ProtocolRaw,
	}
	for _, p := range tests {
		if got := fromProtocol(toProtocol(p)); got != p {
			t.Errorf("round trip of %v gave %v", p, got)
		}
	}
	if toProtocol(pcsc.ProtocolAny) != scard.ProtocolAny {
		t.Error("any should map to the binding's any")
	}
}

func TestCardState(t *testing.T) {
	if got := cardState(stateAbsent); got != pcsc.StateEmpty {
		t.Errorf("absent = %v", got)
	}
	for _, s := range []uint32{statePresent, statePowered, stateSpecific} {
		if got := cardState(s); got != pcsc.StatePresent {
			t.Errorf("cardState(%d) = %v, want present", s, got)
		}
	}
	if got := cardState(stateUnknown); got != pcsc.StateUnknown {
		t.Errorf("unknown = %v", got)
	}
}
