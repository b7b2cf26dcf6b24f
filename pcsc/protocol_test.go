package pcsc

import (
	"errors"
	"testing"
)

func TestResolveDescriptor(t *testing.T) {
	tests := []struct {
		name     string
		protocol Protocol
		want     IoDescriptor
		wantErr  bool
	}{
		{"T=0", ProtocolT0, IoT0, false},
		{"T=1", ProtocolT1, IoT1, false},
		{"raw", ProtocolRaw, IoRaw, false},
		{"T=15", ProtocolT15, IoDescriptor{}, true},
		{"any", ProtocolAny, IoDescriptor{}, true},
		{"undefined", ProtocolUndefined, IoDescriptor{}, true},
		{"unknown bit", Protocol(0x40), IoDescriptor{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveDescriptor(tt.protocol)
			if tt.wantErr {
				if !errors.Is(err, ErrProtocol) {
					t.Fatalf("ResolveDescriptor(%v) error = %v, want ErrProtocol", tt.protocol, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveDescriptor(%v) unexpected error: %v", tt.protocol, err)
			}
			if got != tt.want {
				t.Errorf("ResolveDescriptor(%v) = %+v, want %+v", tt.protocol, got, tt.want)
			}
		})
	}
}

func TestScopeValid(t *testing.T) {
	for _, s := range []Scope{ScopeUser, ScopeTerminal, ScopeSystem} {
		if !s.Valid() {
			t.Errorf("%v should be valid", s)
		}
	}
	for _, s := range []Scope{0, 4, 0xffffffff} {
		if s.Valid() {
			t.Errorf("%v should not be valid", s)
		}
	}
}

func TestStateFlagString(t *testing.T) {
	tests := []struct {
		flag StateFlag
		want string
	}{
		{StateUnaware, "unaware"},
		{StatePresent, "present"},
		{StatePresent | StateChanged, "changed|present"},
		{StateEmpty | StateFlag(0x10000), "empty|0x10000"},
	}
	for _, tt := range tests {
		if got := tt.flag.String(); got != tt.want {
			t.Errorf("StateFlag(0x%x).String() = %q, want %q", uint32(tt.flag), got, tt.want)
		}
	}
}

func TestDispositionDefault(t *testing.T) {
	if got := Disposition(0).or(DispositionUnpower); got != DispositionUnpower {
		t.Errorf("zero disposition resolved to %v", got)
	}
	if got := DispositionEject.or(DispositionUnpower); got != DispositionEject {
		t.Errorf("explicit disposition replaced by %v", got)
	}
}

func TestErrorMatching(t *testing.T) {
	cause := errors.New("SCARD_E_NO_SERVICE")
	err := driverError("establish context", "context(system)", cause)

	if !errors.Is(err, ErrDriver) {
		t.Error("expected ErrDriver kind")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable")
	}
	if errors.Is(err, ErrResourceState) {
		t.Error("unexpected ErrResourceState kind")
	}

	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatal("expected *Error")
	}
	if pe.Op != "establish context" {
		t.Errorf("Op = %q", pe.Op)
	}
	want := "pcsc: establish context context(system): driver error: SCARD_E_NO_SERVICE"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
