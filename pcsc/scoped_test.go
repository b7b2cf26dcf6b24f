package pcsc_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/SimplyPrint/smartcard/pcsc"
	"github.com/SimplyPrint/smartcard/pcsc/mockdriver"
)

// run calls fn and reports whether it panicked.
func run(fn func()) (panicked bool) {
	defer func() {
		if recover() != nil {
			panicked = true
		}
	}()
	fn()
	return false
}

func TestWithContext(t *testing.T) {
	fnErr := errors.New("listing failed")

	tests := []struct {
		name      string
		body      func(*pcsc.Context) error
		wantErr   error
		wantPanic bool
	}{
		{"success", func(ctx *pcsc.Context) error { _, err := ctx.ListReaders(); return err }, nil, false},
		{"error", func(*pcsc.Context) error { return fnErr }, fnErr, false},
		{"panic", func(*pcsc.Context) error { panic("boom") }, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := mockdriver.New()
			var err error
			panicked := run(func() { err = pcsc.WithContext(d, pcsc.ScopeUser, tt.body) })

			if panicked != tt.wantPanic {
				t.Fatalf("panicked = %v, want %v", panicked, tt.wantPanic)
			}
			if err != tt.wantErr {
				t.Errorf("WithContext() error = %v, want %v", err, tt.wantErr)
			}
			if n := d.Count(mockdriver.OpRelease); n != 1 {
				t.Errorf("release called %d times", n)
			}
			if ctxs, _ := d.Open(); ctxs != 0 {
				t.Errorf("%d contexts left open", ctxs)
			}
		})
	}
}

func TestWithContext_InvalidScope(t *testing.T) {
	d := mockdriver.New()
	called := false
	err := pcsc.WithContext(d, pcsc.Scope(9), func(*pcsc.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, pcsc.ErrInvalidScope) {
		t.Errorf("WithContext() error = %v, want ErrInvalidScope", err)
	}
	if called || len(d.Calls()) != 0 {
		t.Error("nothing should run for an invalid scope")
	}
}

func TestWithContext_ReleaseFailureJoined(t *testing.T) {
	relErr := errors.New("service stopped")
	d := mockdriver.New().WithError(mockdriver.OpRelease, relErr)

	err := pcsc.WithContext(d, pcsc.ScopeSystem, func(*pcsc.Context) error { return nil })
	if !errors.Is(err, relErr) {
		t.Errorf("WithContext() error = %v, want release failure", err)
	}
}

func TestWithCard(t *testing.T) {
	fnErr := errors.New("bad response")
	want := []mockdriver.Op{
		mockdriver.OpEstablish,
		mockdriver.OpListReaders,
		mockdriver.OpConnect,
		mockdriver.OpDisconnect,
		mockdriver.OpRelease,
	}

	tests := []struct {
		name      string
		body      func(*pcsc.Card) error
		wantErr   error
		wantPanic bool
	}{
		{"success", func(*pcsc.Card) error { return nil }, nil, false},
		{"error", func(*pcsc.Card) error { return fnErr }, fnErr, false},
		{"panic", func(*pcsc.Card) error { panic("boom") }, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := mockdriver.New()
			var err error
			panicked := run(func() { err = pcsc.WithCard(d, pcsc.CardOptions{}, tt.body) })

			if panicked != tt.wantPanic {
				t.Fatalf("panicked = %v, want %v", panicked, tt.wantPanic)
			}
			if err != tt.wantErr {
				t.Errorf("WithCard() error = %v, want %v", err, tt.wantErr)
			}
			if got := d.Ops(); !slices.Equal(got, want) {
				t.Errorf("driver ops = %v, want %v", got, want)
			}
			if c := lastCall(t, d, mockdriver.OpDisconnect); c.Disposition != pcsc.DispositionUnpower {
				t.Errorf("disconnect disposition = %v, want unpower", c.Disposition)
			}
			if c := lastCall(t, d, mockdriver.OpEstablish); c.Scope != pcsc.ScopeSystem {
				t.Errorf("scope = %v, want system", c.Scope)
			}
		})
	}
}

func TestWithCard_ExplicitOptions(t *testing.T) {
	d := mockdriver.New().WithReaders("Reader A", "Reader B")
	opts := pcsc.CardOptions{
		Scope:       pcsc.ScopeTerminal,
		Reader:      "Reader B",
		ShareMode:   pcsc.ShareShared,
		Protocol:    pcsc.ProtocolT1,
		Disposition: pcsc.DispositionLeave,
	}

	var reader string
	err := pcsc.WithCard(d, opts, func(c *pcsc.Card) error {
		reader = c.ReaderName()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if reader != "Reader B" {
		t.Errorf("card reader = %q", reader)
	}

	conn := lastCall(t, d, mockdriver.OpConnect)
	if conn.ShareMode != pcsc.ShareShared || conn.Protocol != pcsc.ProtocolT1 {
		t.Errorf("connect call = %+v", conn)
	}
	if c := lastCall(t, d, mockdriver.OpDisconnect); c.Disposition != pcsc.DispositionLeave {
		t.Errorf("disconnect disposition = %v", c.Disposition)
	}
	if c := lastCall(t, d, mockdriver.OpEstablish); c.Scope != pcsc.ScopeTerminal {
		t.Errorf("scope = %v", c.Scope)
	}
}

func TestWithCard_ConnectFailureReleasesContext(t *testing.T) {
	d := mockdriver.New().WithError(mockdriver.OpConnect, errors.New("no smart card"))
	called := false

	err := pcsc.WithCard(d, pcsc.CardOptions{}, func(*pcsc.Card) error {
		called = true
		return nil
	})
	if !errors.Is(err, pcsc.ErrDriver) {
		t.Errorf("WithCard() error = %v, want ErrDriver", err)
	}
	if called {
		t.Error("body ran without a card")
	}
	if n := d.Count(mockdriver.OpDisconnect); n != 0 {
		t.Errorf("disconnect called %d times", n)
	}
	if n := d.Count(mockdriver.OpRelease); n != 1 {
		t.Errorf("release called %d times", n)
	}
}

func TestWithCard_TransmitInside(t *testing.T) {
	d := mockdriver.New()
	var rsp []byte
	err := pcsc.WithCard(d, pcsc.CardOptions{}, func(c *pcsc.Card) error {
		return c.Transaction(0, func(c *pcsc.Card) error {
			var err error
			rsp, err = c.Transmit(selectAID)
			return err
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rsp) != 2 || rsp[0] != 0x6D {
		t.Errorf("response = % X", rsp)
	}
	if ctxs, cards := d.Open(); ctxs != 0 || cards != 0 {
		t.Errorf("left open: %d contexts, %d cards", ctxs, cards)
	}
}
