package relay

import (
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimplyPrint/smartcard/pcsc"
)

func TestFrameUsesIntegerKeys(t *testing.T) {
	data, err := encodeFrame(frame{ID: "abc", Op: opTransmit, Protocol: pcsc.ProtocolT1, Data: []byte{0x00}})
	require.NoError(t, err)

	var raw map[int]any
	require.NoError(t, cbor.Unmarshal(data, &raw))
	assert.Equal(t, "abc", raw[1])
	assert.Equal(t, opTransmit, raw[2])
	assert.EqualValues(t, pcsc.ProtocolT1, raw[14])
	assert.NotContains(t, raw, 4, "empty error must be omitted")
}

func TestFrameKeepsEmptyData(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"nil", nil},
		{"empty", []byte{}},
		{"bytes", []byte{0x90, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := encodeFrame(frame{ID: "abc", Data: tt.data})
			require.NoError(t, err)
			got, err := decodeFrame(enc)
			require.NoError(t, err)
			assert.Equal(t, tt.data == nil, got.Data == nil)
			assert.Equal(t, len(tt.data), len(got.Data))
		})
	}
}

func TestDecodeFrameRejectsBadInput(t *testing.T) {
	_, err := decodeFrame([]byte{0xff, 0x00})
	assert.Error(t, err)

	data, err := encodeFrame(frame{Op: opStatus})
	require.NoError(t, err)
	_, err = decodeFrame(data)
	assert.ErrorContains(t, err, "missing request id")
}

func TestTimeoutConversion(t *testing.T) {
	assert.Equal(t, int64(-1), timeoutToMillis(-1))
	assert.Equal(t, int64(1500), timeoutToMillis(1500*time.Millisecond))
	assert.Equal(t, time.Duration(-1), millisToTimeout(-1))
	assert.Equal(t, 250*time.Millisecond, millisToTimeout(250))
}
