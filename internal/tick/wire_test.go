package tick

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		n       int
		want    []byte
		wantErr bool
	}{
		{name: "zero", n: 0, wantErr: true},
		{name: "negative", n: -1, wantErr: true},
		{name: "one", n: 1, want: []byte{0x01}},
		{name: "max", n: 255, want: []byte{0xff}},
		{name: "overflow", n: 256, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeRequest(tt.n)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeTick(t *testing.T) {
	v, err := DecodeTick([]byte{0x78, 0x56, 0x34, 0x12})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12345678), v, "frames MUST be little-endian")

	_, err = DecodeTick([]byte{0x01, 0x02, 0x03})
	assert.ErrorIs(t, err, ErrMalformedFrame)
	_, err = DecodeTick(make([]byte, 5))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	v, err = DecodeTick(EncodeTick(4242))
	require.NoError(t, err)
	assert.Equal(t, uint32(4242), v)
}

func TestMaxTicksMatchesRequestWidth(t *testing.T) {
	assert.Equal(t, 255, MaxTicks)
}
