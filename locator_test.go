package airdrop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocator(t *testing.T) {
	loc, err := Locator("https://share.example.com/app/", "k3j4h5")
	require.NoError(t, err)
	assert.Equal(t, "https://share.example.com/app?id=k3j4h5", loc)

	loc, err = Locator("http://localhost:8080/?id=old#frag", "abc")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080?id=abc", loc)

	_, err = Locator("http://localhost:8080", "Not/Valid")
	require.ErrorIs(t, err, ErrInvalidID)
}

func TestParseLocator(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{name: "url", in: "https://share.example.com/app?id=abc123", want: "abc123"},
		{name: "bare id", in: "abc123", want: "abc123"},
		{name: "padded", in: "  http://localhost:8080/?id=z9  ", want: "z9"},
		{name: "missing", in: "http://localhost:8080/", wantErr: ErrNoIdentifier},
		{name: "traversal", in: "http://localhost:8080/?id=..%2Fsecret", wantErr: ErrInvalidID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLocator(tt.in)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocatorRoundTrip(t *testing.T) {
	id := NewID()
	loc, err := Locator("http://localhost:8080", id)
	require.NoError(t, err)

	got, err := ParseLocator(loc)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestQRCodeURL(t *testing.T) {
	got := QRCodeURL("", "http://localhost:8080?id=abc", 0)
	assert.Equal(t,
		"https://api.qrserver.com/v1/create-qr-code/?size=200x200&data=http%3A%2F%2Flocalhost%3A8080%3Fid%3Dabc",
		got)

	got = QRCodeURL("http://qr.test/render", "x", 64)
	assert.Equal(t, "http://qr.test/render?size=64x64&data=x", got)
}
