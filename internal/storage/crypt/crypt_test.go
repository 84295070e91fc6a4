package crypt

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoop(t *testing.T) {
	payload := []byte("plaintext payload")

	sealed, err := Noop{}.Seal(payload)
	require.NoError(t, err)
	assert.Equal(t, payload, sealed)

	opened, err := Noop{}.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, payload, opened)
}

func TestAESCTR_Roundtrip(t *testing.T) {
	tests := []struct {
		name    string
		keySize int
	}{
		{"aes128", 16},
		{"aes192", 24},
		{"aes256", 32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := bytes.Repeat([]byte{0x42}, tt.keySize)
			tr, err := NewAESCTR(key)
			require.NoError(t, err)

			payload := []byte("the payload that must survive the roundtrip")
			sealed, err := tr.Seal(payload)
			require.NoError(t, err)

			assert.NotEqual(t, payload, sealed[16:], "stored bytes must not be plaintext")

			opened, err := tr.Open(sealed)
			require.NoError(t, err)
			assert.Equal(t, payload, opened)
		})
	}
}

func TestAESCTR_RandomIV(t *testing.T) {
	tr, err := NewAESCTR(bytes.Repeat([]byte{0x01}, 32))
	require.NoError(t, err)

	payload := []byte("same payload")
	a, err := tr.Seal(payload)
	require.NoError(t, err)
	b, err := tr.Seal(payload)
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "each seal must use a fresh IV")
}

func TestAESCTR_BadKey(t *testing.T) {
	_, err := NewAESCTR([]byte("short"))
	assert.Error(t, err)
}

func TestAESCTR_ShortStored(t *testing.T) {
	tr, err := NewAESCTR(bytes.Repeat([]byte{0x01}, 16))
	require.NoError(t, err)

	_, err = tr.Open([]byte{0x01, 0x02, 0x03})
	assert.Error(t, err)
}

func TestAESCTR_EmptyPayload(t *testing.T) {
	tr, err := NewAESCTR(bytes.Repeat([]byte{0x07}, 16))
	require.NoError(t, err)

	sealed, err := tr.Seal(nil)
	require.NoError(t, err)

	opened, err := tr.Open(sealed)
	require.NoError(t, err)
	assert.Empty(t, opened)
}
