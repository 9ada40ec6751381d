package token

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestSealOpenRoundtrip(t *testing.T) {
	sealer, err := NewSealer(testKey)
	require.NoError(t, err)

	sealed, err := sealer.Seal("bearer-token-value")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "bearer-token-value", "sealed form must not leak the plaintext")

	opened, err := sealer.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "bearer-token-value", opened)
}

func TestSealIsNonDeterministic(t *testing.T) {
	sealer, err := NewSealer(testKey)
	require.NoError(t, err)

	a, err := sealer.Seal("same-token")
	require.NoError(t, err)
	b, err := sealer.Seal("same-token")
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "each seal must use a fresh nonce")
}

func TestOpenRejectsTampering(t *testing.T) {
	sealer, err := NewSealer(testKey)
	require.NoError(t, err)

	sealed, err := sealer.Seal("bearer-token-value")
	require.NoError(t, err)

	tampered := strings.Replace(sealed, sealed[4:5], "A", 1)
	if tampered == sealed {
		tampered = strings.Replace(sealed, sealed[4:5], "B", 1)
	}

	_, err = sealer.Open(tampered)
	assert.Error(t, err)
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	sealer, err := NewSealer(testKey)
	require.NoError(t, err)
	other, err := NewSealer("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
	require.NoError(t, err)

	sealed, err := sealer.Seal("bearer-token-value")
	require.NoError(t, err)

	_, err = other.Open(sealed)
	assert.Error(t, err)
}

func TestNewSealerValidatesKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"not hex", "zz"},
		{"too short", "0123456789abcdef"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSealer(tt.key)
			assert.Error(t, err)
		})
	}
}
