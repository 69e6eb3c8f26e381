package fileid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	seen := make(map[string]bool)

	for i := 0; i < 100; i++ {
		id := New()
		assert.True(t, Valid(id), "generated ID %q must be valid", id)
		assert.False(t, seen[id], "generated ID %q must be unique", id)
		seen[id] = true
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{name: "valid lowercase hex", id: "0123456789abcdef", want: true},
		{name: "too short", id: "0123456789abcde", want: false},
		{name: "too long", id: "0123456789abcdef0", want: false},
		{name: "uppercase rejected", id: "0123456789ABCDEF", want: false},
		{name: "non-hex characters", id: "0123456789abcdeg", want: false},
		{name: "empty", id: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Valid(tt.id))
		})
	}
}

func TestClientID(t *testing.T) {
	a, err := ClientID("alice")
	require.NoError(t, err)
	require.True(t, Valid(a))

	// Stable: same name, same ID.
	a2, err := ClientID("alice")
	require.NoError(t, err)
	assert.Equal(t, a, a2)

	// Whitespace is trimmed before derivation.
	a3, err := ClientID("  alice ")
	require.NoError(t, err)
	assert.Equal(t, a, a3)

	// Different names diverge.
	b, err := ClientID("bob")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestClientIDEmpty(t *testing.T) {
	_, err := ClientID("   ")
	require.Error(t, err)
}
