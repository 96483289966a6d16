package secret

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBox_RoundTrip(t *testing.T) {
	box := NewBox("correct horse battery staple")

	sealed, err := box.Seal("sk-live-123")
	require.NoError(t, err)
	assert.True(t, IsEncrypted(sealed))
	assert.NotContains(t, sealed, "sk-live-123")

	opened, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-123", opened)
}

func TestBox_FreshNonce(t *testing.T) {
	box := NewBox("k")
	a, err := box.Seal("same")
	require.NoError(t, err)
	b, err := box.Seal("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestBox_WrongKey(t *testing.T) {
	sealed, err := NewBox("one").Seal("value")
	require.NoError(t, err)

	_, err = NewBox("two").Open(sealed)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "value")
}

func TestBox_Disabled(t *testing.T) {
	box := NewBox("")
	assert.False(t, box.Enabled())

	out, err := box.Seal("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", out)

	_, err = box.Open(Prefix + "AAAA")
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestBox_PassThrough(t *testing.T) {
	box := NewBox("k")

	out, err := box.Seal("")
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = box.Open("not-encrypted")
	require.NoError(t, err)
	assert.Equal(t, "not-encrypted", out)

	_, err = box.Open(Prefix + "!!notbase64")
	assert.Error(t, err)
}
