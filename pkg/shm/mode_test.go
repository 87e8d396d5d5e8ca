package shm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeString(t *testing.T) {
	assert.Equal(t, "read-only", ModeReadOnly.String())
	assert.Equal(t, "writable", ModeWritable.String())
	assert.Equal(t, "unsafe", ModeUnsafe.String())
	assert.Equal(t, "Mode(7)", Mode(7).String())
}

func TestModeValid(t *testing.T) {
	for _, m := range []Mode{ModeReadOnly, ModeWritable, ModeUnsafe} {
		assert.True(t, m.Valid(), m.String())
	}
	assert.False(t, Mode(3).Valid())
	assert.False(t, ModeReadOnly.allowsWrite())
	assert.True(t, ModeWritable.allowsWrite())
	assert.True(t, ModeUnsafe.allowsWrite())
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeReadOnly, ModeWritable, ModeUnsafe} {
		got, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseMode("sideways")
	assert.ErrorContains(t, err, "unknown mode")
	_, err = ParseMode("Mode(3)")
	assert.Error(t, err)
}

func TestIDs(t *testing.T) {
	var zero ID
	assert.True(t, zero.IsZero())

	a, b := NewID(), NewID()
	assert.False(t, a.IsZero())
	assert.NotEqual(t, a, b)

	parsed, err := ParseID(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)

	_, err = ParseID("not-an-id")
	assert.Error(t, err)

	assert.Equal(t, "shm-region-"+a.String(), a.dumpName())
	assert.NotContains(t, a.dumpName(), "/")
}
