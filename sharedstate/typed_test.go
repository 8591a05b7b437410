package sharedstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAs(t *testing.T) {
	s := New()
	require.NoError(t, s.Set("f", 21.5))
	require.NoError(t, s.Set("i", 7))
	require.NoError(t, s.Set("s", "12"))
	require.NoError(t, s.Set("b", "true"))
	require.NoError(t, s.Set("word", "pump"))

	f, err := GetAs[float64](s, "f")
	require.NoError(t, err)
	assert.Equal(t, 21.5, f)

	asFloat, err := GetAs[float64](s, "i")
	require.NoError(t, err)
	assert.Equal(t, 7.0, asFloat)

	parsed, err := GetAs[int](s, "s")
	require.NoError(t, err)
	assert.Equal(t, 12, parsed)

	flag, err := GetAs[bool](s, "b")
	require.NoError(t, err)
	assert.True(t, flag)

	_, err = GetAs[int](s, "word")
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = GetAs[int](s, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	assert.Equal(t, 5, GetOr(s, "missing", 5))
	assert.Equal(t, "pump", GetOr(s, "word", "x"))
}
