package bitmap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sarettamcqueen/blockfs/bitmap"
	"github.com/sarettamcqueen/blockfs/errs"
)

func TestFindFirstFree_SkipsIndexZero(t *testing.T) {
	b := bitmap.New(8)
	assert.Equal(t, 1, b.FindFirstFree())

	require.NoError(t, b.Set(0))
	assert.Equal(t, 1, b.FindFirstFree(), "index 0 must never be offered as free")
}

func TestSetClearRoundTrip(t *testing.T) {
	b := bitmap.New(16)
	require.NoError(t, b.Set(3))
	got, err := b.Get(3)
	require.NoError(t, err)
	assert.True(t, got)

	require.NoError(t, b.Clear(3))
	got, err = b.Get(3)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestToggle(t *testing.T) {
	b := bitmap.New(8)
	v, err := b.Toggle(2)
	require.NoError(t, err)
	assert.True(t, v)

	v, err = b.Toggle(2)
	require.NoError(t, err)
	assert.False(t, v)
}

func TestRangeOps(t *testing.T) {
	b := bitmap.New(10)
	require.NoError(t, b.SetRange(2, 4))
	for i := 2; i < 6; i++ {
		got, err := b.Get(i)
		require.NoError(t, err)
		assert.Truef(t, got, "bit %d should be set", i)
	}
	assert.Equal(t, 4, b.CountUsed())

	require.NoError(t, b.ClearRange(3, 2))
	assert.Equal(t, 2, b.CountUsed())
}

func TestOutOfRangeIsInvalid(t *testing.T) {
	b := bitmap.New(4)
	_, err := b.Get(4)
	require.Error(t, err)
	assert.Equal(t, errs.Invalid, errs.CodeOf(err))

	err = b.Set(-1)
	require.Error(t, err)
	assert.Equal(t, errs.Invalid, errs.CodeOf(err))
}

func TestFindNextFree(t *testing.T) {
	b := bitmap.New(8)
	require.NoError(t, b.SetRange(0, 5))
	assert.Equal(t, 5, b.FindNextFree(0))
	assert.Equal(t, bitmap.NotFound, b.FindNextFree(8))
}

func TestCountFree(t *testing.T) {
	b := bitmap.New(8)
	require.NoError(t, b.Set(0))
	require.NoError(t, b.Set(1))
	assert.Equal(t, 6, b.CountFree())
	assert.Equal(t, 2, b.CountUsed())
}
