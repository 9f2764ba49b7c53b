package nvram

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"smartfin-go/errcode"
)

func TestTypedHelpersOnMem(t *testing.T) {
	s := NewMem()

	_, err := GetU8(s, BootBehavior)
	assert.Equal(t, errcode.NotFound, errcode.Of(err))

	require.NoError(t, PutU8(s, UploadReattempts, 3))
	v, err := GetU8(s, UploadReattempts)
	require.NoError(t, err)
	assert.EqualValues(t, 3, v)

	require.NoError(t, PutBool(s, NoUploadFlag, true))
	b, err := GetBool(s, NoUploadFlag)
	require.NoError(t, err)
	assert.True(t, b)

	require.NoError(t, PutU32(s, TmpCalCyclePeriodSec, 3600))
	u, err := GetU32(s, TmpCalCyclePeriodSec)
	require.NoError(t, err)
	assert.EqualValues(t, 3600, u)

	coeffs := []uint32{1, 2, 3, 4, 5, 6, 7, 0xFFFFFFFF}
	require.NoError(t, PutU32s(s, CalCoeffs, coeffs))
	got, err := GetU32s(s, CalCoeffs, NumCalCoeffs)
	require.NoError(t, err)
	assert.Equal(t, coeffs, got)
}

func TestSizeMismatchRejected(t *testing.T) {
	s := NewMem()
	err := PutU32(s, BootBehavior, 1)
	assert.Equal(t, errcode.InvalidParams, errcode.Of(err))
	err = s.Put(Key(200), []byte{1})
	assert.Equal(t, errcode.InvalidParams, errcode.Of(err))
}

func TestFileSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvram.bin")
	log := zaptest.NewLogger(t)

	f, err := OpenFile(path, log)
	require.NoError(t, err)
	require.NoError(t, PutU8(f, BootBehavior, 1))
	require.NoError(t, PutBool(f, NVRAMValid, true))

	f2, err := OpenFile(path, log)
	require.NoError(t, err)
	v, err := GetU8(f2, BootBehavior)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)
	ok, err := GetBool(f2, NVRAMValid)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileCorruptImageReinitialises(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvram.bin")
	f, err := OpenFile(path, nil)
	require.NoError(t, err)
	require.NoError(t, PutU8(f, UploadReattempts, 2))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-6] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	f2, err := OpenFile(path, nil)
	require.NoError(t, err)
	_, err = GetU8(f2, UploadReattempts)
	assert.Equal(t, errcode.NotFound, errcode.Of(err))
}

func TestParseKey(t *testing.T) {
	for _, k := range Keys() {
		got, ok := ParseKey(k.String())
		require.True(t, ok, k.String())
		assert.Equal(t, k, got)
	}
	_, ok := ParseKey("NOPE")
	assert.False(t, ok)
}
