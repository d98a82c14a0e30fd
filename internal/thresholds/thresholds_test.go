package thresholds

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActiveStartsAsCopyOfDefaults(t *testing.T) {
	s := NewStore(Builtin())

	active, ok := s.Active("C7_E7")
	require.True(t, ok)
	assert.Equal(t, []Entry{{"t", 30}, {"w", 600}}, active)

	// Mutating the returned slice must not leak into the store.
	active[0].Value = 99
	again, _ := s.Active("C7_E7")
	assert.Equal(t, 30, again[0].Value)
}

func TestSetActiveUnknownKeyDoesNotMutate(t *testing.T) {
	s := NewStore(Builtin())
	before := len(s.Keys())

	err := s.SetActive("C9_E9", []Entry{{"t", 10}})
	require.ErrorIs(t, err, ErrUnknownKey)

	_, ok := s.Active("C9_E9")
	assert.False(t, ok)
	assert.Len(t, s.Keys(), before)
}

func TestSetActiveRejectsInvalidEntries(t *testing.T) {
	s := NewStore(Builtin())

	require.ErrorIs(t, s.SetActive("C5_E3", []Entry{{"tt", 10}}), ErrInvalidEntry)
	require.ErrorIs(t, s.SetActive("C5_E3", []Entry{{"t", -1}}), ErrInvalidEntry)
	require.ErrorIs(t, s.SetActive("C5_E3", []Entry{{"t", 1000}}), ErrInvalidEntry)

	active, _ := s.Active("C5_E3")
	assert.Equal(t, []Entry{{"t", 30}}, active)
}

func TestResetKeyIsIdempotent(t *testing.T) {
	s := NewStore(Builtin())
	require.NoError(t, s.SetActive("C5_E3", []Entry{{"t", 45}}))

	changed, err := s.ResetKey("C5_E3")
	require.NoError(t, err)
	assert.True(t, changed)
	first, _ := s.Active("C5_E3")

	changed, err = s.ResetKey("C5_E3")
	require.NoError(t, err)
	assert.False(t, changed)
	second, _ := s.Active("C5_E3")

	assert.Equal(t, first, second)
	assert.Equal(t, []Entry{{"t", 30}}, second)
}

func TestResetKeyUnknown(t *testing.T) {
	s := NewStore(Builtin())
	_, err := s.ResetKey("nope")
	require.ErrorIs(t, err, ErrUnknownKey)
}

func TestResetAll(t *testing.T) {
	s := NewStore(Builtin())
	require.NoError(t, s.SetActive("C5_E3", []Entry{{"t", 45}}))
	require.NoError(t, s.SetActive("C8_E6", []Entry{{"n", 100}}))

	s.ResetAll()

	a, _ := s.Active("C5_E3")
	b, _ := s.Active("C8_E6")
	assert.Equal(t, []Entry{{"t", 30}}, a)
	assert.Equal(t, []Entry{{"n", 500}}, b)
}

func TestDefaultsAreNotAliased(t *testing.T) {
	src := Table{"C1_E1": {{"t", 10}}}
	s := NewStore(src)
	src["C1_E1"][0].Value = 50

	d, ok := s.Default("C1_E1")
	require.True(t, ok)
	assert.Equal(t, 10, d[0].Value)
}

func TestSensorCodes(t *testing.T) {
	s := NewStore(Builtin())
	assert.Equal(t, []string{"t", "l"}, s.SensorCodes("C8_E5"))
	assert.Empty(t, s.SensorCodes("missing"))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "C5_E3", Key(5, 3))
}

func TestLoadDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	body := "C1_E1:\n  - {code: t, value: 25}\n  - {code: w, value: 70}\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	table, err := LoadDefaults(path)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{"t", 25}, {"w", 70}}, table["C1_E1"])
}

func TestLoadDefaultsRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	require.NoError(t, os.WriteFile(path, []byte("C1_E1:\n  - {code: t, value: 5000}\n"), 0o644))

	_, err := LoadDefaults(path)
	require.ErrorIs(t, err, ErrInvalidEntry)
}

func TestBuiltinDefaultsAreValid(t *testing.T) {
	for key, list := range Builtin() {
		assert.NoError(t, Validate(list), key)
	}
}
