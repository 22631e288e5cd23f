package util

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeRFC3339(t *testing.T) {
	s := "2024-10-10T10:10:10Z"
	got, ok := ParseTime(s)
	require.True(t, ok)
	assert.Equal(t, s, got.Format(time.RFC3339))

	got, ok = ParseTime("2024-10-10T10:10:10.123456Z")
	require.True(t, ok)
	assert.Equal(t, 123456000, got.Nanosecond())
}

func TestParseTimeUnix(t *testing.T) {
	ref := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC)

	got, ok := ParseTime(strconv.FormatInt(ref.Unix(), 10))
	require.True(t, ok)
	assert.True(t, got.Equal(ref))

	got, ok = ParseTime(strconv.FormatInt(ref.UnixMilli()+250, 10))
	require.True(t, ok)
	assert.Equal(t, ref.Add(250*time.Millisecond), got)
}

func TestParseTimeDefault(t *testing.T) {
	def := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC)
	assert.True(t, ParseTimeDefault("", def).Equal(def))
	assert.True(t, ParseTimeDefault("yesterday", def).Equal(def))
}

func TestStorageTime(t *testing.T) {
	in := time.Date(2024, 1, 1, 0, 0, 0, 1_234_567, time.FixedZone("x", 3600))
	out := StorageTime(in)
	assert.Equal(t, time.UTC, out.Location())
	assert.Equal(t, 1_234_000, out.Nanosecond())
}
