package log

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, WarnLevel, ParseLevel("warning"))
	assert.Equal(t, ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, InfoLevel, ParseLevel("verbose"))
}

func TestWithComponentWritesField(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf}))

	l := WithConnection("supervisor", "c1")
	l.Info().Msg("hello")

	assert.Contains(t, buf.String(), `"component":"supervisor"`)
	assert.Contains(t, buf.String(), `"connection_id":"c1"`)
}

func TestReopenFollowsRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gw.log")
	require.NoError(t, Init(Config{Level: InfoLevel, File: path}))
	t.Cleanup(func() { _ = Init(Config{Level: InfoLevel, Output: os.Stderr}) })

	Logger.Info().Msg("before")
	rotated := path + ".1"
	require.NoError(t, os.Rename(path, rotated))

	require.NoError(t, Reopen())
	Logger.Info().Msg("after")

	old, err := os.ReadFile(rotated)
	require.NoError(t, err)
	assert.Contains(t, string(old), "before")
	assert.NotContains(t, string(old), "after")

	cur, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(cur), "after")
}
