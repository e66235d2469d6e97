package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitConsole(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.TraceLevel) })

	var buf bytes.Buffer
	l, closer := Init(Options{Out: &buf})
	defer closer.Close()

	l.Debug().Msg("hidden")
	l.Info().Str("path", "a.txt").Msg("uploaded")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[INFO]")
	assert.Contains(t, out, "uploaded")
	assert.Contains(t, out, "(path)a.txt")
}

func TestInitDebug(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.TraceLevel) })

	var buf bytes.Buffer
	l, closer := Init(Options{Out: &buf, Debug: true})
	defer closer.Close()

	l.Debug().Msg("visible")
	assert.Contains(t, buf.String(), "[DEBUG]")
	assert.Contains(t, buf.String(), "visible")
}

func TestInitFile(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.TraceLevel) })

	file := filepath.Join(t.TempDir(), "agent.log")
	l, closer := Init(Options{File: file})
	l.Warn().Msg("rotated output")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[WARN]")
	assert.Contains(t, string(data), "rotated output")
}
