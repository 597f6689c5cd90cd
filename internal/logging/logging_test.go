package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFromString(t *testing.T) {
	assert.Equal(t, slog.LevelError, levelFromString("ERROR"))
	assert.Equal(t, slog.LevelWarn, levelFromString(" warning "))
	assert.Equal(t, slog.LevelDebug, levelFromString("debug"))
	assert.Equal(t, slog.LevelInfo, levelFromString("INFO"))
	assert.Equal(t, slog.LevelInfo, levelFromString(""))
}

func TestVerboseForcesDebug(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "error", true)
	log.Debug("slot claimed", "slot", "morning")
	assert.Contains(t, buf.String(), "slot=morning")

	buf.Reset()
	log = NewWithWriter(&buf, "error", false)
	log.Info("hidden")
	assert.Empty(t, buf.String())
}
