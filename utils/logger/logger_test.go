package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelInfo, ParseLevel(" INFO "))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelCritical, ParseLevel("critical"))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}

func TestLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger("Test", "WARN", &buf)

	log.Debugf("dropped %d", 1)
	log.Infof("dropped %d", 2)
	log.Warnf("kept %d", 3)
	log.Errorf("kept %d", 4)

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept 3")
	assert.Contains(t, out, "kept 4")
}

func TestLoggerLineFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger("Client", "INFO", &buf)

	log.Infof("hello %s", "world")

	line := buf.String()
	assert.Contains(t, line, "| INFO     |")
	assert.Contains(t, line, "[Client] hello world")
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2} \|`, line)
}
