package logger

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
)

func TestZeroLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "debug").With("session", "s1")

	l.Info("captured", "url", "https://a.test/x", "status", 200)

	line := buf.Bytes()
	assert.Equal(t, "captured", gjson.GetBytes(line, "message").String())
	assert.Equal(t, "s1", gjson.GetBytes(line, "session").String())
	assert.Equal(t, int64(200), gjson.GetBytes(line, "status").Int())
}

func TestZeroLoggerErrAndOddArgs(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "debug")

	l.Err(errors.New("boom"), "replay failed", "dangling")

	line := buf.Bytes()
	assert.Equal(t, "boom", gjson.GetBytes(line, "error").String())
	assert.Equal(t, "(MISSING)", gjson.GetBytes(line, "dangling").String())
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "warn")
	l.Debug("hidden")
	l.Info("hidden")
	assert.Zero(t, buf.Len())
	l.Warn("shown")
	assert.NotZero(t, buf.Len())
}

func TestNopLogger(t *testing.T) {
	l := NewNop()
	assert.NotPanics(t, func() {
		l.With("a", 1).Err(errors.New("x"), "msg")
	})
}
