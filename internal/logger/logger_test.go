package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tc.log")
	log, err := New(Options{Level: "debug", Format: "json", File: path})
	assert.NilError(t, err)

	log.Named("dispatcher").Info("task assigned")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	assert.NilError(t, err)
	assert.Assert(t, strings.Contains(string(data), `"logger":"dispatcher"`), string(data))
	assert.Assert(t, strings.Contains(string(data), "task assigned"))
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.ErrorContains(t, err, "log level")

	_, err = New(Options{Level: "info", Format: "xml"})
	assert.ErrorContains(t, err, "log format")
}
