package logging

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	lines []string
}

func (c *captured) funcs() LogFuncs {
	record := func(level string) LogFunc {
		return func(format string, args ...interface{}) {
			c.lines = append(c.lines, level+" "+fmt.Sprintf(format, args...))
		}
	}
	return LogFuncs{
		Debugf: record("DEBUG"),
		Infof:  record("INFO"),
		Warnf:  record("WARN"),
		Errorf: record("ERROR"),
	}
}

func TestLogger_PrefixAndLevels(t *testing.T) {
	c := &captured{}
	logger := NewLogger("module: injector , ", c.funcs())

	logger.Debugf("resolved loader, address: 0x%x", 0x1000)
	logger.Infof("injected, pid: %d", 42)
	logger.Warnf("retrying")
	logger.Errorf("failed")
	logger.LogLevelf(LogLevelWarn, "explicit level")

	require.Len(t, c.lines, 5)
	assert.Equal(t, "DEBUG module: injector , resolved loader, address: 0x1000", c.lines[0])
	assert.Equal(t, "INFO module: injector , injected, pid: 42", c.lines[1])
	assert.Equal(t, "WARN module: injector , explicit level", c.lines[4])
}

func TestLogger_MissingFuncsAreSkipped(t *testing.T) {
	c := &captured{}
	funcs := c.funcs()
	funcs.Debugf = nil
	logger := NewLogger("", funcs)

	logger.Debugf("dropped")
	logger.Infof("kept")

	assert.Equal(t, []string{"INFO kept"}, c.lines)
}

func TestWithPrefix(t *testing.T) {
	c := &captured{}
	parent := NewLogger("root: ", c.funcs())
	child := WithPrefix(parent, "reclaimer: ")

	child.Errorf("no holder for %s", "Guard")

	require.Len(t, c.lines, 1)
	assert.Equal(t, "ERROR root: reclaimer: no holder for Guard", c.lines[0])

	assert.NotPanics(t, func() {
		WithPrefix(nil, "x").Infof("nothing")
		NewNopLogger().Errorf("nothing")
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected int
	}{
		{"debug", LogLevelDebug},
		{"INFO", LogLevelInfo},
		{"warning", LogLevelWarn},
		{"error", LogLevelError},
		{"", LogLevelInfo},
		{"verbose", LogLevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.input))
		})
	}
}

func TestNewZapBackend(t *testing.T) {
	backend, err := NewZapBackend(DefaultZapConfig())
	require.NoError(t, err)

	logger := NewLogger("", backend.Funcs())
	assert.NotPanics(t, func() { logger.Infof("zap backend ready, level: %s", "info") })

	_, err = getLevelFromString("chatty")
	assert.Error(t, err)
}
