package log

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriterLevels(t *testing.T) {
	tests := []struct {
		level   string
		wantErr bool
	}{
		{"debug", false},
		{"INFO", false},
		{"warn", false},
		{"error", false},
		{"verbose", true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			_, err := NewWithWriter(Config{Level: tt.level}, &bytes.Buffer{})
			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), "invalid log level")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(Config{Level: "warn"}, &buf)
	require.NoError(t, err)

	l.Debug("debug message")
	l.Info("info message")
	l.Warn("warn message")
	l.Error("error message")

	out := buf.String()
	assert.NotContains(t, out, "debug message")
	assert.NotContains(t, out, "info message")
	assert.Contains(t, out, "warn message")
	assert.Contains(t, out, "error message")
	assert.False(t, l.IsDebugEnabled())
}

func TestPatternAndSortedFields(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(Config{Level: "info", Pattern: "[%level] %field | %msg"}, &buf)
	require.NoError(t, err)

	l.WithFields(map[string]interface{}{"zeta": 1, "alpha": "a"}).Info("hello")

	assert.Equal(t, "[INFO] alpha=a,zeta=1 | hello\n", buf.String())
}

func TestAddAppender(t *testing.T) {
	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "netmgr.log")
		l, err := New(Config{
			Level: "info",
			Appenders: []AppenderConfig{{
				Type: "file",
				Options: map[string]interface{}{
					"filename":    path,
					"max_size":    1,
					"max_backups": 2,
				},
			}},
		})
		require.NoError(t, err)

		l.Info("written to file")

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.True(t, strings.Contains(string(data), "written to file"))
	})

	t.Run("file without filename", func(t *testing.T) {
		_, err := New(Config{Appenders: []AppenderConfig{{Type: "file"}}})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "filename")
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := New(Config{Appenders: []AppenderConfig{{Type: "kafka"}}})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported appender")
	})
}

func TestGetLoggerBeforeInit(t *testing.T) {
	assert.NotNil(t, GetLogger())
	require.NoError(t, Init(Config{Level: "error", Appenders: []AppenderConfig{{Type: "discard"}}}))
	assert.False(t, GetLogger().IsDebugEnabled())
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.WithField("k", "v").WithError(assert.AnError).Error("dropped")
	assert.False(t, l.IsDebugEnabled())
}
