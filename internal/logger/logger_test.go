package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestForEnvironment(t *testing.T) {
	tests := []struct {
		name       string
		env        string
		format     string
		wantFormat string
	}{
		{"development defaults to console", "development", "", "console"},
		{"production defaults to json", "production", "", "json"},
		{"explicit format wins", "production", "console", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ForEnvironment(tt.env, "", tt.format)
			assert.Equal(t, tt.wantFormat, cfg.Format)
			assert.Equal(t, "info", cfg.Level)
		})
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&Config{Level: "info", Format: "json"}, &buf)

	log.Named("Worker").Info("task processed", zap.String("task_id", "t-1"))
	log.Debug("hidden")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "task processed", entry["msg"])
	assert.Equal(t, "Worker", entry["component"])
	assert.Equal(t, "t-1", entry["task_id"])
	assert.Equal(t, "info", entry["level"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "debug", parseLevel("DEBUG").String())
	assert.Equal(t, "warn", parseLevel("warning").String())
	assert.Equal(t, "error", parseLevel("error").String())
	assert.Equal(t, "info", parseLevel("bogus").String())
}
