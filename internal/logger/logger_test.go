package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "json stdout", config: Config{Level: "debug", Format: "json", Output: "stdout"}},
		{name: "text stderr", config: Config{Level: "info", Format: "text", Output: "stderr"}},
		{name: "file output", config: Config{Level: "warn", Format: "json", Output: filepath.Join(t.TempDir(), "logs", "nexrun.log")}},
		{name: "invalid level", config: Config{Level: "verbose", Format: "json", Output: "stdout"}, wantErr: true},
		{name: "invalid format", config: Config{Level: "debug", Format: "xml", Output: "stdout"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := New(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, log)
		})
	}
}

func TestLogger_LevelsAndFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log, err := New(Config{Level: "info", Format: "json", Writer: buf})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("job claimed", Field{Key: "job_id", Value: "j1"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "job claimed", entry["msg"])
	assert.Equal(t, "j1", entry["job_id"])
}

func TestLogger_ErrorAttachesError(t *testing.T) {
	buf := &bytes.Buffer{}
	log, err := New(Config{Level: "debug", Format: "json", Writer: buf})
	require.NoError(t, err)

	log.Error("poll failed", errors.New("store unavailable"), Field{Key: "worker_id", Value: "w1"})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "store unavailable", entry["error"])
	assert.Equal(t, "w1", entry["worker_id"])
	assert.Equal(t, "ERROR", entry["level"])
}

func TestLogger_Component(t *testing.T) {
	buf := &bytes.Buffer{}
	log, err := New(Config{Level: "debug", Format: "text", Writer: buf})
	require.NoError(t, err)

	log.Component("agents").Warn("sweep")

	assert.Contains(t, buf.String(), "component=agents")
	assert.Contains(t, buf.String(), "msg=sweep")
}

func TestNop(t *testing.T) {
	log := Nop()
	assert.NotPanics(t, func() {
		log.Error("ignored", errors.New("boom"))
		log.Info("ignored")
	})
}
