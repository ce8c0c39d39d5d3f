package pkg

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{
			name: "default config",
			cfg:  nil,
		},
		{
			name: "json to stdout",
			cfg: &Config{
				Level:   "debug",
				Format:  FormatJSON,
				Console: ConsoleConfig{Enable: true, Output: "stdout"},
			},
		},
		{
			name: "console to stderr",
			cfg: &Config{
				Level:   "warn",
				Format:  FormatConsole,
				Console: ConsoleConfig{Enable: true, Output: "stderr", NoColor: true},
			},
		},
		{
			name: "no output",
			cfg: &Config{
				Level:  "info",
				Format: FormatJSON,
			},
		},
		{
			name: "invalid level",
			cfg: &Config{
				Level:  "loud",
				Format: FormatJSON,
			},
			wantErr: true,
		},
		{
			name: "unsupported format",
			cfg: &Config{
				Level:   "info",
				Format:  "xml",
				Console: ConsoleConfig{Enable: true},
			},
			wantErr: true,
		},
		{
			name: "file output without path",
			cfg: &Config{
				Level: "info",
				File:  FileConfig{Enable: true},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
			assert.NoError(t, logger.Close())
		})
	}
}

func TestFileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "nested", "node.log")

	logger, err := New(&Config{
		Level:  "info",
		Format: FormatJSON,
		File: FileConfig{
			Enable:     true,
			Path:       logFile,
			MaxSize:    1,
			MaxAge:     7,
			MaxBackups: 3,
		},
	})
	require.NoError(t, err)

	logger.Info().Str("node_id", "17ba0791").Msg("ring created")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"node_id":"17ba0791"`)
	assert.Contains(t, string(data), `"message":"ring created"`)
}

func TestAsyncFileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "async.log")

	logger, err := New(&Config{
		Level:      "debug",
		Format:     FormatJSON,
		AsyncWrite: true,
		BufferSize: 128,
		File: FileConfig{
			Enable: true,
			Path:   logFile,
		},
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		logger.Debug().Int("seq", i).Msg("async")
	}
	// Close drains the diode before closing the file
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, 10, strings.Count(string(data), `"message":"async"`))
}

func TestWithFields(t *testing.T) {
	logger, err := New(&Config{
		Level:  "info",
		Format: FormatJSON,
		Fields: Fields{"service": "gochord"},
	})
	require.NoError(t, err)

	child := logger.WithFields(Fields{"component": "chord"})
	grandchild := child.Component("liveness")

	assert.Equal(t, Fields{"service": "gochord"}, logger.Fields())
	assert.Equal(t, Fields{"service": "gochord", "component": "chord"}, child.Fields())
	assert.Equal(t, "liveness", grandchild.Fields()["component"])
}

func TestUpdateLevel(t *testing.T) {
	logger, err := New(&Config{Level: "info", Format: FormatJSON})
	require.NoError(t, err)

	require.NoError(t, logger.UpdateLevel("debug"))
	assert.Equal(t, "debug", logger.GetLevel().String())

	assert.Error(t, logger.UpdateLevel("chatty"))
}

func TestNewNop(t *testing.T) {
	logger := NewNop()
	assert.NotPanics(t, func() {
		logger.Info().Msg("discarded")
		logger.Component("test").Warn().Msg("discarded")
	})
	assert.NoError(t, logger.Close())
}

func TestLoggerConcurrent(t *testing.T) {
	logger, err := New(&Config{Level: "info", Format: FormatJSON})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			logger.WithFields(Fields{"goroutine": id}).Info().Msg("concurrent log")
		}(i)
	}
	wg.Wait()
}
