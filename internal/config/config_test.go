package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cyclerdata.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

// TestLoad tests the Load function with various scenarios
func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		file        string
		wantErr     bool
		validateCfg func(*testing.T, *Config, string)
	}{
		{
			name: "defaults with no file or env",
			validateCfg: func(t *testing.T, cfg *Config, _ string) {
				assert.Equal(t, "info", cfg.Logging.Level)
				assert.Equal(t, "console", cfg.Logging.Output)
				assert.Equal(t, uint64(0), cfg.Decode.GapTolerance)
				assert.Equal(t, 4, cfg.Decode.Concurrency)
				assert.Equal(t, 1000, cfg.Remote.ChunkSize)
				assert.Equal(t, 30*time.Second, cfg.Remote.Timeout)
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "data", cfg.Server.ArchiveDir)
				assert.Equal(t, "prometheus", cfg.Telemetry.MetricExporter)
			},
		},
		{
			name: "file overlays defaults",
			file: `
decode:
  gap_tolerance: 5
  deadline: 2m
scale:
  table_path: scales.yaml
server:
  port: 9000
`,
			validateCfg: func(t *testing.T, cfg *Config, dir string) {
				assert.Equal(t, uint64(5), cfg.Decode.GapTolerance)
				assert.Equal(t, 2*time.Minute, cfg.Decode.Deadline)
				assert.Equal(t, 4, cfg.Decode.Concurrency, "untouched keys keep defaults")
				assert.Equal(t, 9000, cfg.Server.Port)
				assert.Equal(t, filepath.Join(dir, "scales.yaml"), cfg.Scale.TablePath)
				assert.Equal(t, filepath.Join(dir, "data"), cfg.Server.ArchiveDir)
			},
		},
		{
			name: "env wins over file",
			file: "decode:\n  gap_tolerance: 5\n",
			env: map[string]string{
				"CYCLER_DECODE_GAP_TOLERANCE":       "9",
				"CYCLER_LOGGING_LEVEL":              "debug",
				"CYCLER_REMOTE_BTS_ADDRESS":         "10.0.0.5:502",
				"CYCLER_REMOTE_REQUESTS_PER_SECOND": "2.5",
			},
			validateCfg: func(t *testing.T, cfg *Config, _ string) {
				assert.Equal(t, uint64(9), cfg.Decode.GapTolerance)
				assert.Equal(t, "debug", cfg.Logging.Level)
				assert.Equal(t, "10.0.0.5:502", cfg.Remote.BTSAddress)
				assert.Equal(t, 2.5, cfg.Remote.RequestsPerSecond)
			},
		},
		{
			name:    "unknown key in file",
			file:    "decode:\n  gap_tolerence: 5\n",
			wantErr: true,
		},
		{
			name:    "invalid log level",
			env:     map[string]string{"CYCLER_LOGGING_LEVEL": "verbose"},
			wantErr: true,
		},
		{
			name:    "zero concurrency",
			file:    "decode:\n  concurrency: 0\n",
			wantErr: true,
		},
		{
			name:    "bad port",
			env:     map[string]string{"CYCLER_SERVER_PORT": "70000"},
			wantErr: true,
		},
		{
			name:    "unparsable env",
			env:     map[string]string{"CYCLER_DECODE_DEADLINE": "soon"},
			wantErr: true,
		},
		{
			name:    "unknown sql driver",
			file:    "remote:\n  sql_driver: oracle\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CYCLER_CONFIG", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			path := ""
			if tt.file != "" {
				path = writeConfig(t, tt.file)
			}

			cfg, err := Load(path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.validateCfg(t, cfg, filepath.Dir(path))
		})
	}
}

func TestLoadFromConfigEnv(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9100\n")
	t.Setenv("CYCLER_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidateFileOutputNeedsPath(t *testing.T) {
	cfg := Default()
	cfg.Logging.Output = "file"
	cfg.Logging.FilePath = ""
	assert.Error(t, cfg.Validate())

	cfg.Logging.Output = "console"
	assert.NoError(t, cfg.Validate())
}
