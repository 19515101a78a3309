package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vango-dev/wavebench/internal/config"
	"github.com/vango-dev/wavebench/internal/errors"
	"github.com/vango-dev/wavebench/pkg/driver"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level, format string
		wantErr       bool
	}{
		{"info", "text", false},
		{"debug", "json", false},
		{"WARN", "", false},
		{"loud", "text", true},
		{"info", "xml", true},
	}
	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			logger, err := newLogger(tt.level, tt.format)
			if tt.wantErr {
				require.True(t, errors.HasCode(err, "E122"), "err = %v", err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, config.ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"mode":"scale:read:2:5:2","port":9000}`), 0o644))

	fromDir, err := loadConfig(dir)
	require.NoError(t, err)
	require.Equal(t, 9000, fromDir.Port)

	fromFile, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "scale:read:2:5:2", fromFile.Mode)

	_, err = loadConfig(filepath.Join(dir, "missing.json"))
	require.True(t, errors.HasCode(err, "E121"), "err = %v", err)
}

func TestApplyRunFlags(t *testing.T) {
	f := &runFlags{}
	cmd := newRunCmd(f)
	require.NoError(t, cmd.ParseFlags([]string{
		"--port", "9100",
		"--mode", "scale:write:3:1:2",
		"--quiet",
		"--invoke-local",
		"--worker-cmd", "./bench  write --fast",
		"--barrier-timeout", "30s",
		"--monitor", ":9191",
		"--s3-bucket", "results",
	}))

	cfg := config.New()
	cfg.Host = "10.0.0.5"
	applyRunFlags(cmd, cfg, f)

	require.Equal(t, "10.0.0.5", cfg.Host, "unset flags leave the config alone")
	require.Equal(t, 9100, cfg.Port)
	require.Equal(t, "scale:write:3:1:2", cfg.Mode)
	require.True(t, cfg.Logs.Quiet)
	require.True(t, cfg.Invoke.Local)
	require.Equal(t, []string{"./bench", "write", "--fast"}, cfg.Invoke.Command)
	require.Equal(t, "30s", cfg.Rendezvous.BarrierTimeout)
	require.True(t, cfg.Monitor.Enabled)
	require.Equal(t, ":9191", cfg.Monitor.Address)
	require.Equal(t, "results", cfg.Sinks.S3.Bucket)

	plan, err := cfg.Resolve()
	require.NoError(t, err)
	require.Equal(t, 6, plan.ExpectedWorkers)
	require.True(t, plan.SuppressWorkerLogs)
}

func TestBuildInvoker(t *testing.T) {
	cfg := config.New()
	_, external := buildInvoker(cfg).(driver.External)
	require.True(t, external)

	cfg.Invoke.Local = true
	cfg.Invoke.Command = []string{"./bench", "read"}
	p, ok := buildInvoker(cfg).(*driver.ProcessInvoker)
	require.True(t, ok)
	require.Equal(t, []string{"worker", "--", "./bench", "read"}, p.Args)
}

func TestCurrentBuild(t *testing.T) {
	bi := currentBuild()
	require.Equal(t, version, bi.Version)
	require.Equal(t, "READY:<id> / RUN / ABORT / CLOSE", bi.Protocol)
	require.Equal(t, config.DefaultPort, bi.LogPort)
	require.Equal(t, config.DefaultPort+1, bi.RendezvousPort)
}
