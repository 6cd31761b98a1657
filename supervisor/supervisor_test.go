package supervisor_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/llob/dicom-loadbalancer/config"
	"github.com/llob/dicom-loadbalancer/supervisor"
	"github.com/stretchr/testify/require"
)

func TestBuild_WiresLocalStorageGraphEndToEnd(t *testing.T) {
	archiveDir := t.TempDir()

	cfg := &config.Configuration{
		Core: &config.Core{RouterCount: 1},
		SCPs: []config.SCP{
			{ID: "scp-1", AETitle: "LB_SCP", Address: "127.0.0.1", Port: 0},
		},
		Workers: []config.Worker{
			{ID: "worker-1", Type: config.WorkerKindLocalStorage, OutputDirPath: archiveDir},
		},
		WorkerSets: []config.WorkerSet{
			{ID: "ws-1", WorkerIDs: []string{"worker-1"}, HashMethod: "random"},
		},
	}

	sup, err := supervisor.Build(cfg, log.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down in time")
	}
}

func TestBuild_RejectsUnknownWorkerReferenceAtBuildTime(t *testing.T) {
	cfg := &config.Configuration{
		Core: &config.Core{RouterCount: 1},
		WorkerSets: []config.WorkerSet{
			{ID: "ws-1", WorkerIDs: []string{"does-not-exist"}, HashMethod: "random"},
		},
	}

	_, err := supervisor.Build(cfg, log.Default())
	require.Error(t, err)
}

func TestBuild_FromLoadedConfig(t *testing.T) {
	archiveDir := t.TempDir()
	dir := t.TempDir()

	configJSON := `{
		"core": {"log-dir-path": "/tmp", "log-format": "json", "buffer-dir-path": "/tmp", "router-count": 1},
		"scps": [{"id": "scp-1", "name": "A", "ae-title": "LB_SCP", "address": "127.0.0.1", "port": 0}],
		"workers": [{"id": "worker-1", "name": "Archive", "type": "local-storage", "output-dir-path": "` + archiveDir + `"}],
		"worker-sets": [{"id": "ws-1", "name": "x", "worker-ids": ["worker-1"], "distribution": "hash", "hash-method": "random", "accepted-scp-ids": [], "header-requirements": []}]
	}`

	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(configJSON), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	_, err = supervisor.Build(cfg, log.Default())
	require.NoError(t, err)
}
