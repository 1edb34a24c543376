package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quipucords/quipucords/internal/manager"
	"github.com/quipucords/quipucords/internal/model"
)

var setupOnce sync.Once

func TestServeFlags(t *testing.T) {
	setupOnce.Do(setup)

	f := serveCmd.Flags().Lookup("max-concurrent-jobs")
	require.NotNil(t, f)
	require.Equal(t, "0", f.DefValue)
	require.Contains(t, f.Usage, strconv.Itoa(manager.MaxWorkers()))

	for _, name := range []string{"server-port", "dbms", "dbms-dsn", "queue", "redis-addr", "log-level"} {
		require.NotNil(t, serveCmd.Flags().Lookup(name), name)
	}
}

func TestConfigInit(t *testing.T) {
	setupOnce.Do(setup)

	path := filepath.Join(t.TempDir(), "etc", "quipucords.yaml")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "init", path})
	require.NoError(t, rootCmd.ExecuteContext(t.Context()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	require.NoError(t, err)
	want := model.DefaultConfig(t.Context())
	require.Equal(t, want.Credentials[0].Name, cfg.Credentials[0].Name)
	require.Equal(t, want.Sources[0].Hosts, cfg.Sources[0].Hosts)
	require.Equal(t, want.Scans[0].Name, cfg.Scans[0].Name)
	require.Empty(t, out.String(), "written to the file, not to stdout")

	// an existing file is kept without --force
	rootCmd.SetArgs([]string{"config", "init", path})
	require.Error(t, rootCmd.ExecuteContext(t.Context()))
}
