package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slurm-tools/slacctdb/internal/common"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestConfigDefaults(t *testing.T) {
	path := writeConfig(t, "acct_server: {}\n")

	config, err := common.MakeConfig[AcctAppConfig](path)
	require.NoError(t, err)

	assert.Equal(t, "data", config.Server.Data.Path)
	assert.Equal(t, 15*time.Minute, time.Duration(config.Server.Data.RollupInterval))
	assert.Zero(t, config.Server.Data.RetentionPeriod)
	assert.Zero(t, config.Server.Web.MaxRequests)
}

func TestConfigOverrides(t *testing.T) {
	path := writeConfig(t, `---
acct_server:
  data:
    path: /var/lib/slacctdb
    archive_path: /var/lib/slacctdb/archive
    retention_period: 720h
    rollup_interval: 5m
  web:
    max_requests: 120
`)

	config, err := common.MakeConfig[AcctAppConfig](path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/slacctdb", config.Server.Data.Path)
	assert.Equal(t, "/var/lib/slacctdb/archive", config.Server.Data.ArchivePath)
	assert.Equal(t, 720*time.Hour, time.Duration(config.Server.Data.RetentionPeriod))
	assert.Equal(t, 5*time.Minute, time.Duration(config.Server.Data.RollupInterval))
	assert.Equal(t, 120, config.Server.Web.MaxRequests)
}

func TestConfigFileMissing(t *testing.T) {
	_, err := common.MakeConfig[AcctAppConfig](filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}
