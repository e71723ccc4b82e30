package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
providers:
  tencent:
    enabled: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, "data/quotes.db", cfg.Store.QuotesPath)
	assert.Equal(t, 3, cfg.Ingest.RetryMax)
	assert.Equal(t, 120, cfg.Ingest.ChunkDays)
	assert.Equal(t, 500*time.Millisecond, cfg.Ingest.BackoffMin)
	assert.Equal(t, 15*time.Second, cfg.Providers.Tencent.Timeout)
	assert.Equal(t, 8, cfg.Screen.Parallel)
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
app:
  log_level: debug
store:
  quotes_path: /tmp/q.db
  journal_path: /tmp/j.db
watchlist:
  path: /tmp/watchlist.yaml
  hot_reload: true
providers:
  sina:
    enabled: true
    rate_per_min: 300
    max_concurrent: 4
  sqldump:
    enabled: true
    base_url: http://dump.internal
    timeout: 30s
ingest:
  retry_max: 5
  backoff_min: 200ms
  backoff_max: 4s
  chunk_days: 90
  symbol_batch: 40
screen:
  parallel: 16
  limit: 50
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.True(t, cfg.Watchlist.HotReload)
	assert.Equal(t, 300, cfg.Providers.Sina.RatePerMin)
	assert.Equal(t, 30*time.Second, cfg.Providers.SQLDump.Timeout)
	assert.Equal(t, 5, cfg.Ingest.RetryMax)
	assert.Equal(t, 200*time.Millisecond, cfg.Ingest.BackoffMin)
	assert.Equal(t, 40, cfg.Ingest.SymbolBatch)
	assert.Equal(t, 50, cfg.Screen.Limit)
}

func TestLoad_Validation(t *testing.T) {
	// 一个数据源都没启用
	path := writeConfig(t, `
app:
  log_level: info
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "至少启用一个数据源")

	// sqldump 启用但缺 base_url
	path = writeConfig(t, `
providers:
  sqldump:
    enabled: true
`)
	_, err = Load(path)
	assert.ErrorContains(t, err, "base_url")

	// 退避区间颠倒
	path = writeConfig(t, `
providers:
  sina:
    enabled: true
ingest:
  backoff_min: 5s
  backoff_max: 1s
`)
	_, err = Load(path)
	assert.ErrorContains(t, err, "backoff_max")

	// 日志级别非法
	path = writeConfig(t, `
app:
  log_level: loud
providers:
  sina:
    enabled: true
`)
	_, err = Load(path)
	assert.ErrorContains(t, err, "log_level")
}
