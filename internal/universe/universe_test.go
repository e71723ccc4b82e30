package universe

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleList = `stocks:
  - symbol: "000001"
    name: 平安银行
    exchange: sz
  - symbol: "600519"
    name: 贵州茅台
    exchange: sh
  - symbol: "000001"
    name: 重复条目
    exchange: sz
`

func writeList(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoad_DedupesSymbols(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchlist.yaml")
	writeList(t, path, sampleList)

	w, err := Load(path)
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, []string{"000001", "600519"}, w.Symbols())
	entries := w.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "平安银行", entries[0].Name)
}

func TestLoad_EmptyListRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchlist.yaml")
	writeList(t, path, "stocks: []\n")

	_, err := Load(path)
	assert.ErrorContains(t, err, "跟踪清单为空")
}

func TestWatch_HotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchlist.yaml")
	writeList(t, path, sampleList)

	w, err := Load(path)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Watch())

	writeList(t, path, `stocks:
  - symbol: "300750"
    name: 宁德时代
    exchange: sz
`)
	require.Eventually(t, func() bool {
		syms := w.Symbols()
		return len(syms) == 1 && syms[0] == "300750"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatch_BadRewriteKeepsOldList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchlist.yaml")
	writeList(t, path, sampleList)

	w, err := Load(path)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Watch())

	writeList(t, path, "stocks: [\n") // 非法 yaml
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, []string{"000001", "600519"}, w.Symbols())
}
