package universe

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"quotehub/internal/logger"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Entry 是跟踪清单里的一只股票。
type Entry struct {
	Symbol   string `yaml:"symbol"`
	Name     string `yaml:"name"`
	Exchange string `yaml:"exchange"`
}

type watchlistFile struct {
	Stocks []Entry `yaml:"stocks"`
}

// Watchlist 持有外部维护的跟踪清单，文件变更时热加载，
// 读方永远看到一份完整的清单，不会读到半截。
type Watchlist struct {
	path string

	mu      sync.RWMutex
	entries []Entry
	symbols []string

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// Load 读取 yaml 清单文件。
func Load(path string) (*Watchlist, error) {
	w := &Watchlist{path: path, done: make(chan struct{})}
	if err := w.reload(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Watchlist) reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("读取跟踪清单失败: %w", err)
	}
	var f watchlistFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("跟踪清单格式错误: %w", err)
	}
	entries := make([]Entry, 0, len(f.Stocks))
	symbols := make([]string, 0, len(f.Stocks))
	seen := make(map[string]struct{}, len(f.Stocks))
	for _, e := range f.Stocks {
		e.Symbol = strings.TrimSpace(e.Symbol)
		if e.Symbol == "" {
			continue
		}
		if _, ok := seen[e.Symbol]; ok {
			continue
		}
		seen[e.Symbol] = struct{}{}
		entries = append(entries, e)
		symbols = append(symbols, e.Symbol)
	}
	if len(entries) == 0 {
		return fmt.Errorf("跟踪清单为空: %s", w.path)
	}
	w.mu.Lock()
	w.entries = entries
	w.symbols = symbols
	w.mu.Unlock()
	return nil
}

// Watch 监听清单文件变更并热加载；加载失败保留旧清单。
func (w *Watchlist) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// 监听目录而不是文件本身，编辑器原子改名写入时文件级监听会丢。
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	w.watcher = watcher
	go w.loop()
	return nil
}

func (w *Watchlist) loop() {
	target := filepath.Clean(w.path)
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := w.reload(); err != nil {
				logger.Warnf("[universe] 清单热加载失败，沿用旧清单: %v", err)
				continue
			}
			logger.Infof("[universe] 清单已热加载：%d 只", w.Len())
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("[universe] 清单监听错误: %v", err)
		}
	}
}

// Close 停止监听。
func (w *Watchlist) Close() error {
	w.once.Do(func() { close(w.done) })
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

// Symbols 返回清单内全部 symbol 的副本。
func (w *Watchlist) Symbols() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]string(nil), w.symbols...)
}

// Entries 返回清单条目的副本。
func (w *Watchlist) Entries() []Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]Entry(nil), w.entries...)
}

func (w *Watchlist) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}
