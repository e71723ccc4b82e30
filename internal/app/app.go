package app

import (
	"context"
	"encoding/json"
	"fmt"

	"quotehub/internal/config"
	"quotehub/internal/ingest"
	"quotehub/internal/logger"
	"quotehub/internal/provider"
	"quotehub/internal/provider/sina"
	"quotehub/internal/provider/sqldump"
	"quotehub/internal/provider/tencent"
	"quotehub/internal/screen"
	"quotehub/internal/store/journal"
	"quotehub/internal/store/quotedb"
	"quotehub/internal/universe"
)

// App 负责应用级编排：加载配置→初始化依赖→对外暴露采集与扫描入口。
type App struct {
	cfg       *config.Config
	quotes    *quotedb.Store
	journal   *journal.Store
	watchlist *universe.Watchlist
	ingest    *ingest.Service
	engine    *screen.Engine
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	quotes, err := quotedb.New(cfg.Store.QuotesPath)
	if err != nil {
		return nil, fmt.Errorf("初始化行情库失败: %w", err)
	}
	jrnl, err := journal.New(cfg.Store.JournalPath)
	if err != nil {
		_ = quotes.Close()
		return nil, fmt.Errorf("初始化操作日志库失败: %w", err)
	}
	watchlist, err := universe.Load(cfg.Watchlist.Path)
	if err != nil {
		_ = quotes.Close()
		_ = jrnl.Close()
		return nil, err
	}

	sources := make(map[string]provider.Source)
	limits := make(map[string]ingest.Limit)
	if p := cfg.Providers.Sina; p.Enabled {
		sources["sina"] = sina.New(p.BaseURL, p.Timeout)
		limits["sina"] = ingest.Limit{RatePerMin: p.RatePerMin, MaxConcurrent: p.MaxConcurrent}
	}
	if p := cfg.Providers.Tencent; p.Enabled {
		sources["tencent"] = tencent.New(p.BaseURL, p.Timeout)
		limits["tencent"] = ingest.Limit{RatePerMin: p.RatePerMin, MaxConcurrent: p.MaxConcurrent}
	}
	if p := cfg.Providers.SQLDump; p.Enabled {
		sources["sqldump"] = sqldump.New(p.BaseURL, p.Timeout)
		limits["sqldump"] = ingest.Limit{RatePerMin: p.RatePerMin, MaxConcurrent: p.MaxConcurrent}
	}

	svc, err := ingest.NewService(ingest.ServiceConfig{
		Quotes:      quotes,
		Journal:     jrnl,
		Sources:     sources,
		Universe:    watchlist,
		Limits:      limits,
		MaxAttempts: cfg.Ingest.RetryMax,
		BackoffMin:  cfg.Ingest.BackoffMin,
		BackoffMax:  cfg.Ingest.BackoffMax,
		ChunkDays:   cfg.Ingest.ChunkDays,
		SymbolBatch: cfg.Ingest.SymbolBatch,
		CallTimeout: cfg.Ingest.CallTimeout,
	})
	if err != nil {
		_ = quotes.Close()
		_ = jrnl.Close()
		return nil, err
	}

	engine, err := screen.NewEngine(quotes, watchlist, cfg.Screen.Parallel)
	if err != nil {
		_ = quotes.Close()
		_ = jrnl.Close()
		return nil, err
	}

	return &App{
		cfg:       cfg,
		quotes:    quotes,
		journal:   jrnl,
		watchlist: watchlist,
		ingest:    svc,
		engine:    engine,
	}, nil
}

// Run 绑定宿主 ctx 并启动清单监听，阻塞到 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	a.ingest.SetContext(ctx)
	if a.cfg.Watchlist.HotReload {
		if err := a.watchlist.Watch(); err != nil {
			return fmt.Errorf("清单监听启动失败: %w", err)
		}
	}
	logger.Infof("quotehub 已启动：清单=%d 只", a.watchlist.Len())
	<-ctx.Done()
	return a.Close()
}

// Close 释放全部持久化资源。
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var firstErr error
	if a.watchlist != nil {
		if err := a.watchlist.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.quotes != nil {
		if err := a.quotes.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SubmitJob 提交采集任务。
func (a *App) SubmitJob(p ingest.Params) (ingest.Job, error) {
	return a.ingest.Submit(p)
}

// JobSnapshot 读取任务快照。
func (a *App) JobSnapshot(id string) (ingest.Job, bool) {
	return a.ingest.JobSnapshot(id)
}

// JobsSnapshot 读取全部任务快照。
func (a *App) JobsSnapshot() []ingest.Job {
	return a.ingest.JobsSnapshot()
}

// CancelJob 取消任务。
func (a *App) CancelJob(id string) error {
	return a.ingest.Cancel(id)
}

// RunScreen 解析并执行一次形态扫描。
func (a *App) RunScreen(ctx context.Context, kind string, rawParams json.RawMessage, asOf string, symbols []string, limit int) ([]screen.Match, error) {
	q, err := screen.ParseQuery(kind, rawParams, asOf)
	if err != nil {
		return nil, err
	}
	q.Symbols = symbols
	q.Limit = limit
	if q.Limit == 0 {
		q.Limit = a.cfg.Screen.Limit
	}
	return a.engine.Run(ctx, q)
}

// RecentOperations 读取最近的操作日志。
func (a *App) RecentOperations(ctx context.Context, limit int) ([]journal.Entry, error) {
	return a.journal.Entries(ctx, limit)
}

// RecentJobs 读取最近归档的任务。
func (a *App) RecentJobs(ctx context.Context, limit int) ([]journal.ArchivedJob, error) {
	return a.journal.ArchivedJobs(ctx, limit)
}
