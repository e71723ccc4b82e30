package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"quotehub/internal/market"
	"quotehub/internal/provider"
	"quotehub/internal/store/journal"
	"quotehub/internal/store/quotedb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	name string

	mu        sync.Mutex
	histCalls int
	rtCalls   int

	hist func(symbol string, start, end time.Time) ([]market.Quote, error)
	rt   func(symbols []string) (map[string]market.Quote, error)

	counter provider.Counter
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FetchHistorical(_ context.Context, symbol string, start, end time.Time) ([]market.Quote, error) {
	f.mu.Lock()
	f.histCalls++
	f.mu.Unlock()
	f.counter.Hit()
	if f.hist == nil {
		return nil, nil
	}
	return f.hist(symbol, start, end)
}

func (f *fakeSource) FetchRealtime(_ context.Context, symbols []string) (map[string]market.Quote, error) {
	f.mu.Lock()
	f.rtCalls++
	f.mu.Unlock()
	f.counter.Hit()
	if f.rt == nil {
		return nil, nil
	}
	return f.rt(symbols)
}

func (f *fakeSource) Stats() provider.Stats { return f.counter.Snapshot() }

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.histCalls + f.rtCalls
}

func mk(symbol, date string, close float64) market.Quote {
	return market.Quote{
		Symbol:    symbol,
		TradeDate: date,
		Open:      close,
		High:      close + 0.1,
		Low:       close - 0.1,
		Close:     close,
		Volume:    100,
		Amount:    close * 100,
		Source:    "fake",
	}
}

type testEnv struct {
	svc     *Service
	quotes  *quotedb.Store
	journal *journal.Store
	src     *fakeSource
}

func newTestEnv(t *testing.T, src *fakeSource) *testEnv {
	t.Helper()
	dir := t.TempDir()
	quotes, err := quotedb.New(filepath.Join(dir, "quotes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = quotes.Close() })
	jrnl, err := journal.New(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = jrnl.Close() })

	if src.name == "" {
		src.name = "fake"
	}
	svc, err := NewService(ServiceConfig{
		Quotes:      quotes,
		Journal:     jrnl,
		Sources:     map[string]provider.Source{src.name: src},
		Limits:      map[string]Limit{src.name: {RatePerMin: 60000, MaxConcurrent: 4}},
		MaxAttempts: 3,
		BackoffMin:  time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
		SymbolBatch: 2,
	})
	require.NoError(t, err)
	return &testEnv{svc: svc, quotes: quotes, journal: jrnl, src: src}
}

func waitTerminal(t *testing.T, svc *Service, id string) Job {
	t.Helper()
	require.Eventually(t, func() bool {
		j, ok := svc.JobSnapshot(id)
		return ok && j.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	j, _ := svc.JobSnapshot(id)
	return j
}

func TestSubmit_HistoricalSuccess(t *testing.T) {
	env := newTestEnv(t, &fakeSource{
		hist: func(symbol string, _, _ time.Time) ([]market.Quote, error) {
			return []market.Quote{mk(symbol, "2026-08-26", 9.1), mk(symbol, "2026-08-27", 9.2)}, nil
		},
	})

	job, err := env.svc.Submit(Params{
		Kind:      KindHistorical,
		Source:    "fake",
		Symbols:   []string{"000001"},
		StartDate: "2026-08-25",
		EndDate:   "2026-08-27",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)

	done := waitTerminal(t, env.svc, job.ID)
	assert.Equal(t, StatusSuccess, done.Status)
	assert.Equal(t, 2, done.Counts.Collected)
	assert.Equal(t, 0, done.Counts.Failed)
	assert.Equal(t, 1, done.ChunksTotal)

	hist, err := env.quotes.History(context.Background(), "000001", "2026-08-25", "2026-08-27")
	require.NoError(t, err)
	assert.Len(t, hist, 2)

	// 终态恰好一条操作日志 + 一条归档
	entries, err := env.journal.EntriesForJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, string(StatusSuccess), entries[0].Status)
	archived, err := env.journal.ArchivedJobs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, job.ID, archived[0].JobID)
}

func TestRetry_TransientExhaustsAttempts(t *testing.T) {
	env := newTestEnv(t, &fakeSource{
		hist: func(string, time.Time, time.Time) ([]market.Quote, error) {
			return nil, provider.Transient("fake", "historical", fmt.Errorf("上游超时"))
		},
	})

	job, err := env.svc.Submit(Params{
		Kind: KindHistorical, Source: "fake", Symbols: []string{"000001"},
		StartDate: "2026-08-25", EndDate: "2026-08-27",
	})
	require.NoError(t, err)

	done := waitTerminal(t, env.svc, job.ID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, 1, done.Counts.Failed)
	// 瞬时失败按配置上限尝试，不多不少
	assert.Equal(t, 3, env.src.calls())
}

func TestRetry_PermanentFailsFast(t *testing.T) {
	env := newTestEnv(t, &fakeSource{
		hist: func(string, time.Time, time.Time) ([]market.Quote, error) {
			return nil, provider.Permanent("fake", "historical", fmt.Errorf("未知代码"))
		},
	})

	job, err := env.svc.Submit(Params{
		Kind: KindHistorical, Source: "fake", Symbols: []string{"999999"},
		StartDate: "2026-08-25", EndDate: "2026-08-27",
	})
	require.NoError(t, err)

	done := waitTerminal(t, env.svc, job.ID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, 1, env.src.calls())
}

func TestPartial_OneChunkFails(t *testing.T) {
	env := newTestEnv(t, &fakeSource{
		hist: func(symbol string, _, _ time.Time) ([]market.Quote, error) {
			if symbol == "999999" {
				return nil, provider.Permanent("fake", "historical", fmt.Errorf("未知代码"))
			}
			return []market.Quote{mk(symbol, "2026-08-27", 7.3)}, nil
		},
	})

	job, err := env.svc.Submit(Params{
		Kind: KindHistorical, Source: "fake", Symbols: []string{"600000", "999999"},
		StartDate: "2026-08-25", EndDate: "2026-08-27",
	})
	require.NoError(t, err)

	done := waitTerminal(t, env.svc, job.ID)
	assert.Equal(t, StatusPartial, done.Status)
	assert.Equal(t, 1, done.Counts.Collected)
	assert.Equal(t, 1, done.Counts.Failed)
	assert.Equal(t, 1, done.ChunksDone)
	assert.Equal(t, 1, done.ChunksFail)
	assert.NotEmpty(t, done.Warnings)

	entries, err := env.journal.EntriesForJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, string(StatusPartial), entries[0].Status)
}

func TestDryRun_NoWrites(t *testing.T) {
	env := newTestEnv(t, &fakeSource{
		hist: func(symbol string, _, _ time.Time) ([]market.Quote, error) {
			return []market.Quote{mk(symbol, "2026-08-27", 9.2)}, nil
		},
	})

	job, err := env.svc.Submit(Params{
		Kind: KindHistorical, Source: "fake", Symbols: []string{"000001"},
		StartDate: "2026-08-25", EndDate: "2026-08-27", DryRun: true,
	})
	require.NoError(t, err)

	done := waitTerminal(t, env.svc, job.ID)
	assert.Equal(t, StatusSuccess, done.Status)
	assert.Equal(t, 1, done.Counts.Collected)

	n, err := env.quotes.CountRange(context.Background(), "000001", "2026-01-01", "2026-12-31")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	entries, err := env.journal.EntriesForJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].DryRun)
}

func TestRealtime_SkipsMissingAndStale(t *testing.T) {
	env := newTestEnv(t, &fakeSource{
		rt: func(symbols []string) (map[string]market.Quote, error) {
			out := map[string]market.Quote{}
			for _, s := range symbols {
				switch s {
				case "000001":
					out[s] = mk(s, "2026-08-27", 9.2)
				case "600519":
					// 停牌：快照停在更早的交易日
					out[s] = mk(s, "2026-08-20", 1500.0)
				}
			}
			return out, nil
		},
	})

	job, err := env.svc.Submit(Params{
		Kind: KindRealtime, Source: "fake", Symbols: []string{"000001", "600519"},
	})
	require.NoError(t, err)

	done := waitTerminal(t, env.svc, job.ID)
	assert.Equal(t, StatusSuccess, done.Status)
	assert.Equal(t, 2, done.Counts.Requested)
	assert.Equal(t, 1, done.Counts.Collected)
	assert.Equal(t, 1, done.Counts.Skipped)

	_, ok, err := env.quotes.Get(context.Background(), "600519", "2026-08-20")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRealtime_BatchesBySymbolLimit(t *testing.T) {
	env := newTestEnv(t, &fakeSource{
		rt: func(symbols []string) (map[string]market.Quote, error) {
			out := map[string]market.Quote{}
			for _, s := range symbols {
				out[s] = mk(s, "2026-08-27", 10.0)
			}
			return out, nil
		},
	})

	// SymbolBatch=2，5 只股票应切成 3 个分片
	job, err := env.svc.Submit(Params{
		Kind:    KindRealtime,
		Source:  "fake",
		Symbols: []string{"000001", "000002", "600000", "600519", "300750"},
	})
	require.NoError(t, err)

	done := waitTerminal(t, env.svc, job.ID)
	assert.Equal(t, StatusSuccess, done.Status)
	assert.Equal(t, 3, done.ChunksTotal)
	assert.Equal(t, 5, done.Counts.Collected)
	assert.Equal(t, 3, env.src.calls())
}

func TestCancel_TerminalJobRejected(t *testing.T) {
	env := newTestEnv(t, &fakeSource{
		hist: func(symbol string, _, _ time.Time) ([]market.Quote, error) {
			return []market.Quote{mk(symbol, "2026-08-27", 9.2)}, nil
		},
	})

	job, err := env.svc.Submit(Params{
		Kind: KindHistorical, Source: "fake", Symbols: []string{"000001"},
		StartDate: "2026-08-25", EndDate: "2026-08-27",
	})
	require.NoError(t, err)
	waitTerminal(t, env.svc, job.ID)

	err = env.svc.Cancel(job.ID)
	assert.Error(t, err)
}

func TestCancel_KeepsFinishedChunks(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, &fakeSource{
		hist: func(symbol string, _, _ time.Time) ([]market.Quote, error) {
			if symbol != "000001" {
				// 后续分片等取消生效后才放行
				<-release
			}
			return []market.Quote{mk(symbol, "2026-08-27", 9.2)}, nil
		},
	})

	job, err := env.svc.Submit(Params{
		Kind: KindHistorical, Source: "fake",
		Symbols:   []string{"000001", "600000", "600519", "300750", "000002", "002594"},
		StartDate: "2026-08-25", EndDate: "2026-08-27",
	})
	require.NoError(t, err)

	// 等第一个分片完成后取消
	require.Eventually(t, func() bool {
		j, _ := env.svc.JobSnapshot(job.ID)
		return j.ChunksDone >= 1
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, env.svc.Cancel(job.ID))
	close(release)

	done := waitTerminal(t, env.svc, job.ID)
	assert.Equal(t, StatusPartial, done.Status)
	assert.GreaterOrEqual(t, done.ChunksDone, 1)
	assert.GreaterOrEqual(t, done.Counts.Collected, 1)
	assert.Contains(t, done.Message, "任务已取消")
}

func TestSubmit_Validation(t *testing.T) {
	env := newTestEnv(t, &fakeSource{})

	_, err := env.svc.Submit(Params{Kind: KindHistorical, Source: "nope", Symbols: []string{"000001"}, StartDate: "2026-01-01"})
	assert.ErrorContains(t, err, "未知数据源")

	_, err = env.svc.Submit(Params{Kind: KindHistorical, Source: "fake", Symbols: []string{"000001"}, StartDate: "bad"})
	assert.ErrorContains(t, err, "start_date")

	_, err = env.svc.Submit(Params{Kind: KindHistorical, Source: "fake", Symbols: []string{"000001"}, StartDate: "2026-08-27", EndDate: "2026-08-25"})
	assert.ErrorContains(t, err, "日期区间无效")

	_, err = env.svc.Submit(Params{Kind: "weird", Source: "fake", Symbols: []string{"000001"}})
	assert.ErrorContains(t, err, "未知任务类型")

	// 没有跟踪清单且请求未带 symbol
	_, err = env.svc.Submit(Params{Kind: KindRealtime, Source: "fake"})
	assert.ErrorContains(t, err, "跟踪清单为空")
}
