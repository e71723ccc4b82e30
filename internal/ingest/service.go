package ingest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"quotehub/internal/logger"
	"quotehub/internal/market"
	"quotehub/internal/provider"
	"quotehub/internal/store/journal"
	"quotehub/internal/store/quotedb"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"
)

// SymbolLister 提供默认采集清单，Symbols 为空的任务落到它头上。
type SymbolLister interface {
	Symbols() []string
}

// Limit 是单个数据源的调用上限，限流与并发都在这一层收口，
// 各适配器自身不做限流。
type Limit struct {
	RatePerMin    int
	MaxConcurrent int
}

// ServiceConfig 配置采集编排服务。
type ServiceConfig struct {
	Quotes   *quotedb.Store
	Journal  *journal.Store
	Sources  map[string]provider.Source
	Universe SymbolLister
	Limits   map[string]Limit

	// MaxAttempts 是单分片瞬时失败的总尝试次数上限（含首次）。
	MaxAttempts int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	ChunkDays   int
	SymbolBatch int
	CallTimeout time.Duration
}

// Service 负责管理采集任务、协调拉取与写库。
type Service struct {
	quotes   *quotedb.Store
	journal  *journal.Store
	sources  map[string]provider.Source
	universe SymbolLister

	maxAttempts int
	backoffMin  time.Duration
	backoffMax  time.Duration
	chunkDays   int
	symbolBatch int
	callTimeout time.Duration

	// 按数据源共享：同一上游的多个任务合用一套限流与并发额度。
	limiters map[string]*rate.Limiter
	sems     map[string]chan struct{}

	mu   sync.RWMutex
	jobs map[string]*jobState

	baseCtx context.Context
}

type jobState struct {
	job       Job
	cancelled bool
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Quotes == nil {
		return nil, fmt.Errorf("quotes store 不能为空")
	}
	if cfg.Journal == nil {
		return nil, fmt.Errorf("journal store 不能为空")
	}
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("至少需要一个数据源")
	}
	svc := &Service{
		quotes:      cfg.Quotes,
		journal:     cfg.Journal,
		sources:     make(map[string]provider.Source, len(cfg.Sources)),
		universe:    cfg.Universe,
		maxAttempts: cfg.MaxAttempts,
		backoffMin:  cfg.BackoffMin,
		backoffMax:  cfg.BackoffMax,
		chunkDays:   cfg.ChunkDays,
		symbolBatch: cfg.SymbolBatch,
		callTimeout: cfg.CallTimeout,
		limiters:    make(map[string]*rate.Limiter),
		sems:        make(map[string]chan struct{}),
		jobs:        make(map[string]*jobState),
		baseCtx:     context.Background(),
	}
	if svc.maxAttempts <= 0 {
		svc.maxAttempts = 3
	}
	if svc.backoffMin <= 0 {
		svc.backoffMin = 500 * time.Millisecond
	}
	if svc.backoffMax <= 0 {
		svc.backoffMax = 8 * time.Second
	}
	if svc.chunkDays <= 0 {
		svc.chunkDays = 120
	}
	if svc.symbolBatch <= 0 {
		svc.symbolBatch = 60
	}
	if svc.callTimeout <= 0 {
		svc.callTimeout = 15 * time.Second
	}
	for name, src := range cfg.Sources {
		key := strings.ToLower(name)
		svc.sources[key] = src
		lim := cfg.Limits[key]
		ratePerMin := lim.RatePerMin
		if ratePerMin <= 0 {
			ratePerMin = 120
		}
		maxConcurrent := lim.MaxConcurrent
		if maxConcurrent <= 0 {
			maxConcurrent = 2
		}
		svc.limiters[key] = rate.NewLimiter(rate.Limit(float64(ratePerMin)/60.0), maxConcurrent)
		svc.sems[key] = make(chan struct{}, maxConcurrent)
	}
	return svc, nil
}

// SetContext 注入宿主 ctx，宿主退出时未完成任务随之终止。
func (s *Service) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *Service) ctx() context.Context {
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}

// Submit 校验参数、生成任务并异步执行，返回提交时刻的任务快照。
func (s *Service) Submit(p Params) (Job, error) {
	key := strings.ToLower(strings.TrimSpace(p.Source))
	src := s.sources[key]
	if src == nil {
		return Job{}, fmt.Errorf("未知数据源: %s", p.Source)
	}
	p.Source = key

	var start, end time.Time
	switch p.Kind {
	case KindHistorical:
		var err error
		start, err = market.ParseTradeDate(p.StartDate)
		if err != nil {
			return Job{}, fmt.Errorf("start_date 无效: %w", err)
		}
		if p.EndDate == "" {
			p.EndDate = market.FormatTradeDate(time.Now())
		}
		end, err = market.ParseTradeDate(p.EndDate)
		if err != nil {
			return Job{}, fmt.Errorf("end_date 无效: %w", err)
		}
		if end.Before(start) {
			return Job{}, fmt.Errorf("日期区间无效: %s > %s", p.StartDate, p.EndDate)
		}
	case KindRealtime:
		p.StartDate, p.EndDate = "", ""
	default:
		return Job{}, fmt.Errorf("未知任务类型: %s", p.Kind)
	}

	symbols := dedupeSymbols(p.Symbols)
	if len(symbols) == 0 && s.universe != nil {
		symbols = dedupeSymbols(s.universe.Symbols())
	}
	if len(symbols) == 0 {
		return Job{}, fmt.Errorf("没有可采集的 symbol：请求为空且跟踪清单为空")
	}
	p.Symbols = symbols

	job := Job{
		ID:        uuid.NewString(),
		Params:    p,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	s.mu.Lock()
	s.jobs[job.ID] = &jobState{job: job}
	s.mu.Unlock()
	logger.Infof("[ingest] 任务 %s 提交：%s/%s symbols=%d 区间=[%s,%s] dry_run=%v",
		job.ID, p.Source, p.Kind, len(symbols), p.StartDate, p.EndDate, p.DryRun)

	go s.run(job.ID, src, start, end)
	return job.copy(), nil
}

// Cancel 标记任务取消：在途分片跑完并保留结果，未派发分片不再派发。
func (s *Service) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("未知任务: %s", id)
	}
	if st.job.Status.Terminal() {
		return fmt.Errorf("任务 %s 已结束（%s），无法取消", id, st.job.Status)
	}
	st.cancelled = true
	return nil
}

// JobSnapshot 返回任务副本。
func (s *Service) JobSnapshot(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return st.job.copy(), true
}

// JobsSnapshot 返回全部任务的副本，新提交的在前。
func (s *Service) JobsSnapshot() []Job {
	s.mu.RLock()
	out := make([]Job, 0, len(s.jobs))
	for _, st := range s.jobs {
		out = append(out, st.job.copy())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Service) run(jobID string, src provider.Source, start, end time.Time) {
	st, ok := s.JobSnapshot(jobID)
	if !ok {
		return
	}
	p := st.Params
	ctx := s.ctx()
	began := time.Now()

	chunks := buildChunks(p.Kind, p.Symbols, start, end, s.chunkDays, s.symbolBatch)
	requested := 0
	for _, c := range chunks {
		requested += c.units()
	}
	s.updateJob(jobID, func(j *Job) {
		j.Status = StatusRunning
		j.StartedAt = began
		j.ChunksTotal = len(chunks)
		j.Counts.Requested = requested
	})

	sem := s.sems[p.Source]
	limiter := s.limiters[p.Source]
	var wg sync.WaitGroup
	undispatched := 0

	for _, c := range chunks {
		if s.isCancelled(jobID) {
			undispatched += c.units()
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			undispatched += c.units()
			continue
		}
		wg.Add(1)
		go func(c chunk) {
			defer wg.Done()
			defer func() { <-sem }()
			s.runChunk(ctx, jobID, src, limiter, p, c)
		}(c)
	}
	wg.Wait()

	s.finalize(jobID, src, began, undispatched, ctx.Err() != nil)
}

func (s *Service) runChunk(ctx context.Context, jobID string, src provider.Source, limiter *rate.Limiter, p Params, c chunk) {
	quotes, skipped, err := s.fetchWithRetry(ctx, src, limiter, p, c)
	if err != nil {
		logger.Warnf("[ingest] 任务 %s 分片失败（%s）: %v", jobID, chunkLabel(p, c), err)
		s.updateJob(jobID, func(j *Job) {
			j.ChunksFail++
			j.Counts.Failed += c.units()
			j.addWarning(fmt.Sprintf("分片 %s 失败: %v", chunkLabel(p, c), err))
		})
		return
	}

	if p.Kind == KindHistorical && len(quotes) == 0 {
		s.updateJob(jobID, func(j *Job) {
			j.ChunksDone++
			j.Counts.Skipped += c.units()
			j.addWarning(fmt.Sprintf("分片 %s 拉取为空", chunkLabel(p, c)))
		})
		return
	}

	collected := len(quotes)
	recordFails := 0
	if !p.DryRun && collected > 0 {
		res, upErr := s.quotes.Upsert(ctx, quotes)
		if upErr != nil {
			s.updateJob(jobID, func(j *Job) {
				j.ChunksFail++
				j.Counts.Failed += c.units()
				j.addWarning(fmt.Sprintf("分片 %s 写入失败: %v", chunkLabel(p, c), upErr))
			})
			return
		}
		collected = res.Inserted + res.Replaced
		recordFails = len(res.Failed)
		for _, fe := range res.Failed {
			logger.Warnf("[ingest] 任务 %s %v", jobID, fe)
		}
	}

	s.updateJob(jobID, func(j *Job) {
		j.ChunksDone++
		j.Counts.Collected += collected
		j.Counts.Skipped += skipped
		j.Counts.Failed += recordFails
		if recordFails > 0 {
			j.addWarning(fmt.Sprintf("分片 %s 有 %d 条记录写入失败", chunkLabel(p, c), recordFails))
		}
	})
}

// fetchWithRetry 对瞬时失败按指数退避重试，总尝试次数不超过 maxAttempts；
// 永久失败不重试。
func (s *Service) fetchWithRetry(ctx context.Context, src provider.Source, limiter *rate.Limiter, p Params, c chunk) ([]market.Quote, int, error) {
	b := &backoff.Backoff{Min: s.backoffMin, Max: s.backoffMax, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, 0, err
		}
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		quotes, skipped, err := s.callSource(callCtx, src, p, c)
		cancel()
		if err == nil {
			return quotes, skipped, nil
		}
		lastErr = err
		if !provider.IsTransient(err) {
			break
		}
		if attempt == s.maxAttempts {
			break
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	return nil, 0, lastErr
}

func (s *Service) callSource(ctx context.Context, src provider.Source, p Params, c chunk) ([]market.Quote, int, error) {
	if p.Kind == KindHistorical {
		quotes, err := src.FetchHistorical(ctx, c.symbol, c.start, c.end)
		return quotes, 0, err
	}
	snap, err := src.FetchRealtime(ctx, c.symbols)
	if err != nil {
		return nil, 0, err
	}
	// 停牌股的快照停留在最后一个交易日，不属于当前快照日，丢弃。
	latest := ""
	for _, q := range snap {
		if q.TradeDate > latest {
			latest = q.TradeDate
		}
	}
	skipped := len(c.symbols) - len(snap)
	quotes := make([]market.Quote, 0, len(snap))
	for _, sym := range c.symbols {
		q, ok := snap[sym]
		if !ok {
			continue
		}
		if q.TradeDate < latest {
			logger.Debugf("[ingest] %s 快照日 %s 早于 %s，按停牌跳过", sym, q.TradeDate, latest)
			skipped++
			continue
		}
		quotes = append(quotes, q)
	}
	return quotes, skipped, nil
}

func (s *Service) finalize(jobID string, src provider.Source, began time.Time, undispatched int, hostDone bool) {
	snap, ok := s.JobSnapshot(jobID)
	if !ok {
		return
	}
	cancelled := s.isCancelled(jobID)

	status := StatusSuccess
	message := "采集完成"
	switch {
	case cancelled || hostDone:
		if snap.ChunksDone > 0 {
			status = StatusPartial
			message = fmt.Sprintf("任务已取消，保留 %d 个已完成分片（%d 个未派发）", snap.ChunksDone, undispatched)
		} else {
			status = StatusFailed
			message = "任务已取消"
		}
	case snap.ChunksFail == 0:
		status = StatusSuccess
	case snap.ChunksDone == 0:
		status = StatusFailed
		message = fmt.Sprintf("全部 %d 个分片失败", snap.ChunksFail)
	default:
		status = StatusPartial
		message = fmt.Sprintf("%d/%d 个分片失败", snap.ChunksFail, snap.ChunksTotal)
	}

	var warnings []string
	if snap.Params.Kind == KindHistorical && !snap.Params.DryRun && status != StatusFailed {
		warnings = s.integrityWarnings(snap.Params)
	}

	finished := time.Now()
	s.updateJob(jobID, func(j *Job) {
		j.Status = status
		j.Message = message
		j.FinishedAt = finished
		for _, w := range warnings {
			j.addWarning(w)
		}
	})

	final, _ := s.JobSnapshot(jobID)
	stats := src.Stats()
	logger.Infof("[ingest] 任务 %s 结束：状态=%s 采集=%d 跳过=%d 失败=%d 上游请求=%d 上游失败=%d 耗时=%s",
		jobID, status, final.Counts.Collected, final.Counts.Skipped, final.Counts.Failed,
		stats.Requests, stats.Failures, finished.Sub(began).Truncate(time.Millisecond))

	s.record(final, began, finished, undispatched, stats)
}

// record 在任务终态时写一条操作日志并归档任务，一个任务恰好一条。
func (s *Service) record(j Job, began, finished time.Time, undispatched int, stats provider.Stats) {
	ctx := context.Background()
	entry := journal.Entry{
		JobID:        j.ID,
		Kind:         string(j.Params.Kind),
		Source:       j.Params.Source,
		Status:       string(j.Status),
		DryRun:       j.Params.DryRun,
		Requested:    j.Counts.Requested,
		Collected:    j.Counts.Collected,
		Skipped:      j.Counts.Skipped,
		Failed:       j.Counts.Failed,
		Duration:     finished.Sub(began),
		ErrorSummary: errorSummary(j),
		Details: map[string]any{
			"chunks":          j.ChunksTotal,
			"chunks_done":     j.ChunksDone,
			"chunks_failed":   j.ChunksFail,
			"undispatched":    undispatched,
			"source_requests": stats.Requests,
			"source_failures": stats.Failures,
		},
	}
	if err := s.journal.Append(ctx, entry); err != nil {
		logger.Errorf("[ingest] 任务 %s 操作日志写入失败: %v", j.ID, err)
	}
	arch := journal.ArchivedJob{
		JobID:      j.ID,
		Kind:       string(j.Params.Kind),
		Source:     j.Params.Source,
		Status:     string(j.Status),
		DryRun:     j.Params.DryRun,
		Symbols:    j.Params.Symbols,
		StartDate:  j.Params.StartDate,
		EndDate:    j.Params.EndDate,
		Requested:  j.Counts.Requested,
		Collected:  j.Counts.Collected,
		Skipped:    j.Counts.Skipped,
		Failed:     j.Counts.Failed,
		Message:    j.Message,
		CreatedAt:  j.CreatedAt,
		FinishedAt: finished,
	}
	if err := s.journal.ArchiveJob(ctx, arch); err != nil {
		logger.Errorf("[ingest] 任务 %s 归档失败: %v", j.ID, err)
	}
}

// integrityLimit 之内的 symbol 做逐只完整性核对，全市场回补跳过。
const integrityLimit = 50

func (s *Service) integrityWarnings(p Params) []string {
	if len(p.Symbols) > integrityLimit {
		return nil
	}
	ctx := context.Background()
	var warnings []string
	for _, sym := range p.Symbols {
		n, err := s.quotes.CountRange(ctx, sym, p.StartDate, p.EndDate)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s 完整性核对失败: %v", sym, err))
			continue
		}
		if n == 0 {
			warnings = append(warnings, fmt.Sprintf("%s 在 [%s,%s] 区间内没有任何数据", sym, p.StartDate, p.EndDate))
		}
	}
	return warnings
}

func (s *Service) isCancelled(jobID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.jobs[jobID]
	return ok && st.cancelled
}

// updateJob 修改任务，终态之后状态不再回写。
func (s *Service) updateJob(id string, fn func(*Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[id]
	if !ok || fn == nil {
		return
	}
	if st.job.Status.Terminal() {
		return
	}
	fn(&st.job)
}

const maxWarnings = 20

func (j *Job) addWarning(w string) {
	if len(j.Warnings) >= maxWarnings {
		return
	}
	j.Warnings = append(j.Warnings, w)
}

func errorSummary(j Job) string {
	if j.Status == StatusSuccess {
		return ""
	}
	if len(j.Warnings) == 0 {
		return j.Message
	}
	return j.Warnings[0]
}

func chunkLabel(p Params, c chunk) string {
	if p.Kind == KindHistorical {
		return fmt.Sprintf("%s[%s,%s]", c.symbol, market.FormatTradeDate(c.start), market.FormatTradeDate(c.end))
	}
	return fmt.Sprintf("%d symbols", len(c.symbols))
}

func dedupeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
