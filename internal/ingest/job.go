package ingest

import (
	"time"
)

// Kind 区分采集任务类型。
type Kind string

const (
	// KindHistorical 历史日线回补，按日期子区间分片。
	KindHistorical Kind = "historical"
	// KindRealtime 实时快照采集，按 symbol 批次分片。
	KindRealtime Kind = "realtime"
)

// Status 任务状态机：pending → running → {success, partial, failed}。
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Terminal 返回该状态是否为终态。终态后状态不再变化。
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusPartial, StatusFailed:
		return true
	}
	return false
}

// Params 描述一次采集请求。
type Params struct {
	Kind   Kind
	Source string
	// Symbols 为空表示整个跟踪清单。
	Symbols   []string
	StartDate string // YYYY-MM-DD，仅 historical
	EndDate   string // YYYY-MM-DD，仅 historical
	// DryRun 走完整的拉取与归一路径但不落库，用于验证上游连通性。
	DryRun bool
}

// Counts 是任务的结果计数。
type Counts struct {
	// Requested 为分片内待抓取单元数：realtime 按 symbol 计，
	// historical 按 symbol×日期子区间 计。
	Requested int
	// Collected 为归一成功并（非 dry-run 时）落库的行数。
	Collected int
	// Skipped 为上游无数据或停牌陈旧行。
	Skipped int
	// Failed 为重试耗尽/永久失败分片折算的单元数，外加单条落库失败数。
	Failed int
}

// Job 是采集任务的对外快照，所有读接口只返回副本。
type Job struct {
	ID          string
	Params      Params
	Status      Status
	Counts      Counts
	ChunksTotal int
	ChunksDone  int
	ChunksFail  int
	Message     string
	Warnings    []string
	CreatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

func (j Job) copy() Job {
	out := j
	out.Params.Symbols = append([]string(nil), j.Params.Symbols...)
	out.Warnings = append([]string(nil), j.Warnings...)
	return out
}
