package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// Entry 是一条采集任务的操作日志，任务到达终态时写入，写后不改。
type Entry struct {
	JobID        string
	Kind         string
	Source       string
	Status       string
	DryRun       bool
	Requested    int
	Collected    int
	Skipped      int
	Failed       int
	Duration     time.Duration
	ErrorSummary string
	Details      map[string]any
	CreatedAt    time.Time
}

// ArchivedJob 是终态任务的持久化快照，供外部协作方查询历史。
type ArchivedJob struct {
	JobID      string
	Kind       string
	Source     string
	Status     string
	DryRun     bool
	Symbols    []string
	StartDate  string
	EndDate    string
	Requested  int
	Collected  int
	Skipped    int
	Failed     int
	Message    string
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Store 落盘操作日志与任务归档，gorm + sqlite。
type Store struct {
	db *gorm.DB
}

func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("journal: 路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn}), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&operationLogModel{}, &jobArchiveModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append 追加一条操作日志。日志表只增不改。
func (s *Store) Append(ctx context.Context, e Entry) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("journal 未初始化")
	}
	if strings.TrimSpace(e.JobID) == "" {
		return fmt.Errorf("journal: job_id 必填")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	detailBytes, _ := json.Marshal(e.Details)
	model := operationLogModel{
		JobID:         e.JobID,
		Kind:          e.Kind,
		Source:        e.Source,
		Status:        e.Status,
		DryRun:        boolToInt(e.DryRun),
		Requested:     e.Requested,
		Collected:     e.Collected,
		Skipped:       e.Skipped,
		Failed:        e.Failed,
		DurationMs:    e.Duration.Milliseconds(),
		ErrorSummary:  e.ErrorSummary,
		Details:       datatypes.JSON(detailBytes),
		CreatedAtUnix: e.CreatedAt.UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// Entries 返回最近 limit 条操作日志，新的在前。
func (s *Store) Entries(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("journal 未初始化")
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var models []operationLogModel
	if err := s.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(models))
	for _, m := range models {
		out = append(out, entryFromModel(m))
	}
	return out, nil
}

// EntriesForJob 返回某任务的全部日志（任务级重试会产生多条）。
func (s *Store) EntriesForJob(ctx context.Context, jobID string) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("journal 未初始化")
	}
	var models []operationLogModel
	if err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC, id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(models))
	for _, m := range models {
		out = append(out, entryFromModel(m))
	}
	return out, nil
}

// ArchiveJob 落盘终态任务快照；同一 job_id 重复归档取最后一次。
func (s *Store) ArchiveJob(ctx context.Context, j ArchivedJob) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("journal 未初始化")
	}
	if strings.TrimSpace(j.JobID) == "" {
		return fmt.Errorf("journal: job_id 必填")
	}
	symBytes, _ := json.Marshal(j.Symbols)
	model := jobArchiveModel{
		JobID:          j.JobID,
		Kind:           j.Kind,
		Source:         j.Source,
		Status:         j.Status,
		DryRun:         boolToInt(j.DryRun),
		Symbols:        datatypes.JSON(symBytes),
		StartDate:      j.StartDate,
		EndDate:        j.EndDate,
		Requested:      j.Requested,
		Collected:      j.Collected,
		Skipped:        j.Skipped,
		Failed:         j.Failed,
		Message:        j.Message,
		CreatedAtUnix:  j.CreatedAt.UnixMilli(),
		FinishedAtUnix: j.FinishedAt.UnixMilli(),
	}
	cols := []string{
		"kind", "source", "status", "dry_run", "symbols", "start_date", "end_date",
		"requested", "collected", "skipped", "failed", "message", "finished_at",
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}},
			DoUpdates: clause.AssignmentColumns(cols),
		}).
		Create(&model).Error
}

// ArchivedJobs 返回最近 limit 条归档任务，新的在前。
func (s *Store) ArchivedJobs(ctx context.Context, limit int) ([]ArchivedJob, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("journal 未初始化")
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var models []jobArchiveModel
	if err := s.db.WithContext(ctx).
		Order("finished_at DESC, id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]ArchivedJob, 0, len(models))
	for _, m := range models {
		out = append(out, archivedFromModel(m))
	}
	return out, nil
}

type operationLogModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	JobID         string         `gorm:"column:job_id;index"`
	Kind          string         `gorm:"column:kind"`
	Source        string         `gorm:"column:source"`
	Status        string         `gorm:"column:status"`
	DryRun        int            `gorm:"column:dry_run"`
	Requested     int            `gorm:"column:requested"`
	Collected     int            `gorm:"column:collected"`
	Skipped       int            `gorm:"column:skipped"`
	Failed        int            `gorm:"column:failed"`
	DurationMs    int64          `gorm:"column:duration_ms"`
	ErrorSummary  string         `gorm:"column:error_summary"`
	Details       datatypes.JSON `gorm:"column:details"`
	CreatedAtUnix int64          `gorm:"column:created_at;index"`
}

func (operationLogModel) TableName() string { return "operation_log" }

type jobArchiveModel struct {
	ID             int64          `gorm:"column:id;primaryKey"`
	JobID          string         `gorm:"column:job_id;uniqueIndex"`
	Kind           string         `gorm:"column:kind"`
	Source         string         `gorm:"column:source"`
	Status         string         `gorm:"column:status"`
	DryRun         int            `gorm:"column:dry_run"`
	Symbols        datatypes.JSON `gorm:"column:symbols"`
	StartDate      string         `gorm:"column:start_date"`
	EndDate        string         `gorm:"column:end_date"`
	Requested      int            `gorm:"column:requested"`
	Collected      int            `gorm:"column:collected"`
	Skipped        int            `gorm:"column:skipped"`
	Failed         int            `gorm:"column:failed"`
	Message        string         `gorm:"column:message"`
	CreatedAtUnix  int64          `gorm:"column:created_at"`
	FinishedAtUnix int64          `gorm:"column:finished_at;index"`
}

func (jobArchiveModel) TableName() string { return "job_archive" }

func entryFromModel(m operationLogModel) Entry {
	var details map[string]any
	if len(m.Details) > 0 {
		_ = json.Unmarshal(m.Details, &details)
	}
	return Entry{
		JobID:        m.JobID,
		Kind:         m.Kind,
		Source:       m.Source,
		Status:       m.Status,
		DryRun:       m.DryRun != 0,
		Requested:    m.Requested,
		Collected:    m.Collected,
		Skipped:      m.Skipped,
		Failed:       m.Failed,
		Duration:     time.Duration(m.DurationMs) * time.Millisecond,
		ErrorSummary: m.ErrorSummary,
		Details:      details,
		CreatedAt:    time.UnixMilli(m.CreatedAtUnix),
	}
}

func archivedFromModel(m jobArchiveModel) ArchivedJob {
	var symbols []string
	if len(m.Symbols) > 0 {
		_ = json.Unmarshal(m.Symbols, &symbols)
	}
	return ArchivedJob{
		JobID:      m.JobID,
		Kind:       m.Kind,
		Source:     m.Source,
		Status:     m.Status,
		DryRun:     m.DryRun != 0,
		Symbols:    symbols,
		StartDate:  m.StartDate,
		EndDate:    m.EndDate,
		Requested:  m.Requested,
		Collected:  m.Collected,
		Skipped:    m.Skipped,
		Failed:     m.Failed,
		Message:    m.Message,
		CreatedAt:  time.UnixMilli(m.CreatedAtUnix),
		FinishedAt: time.UnixMilli(m.FinishedAtUnix),
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
