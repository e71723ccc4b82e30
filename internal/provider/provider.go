package provider

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"quotehub/internal/market"
)

// ErrKind 区分上游失败的可重试性。
type ErrKind int

const (
	// KindTransient 覆盖超时、限流、5xx 等瞬时失败，可按退避重试。
	KindTransient ErrKind = iota
	// KindPermanent 覆盖未知代码、请求格式错误等，重试无意义。
	KindPermanent
)

func (k ErrKind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// Error 是所有适配器对外的统一错误形状。
type Error struct {
	Source string
	Op     string
	Kind   ErrKind
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s (%v)", e.Source, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient 包装一个瞬时失败。
func Transient(source, op string, err error) *Error {
	return &Error{Source: source, Op: op, Kind: KindTransient, Err: err}
}

// Permanent 包装一个永久失败。
func Permanent(source, op string, err error) *Error {
	return &Error{Source: source, Op: op, Kind: KindPermanent, Err: err}
}

// IsTransient 判断错误是否值得重试。超时/取消之外的未知错误一律按瞬时处理，
// 宁可多试一次也不丢数据。
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == KindTransient
	}
	return true
}

// Stats 记录适配器的请求计数，任务结束时写进日志。
type Stats struct {
	Requests int64
	Failures int64
}

// Counter 供各适配器内嵌，并发安全。
type Counter struct {
	requests atomic.Int64
	failures atomic.Int64
}

func (c *Counter) Hit()  { c.requests.Add(1) }
func (c *Counter) Fail() { c.failures.Add(1) }

func (c *Counter) Snapshot() Stats {
	return Stats{Requests: c.requests.Load(), Failures: c.failures.Load()}
}

// Source 统一各家行情上游的拉取行为。所有实现必须把字段名、单位等
// 上游差异在适配器内部消化为 market.Quote。
type Source interface {
	Name() string

	// FetchHistorical 返回 [start, end] 区间内按交易日升序的日线行情。
	FetchHistorical(ctx context.Context, symbol string, start, end time.Time) ([]market.Quote, error)

	// FetchRealtime 返回调用时刻各 symbol 的最新快照，键为 symbol。
	// 上游没有数据的 symbol 不出现在结果里，不算错误。
	FetchRealtime(ctx context.Context, symbols []string) (map[string]market.Quote, error)

	Stats() Stats
}
