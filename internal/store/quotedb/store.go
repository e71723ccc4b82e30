package quotedb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"quotehub/internal/market"

	_ "modernc.org/sqlite"
)

// StoreError 表示单条记录写入失败，调用方将其折入计数，不中断同批其余记录。
type StoreError struct {
	Symbol    string
	TradeDate string
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("quote %s@%s 写入失败: %v", e.Symbol, e.TradeDate, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// UpsertResult 按记录粒度汇总一次 upsert 的结果。
type UpsertResult struct {
	Inserted int
	Replaced int
	Failed   []*StoreError
}

// Store 是行情规范存储的唯一写入口，(symbol, trade_date) 唯一，
// 同键重复写入为整行替换（含来源字段），后写者胜。
type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("quotedb: 路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// 单连接：同键并发写被串行化，后完成的写确定性胜出。
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS quotes (
			symbol     TEXT NOT NULL,
			trade_date TEXT NOT NULL,
			open       REAL NOT NULL,
			high       REAL NOT NULL,
			low        REAL NOT NULL,
			close      REAL NOT NULL,
			volume     INTEGER NOT NULL DEFAULT 0,
			amount     REAL NOT NULL DEFAULT 0,
			source     TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (symbol, trade_date)
		);`)
	return err
}

const upsertSQL = `
	INSERT INTO quotes (symbol, trade_date, open, high, low, close, volume, amount, source, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(symbol, trade_date) DO UPDATE SET
	    open=excluded.open,
	    high=excluded.high,
	    low=excluded.low,
	    close=excluded.close,
	    volume=excluded.volume,
	    amount=excluded.amount,
	    source=excluded.source,
	    updated_at=excluded.updated_at`

// Upsert 逐条写入。单条失败只计入 Failed，不回滚也不阻断其余记录，
// 与上游 REPLACE 语义对齐。
func (s *Store) Upsert(ctx context.Context, quotes []market.Quote) (UpsertResult, error) {
	var res UpsertResult
	if len(quotes) == 0 {
		return res, nil
	}
	now := time.Now().UnixMilli()
	for _, q := range quotes {
		if err := q.Validate(); err != nil {
			res.Failed = append(res.Failed, &StoreError{Symbol: q.Symbol, TradeDate: q.TradeDate, Err: err})
			continue
		}
		existed, err := s.exists(ctx, q.Symbol, q.TradeDate)
		if err != nil {
			res.Failed = append(res.Failed, &StoreError{Symbol: q.Symbol, TradeDate: q.TradeDate, Err: err})
			continue
		}
		if _, err := s.db.ExecContext(ctx, upsertSQL,
			q.Symbol, q.TradeDate, q.Open, q.High, q.Low, q.Close, q.Volume, q.Amount, q.Source, now); err != nil {
			res.Failed = append(res.Failed, &StoreError{Symbol: q.Symbol, TradeDate: q.TradeDate, Err: err})
			continue
		}
		if existed {
			res.Replaced++
		} else {
			res.Inserted++
		}
	}
	return res, nil
}

func (s *Store) exists(ctx context.Context, symbol, tradeDate string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM quotes WHERE symbol = ? AND trade_date = ?`, symbol, tradeDate).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get 读取单条记录。
func (s *Store) Get(ctx context.Context, symbol, tradeDate string) (market.Quote, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT symbol, trade_date, open, high, low, close, volume, amount, source
		FROM quotes WHERE symbol = ? AND trade_date = ?`, symbol, tradeDate)
	q, err := scanQuote(row)
	if err == sql.ErrNoRows {
		return market.Quote{}, false, nil
	}
	if err != nil {
		return market.Quote{}, false, err
	}
	return q, true, nil
}

// History 返回 [from, to] 区间内该 symbol 的日线，按交易日升序。
func (s *Store) History(ctx context.Context, symbol, from, to string) ([]market.Quote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, trade_date, open, high, low, close, volume, amount, source
		FROM quotes
		WHERE symbol = ? AND trade_date >= ? AND trade_date <= ?
		ORDER BY trade_date ASC`, symbol, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectQuotes(rows)
}

// CountRange 统计区间内已有行数，供任务完成后的完整性核对。
func (s *Store) CountRange(ctx context.Context, symbol, from, to string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM quotes
		WHERE symbol = ? AND trade_date >= ? AND trade_date <= ?`, symbol, from, to).Scan(&n)
	return n, err
}

// LatestTradeDate 返回库中最新交易日，库为空时返回空串。
func (s *Store) LatestTradeDate(ctx context.Context) (string, error) {
	var d sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(trade_date) FROM quotes`).Scan(&d); err != nil {
		return "", err
	}
	if !d.Valid {
		return "", nil
	}
	return d.String, nil
}

// inChunk 控制 IN 列表长度，避免触顶 sqlite 变量数限制。
const inChunk = 500

// Windows 一次批量读出各 symbol 截止 asOf 的最近 bars 根日线，
// 返回值按 symbol 分组、组内升序。全市场扫描靠它避免按 symbol 逐个回库。
func (s *Store) Windows(ctx context.Context, symbols []string, asOf string, bars int) (map[string][]market.Quote, error) {
	out := make(map[string][]market.Quote, len(symbols))
	if bars <= 0 || len(symbols) == 0 {
		return out, nil
	}
	for i := 0; i < len(symbols); i += inChunk {
		j := i + inChunk
		if j > len(symbols) {
			j = len(symbols)
		}
		if err := s.windowsChunk(ctx, symbols[i:j], asOf, bars, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) windowsChunk(ctx context.Context, symbols []string, asOf string, bars int, out map[string][]market.Quote) error {
	placeholders := strings.Repeat("?,", len(symbols))
	placeholders = placeholders[:len(placeholders)-1]
	query := fmt.Sprintf(`
		SELECT symbol, trade_date, open, high, low, close, volume, amount, source FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY symbol ORDER BY trade_date DESC) AS rn
			FROM quotes
			WHERE trade_date <= ? AND symbol IN (%s)
		)
		WHERE rn <= ?
		ORDER BY symbol ASC, trade_date ASC`, placeholders)

	args := make([]any, 0, len(symbols)+2)
	args = append(args, asOf)
	for _, sym := range symbols {
		args = append(args, sym)
	}
	args = append(args, bars)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var q market.Quote
		if err := rows.Scan(&q.Symbol, &q.TradeDate, &q.Open, &q.High, &q.Low, &q.Close, &q.Volume, &q.Amount, &q.Source); err != nil {
			return err
		}
		out[q.Symbol] = append(out[q.Symbol], q)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuote(row rowScanner) (market.Quote, error) {
	var q market.Quote
	err := row.Scan(&q.Symbol, &q.TradeDate, &q.Open, &q.High, &q.Low, &q.Close, &q.Volume, &q.Amount, &q.Source)
	return q, err
}

func collectQuotes(rows *sql.Rows) ([]market.Quote, error) {
	var list []market.Quote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, q)
	}
	return list, rows.Err()
}
