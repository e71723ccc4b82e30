package sqldump

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"quotehub/internal/logger"
	"quotehub/internal/market"
	"quotehub/internal/provider"
)

// Source 拉取某数据商提供的 .sql 批量导出文件。文件内容为逐行的
// REPLACE INTO 语句，一行一条日线记录，坏行只丢该行。
type Source struct {
	baseURL string
	client  *http.Client

	counter provider.Counter
}

func New(base string, timeout time.Duration) *Source {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Source{
		baseURL: strings.TrimRight(base, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *Source) Name() string { return market.SourceSQLDump }

func (s *Source) Stats() provider.Stats { return s.counter.Snapshot() }

// FetchRealtime 批量导出源没有实时口径。
func (s *Source) FetchRealtime(ctx context.Context, symbols []string) (map[string]market.Quote, error) {
	return nil, provider.Permanent(s.Name(), "fetch_realtime",
		fmt.Errorf("sqldump 源仅支持历史日线"))
}

func (s *Source) FetchHistorical(ctx context.Context, symbol string, start, end time.Time) ([]market.Quote, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, provider.Permanent(s.Name(), "fetch_historical", fmt.Errorf("symbol 不能为空"))
	}
	if s.baseURL == "" {
		return nil, provider.Permanent(s.Name(), "fetch_historical", fmt.Errorf("sqldump base_url 未配置"))
	}
	if end.Before(start) {
		start, end = end, start
	}
	u := fmt.Sprintf("%s/history/%s.sql", s.baseURL, symbol)

	s.counter.Hit()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		s.counter.Fail()
		return nil, provider.Permanent(s.Name(), "fetch_historical", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.counter.Fail()
		return nil, provider.Transient(s.Name(), "fetch_historical", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		s.counter.Fail()
		return nil, provider.Permanent(s.Name(), "fetch_historical",
			fmt.Errorf("未知代码 %s（404）", symbol))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		s.counter.Fail()
		return nil, provider.Transient(s.Name(), "fetch_historical",
			fmt.Errorf("状态码 %d", resp.StatusCode))
	default:
		s.counter.Fail()
		return nil, provider.Permanent(s.Name(), "fetch_historical",
			fmt.Errorf("状态码 %d", resp.StatusCode))
	}

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		s.counter.Fail()
		return nil, provider.Transient(s.Name(), "fetch_historical", err)
	}

	rows, parseErrs := ParseBatch(lines)
	for _, pe := range parseErrs {
		logger.Warnf("[sqldump] %s: %v", symbol, pe)
	}
	return rowsToQuotes(symbol, rows, start, end), nil
}

// 各家导出字段名不完全一致，这里做一层别名归一。
var fieldAliases = map[string][]string{
	"symbol": {"symbol", "code", "stock_code"},
	"date":   {"date", "day", "trade_date"},
	"open":   {"open", "topen"},
	"high":   {"high"},
	"low":    {"low"},
	"close":  {"close", "tclose"},
	"volume": {"volume", "vol"},
	"amount": {"amount", "money", "turnover"},
}

func lookup(row Row, canonical string) (string, bool) {
	for _, alias := range fieldAliases[canonical] {
		if v, ok := row.Get(alias); ok {
			return v, true
		}
	}
	return "", false
}

func rowsToQuotes(symbol string, rows []Row, start, end time.Time) []market.Quote {
	startStr := market.FormatTradeDate(start)
	endStr := market.FormatTradeDate(end)
	out := make([]market.Quote, 0, len(rows))
	for _, row := range rows {
		q, ok := rowToQuote(row)
		if !ok {
			continue
		}
		if q.Symbol != symbol {
			continue
		}
		if q.TradeDate < startStr || q.TradeDate > endStr {
			continue
		}
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradeDate < out[j].TradeDate })
	return out
}

func rowToQuote(row Row) (market.Quote, bool) {
	sym, ok1 := lookup(row, "symbol")
	date, ok2 := lookup(row, "date")
	if !ok1 || !ok2 {
		return market.Quote{}, false
	}
	open, ok3 := lookupFloat(row, "open")
	high, ok4 := lookupFloat(row, "high")
	low, ok5 := lookupFloat(row, "low")
	cls, ok6 := lookupFloat(row, "close")
	if !ok3 || !ok4 || !ok5 || !ok6 {
		return market.Quote{}, false
	}
	volume, _ := lookupFloat(row, "volume")
	amount, _ := lookupFloat(row, "amount")
	q := market.Quote{
		Symbol:    strings.TrimSpace(sym),
		TradeDate: strings.TrimSpace(date),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    int64(volume),
		Amount:    amount,
		Source:    market.SourceSQLDump,
	}
	if err := q.Validate(); err != nil {
		return market.Quote{}, false
	}
	return q, true
}

func lookupFloat(row Row, canonical string) (float64, bool) {
	v, ok := lookup(row, canonical)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
