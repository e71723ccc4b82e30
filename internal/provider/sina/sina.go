package sina

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"quotehub/internal/market"
	"quotehub/internal/provider"

	"github.com/shopspring/decimal"
)

// 新浪 hq 接口单行返回形如：
//
//	var hq_str_sz000001="平安银行,9.19,9.17,9.20,9.26,9.15,...,2026-08-28,15:00:03,00";
//
// 引号内按逗号切分后的字段位：0 名称 1 今开 2 昨收 3 现价 4 最高 5 最低
// 8 成交量(股) 9 成交额(元) 30 日期 31 时间。
const (
	fieldOpen   = 1
	fieldPrice  = 3
	fieldHigh   = 4
	fieldLow    = 5
	fieldVolume = 8
	fieldAmount = 9
	fieldDate   = 30
	minFields   = 32
)

// Source 基于新浪行情的实时快照适配器，不提供历史日线。
type Source struct {
	baseURL string
	referer string
	client  *http.Client

	counter provider.Counter
}

func New(base string, timeout time.Duration) *Source {
	if base == "" {
		base = "https://hq.sinajs.cn"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Source{
		baseURL: strings.TrimRight(base, "/"),
		// 新浪要求带 referer，否则返回 456。
		referer: "https://finance.sina.com.cn",
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *Source) Name() string { return market.SourceSina }

func (s *Source) Stats() provider.Stats { return s.counter.Snapshot() }

// FetchHistorical 新浪源不承担历史回补，直接返回永久错误。
func (s *Source) FetchHistorical(ctx context.Context, symbol string, start, end time.Time) ([]market.Quote, error) {
	return nil, provider.Permanent(s.Name(), "fetch_historical",
		fmt.Errorf("sina 源仅支持实时快照"))
}

func (s *Source) FetchRealtime(ctx context.Context, symbols []string) (map[string]market.Quote, error) {
	if len(symbols) == 0 {
		return map[string]market.Quote{}, nil
	}
	prefixed := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		sym = strings.TrimSpace(sym)
		if sym == "" {
			continue
		}
		prefixed = append(prefixed, market.PrefixedSymbol(sym))
	}
	u := s.baseURL + "/list=" + strings.Join(prefixed, ",")

	s.counter.Hit()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		s.counter.Fail()
		return nil, provider.Permanent(s.Name(), "fetch_realtime", err)
	}
	req.Header.Set("Referer", s.referer)
	resp, err := s.client.Do(req)
	if err != nil {
		s.counter.Fail()
		return nil, provider.Transient(s.Name(), "fetch_realtime", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == 456 || resp.StatusCode == http.StatusForbidden:
		s.counter.Fail()
		return nil, provider.Permanent(s.Name(), "fetch_realtime",
			fmt.Errorf("状态码 %d（referer 被拒）", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		s.counter.Fail()
		return nil, provider.Transient(s.Name(), "fetch_realtime",
			fmt.Errorf("状态码 %d", resp.StatusCode))
	default:
		s.counter.Fail()
		return nil, provider.Permanent(s.Name(), "fetch_realtime",
			fmt.Errorf("状态码 %d", resp.StatusCode))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.counter.Fail()
		return nil, provider.Transient(s.Name(), "fetch_realtime", err)
	}
	return parseBody(string(body))
}

// parseBody 逐行解析应答。单行格式异常只丢弃该行，不影响其他 symbol。
func parseBody(body string) (map[string]market.Quote, error) {
	out := make(map[string]market.Quote)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		symbol, q, ok := parseLine(line)
		if !ok {
			continue
		}
		out[symbol] = q
	}
	return out, nil
}

func parseLine(line string) (string, market.Quote, bool) {
	const varPrefix = "var hq_str_"
	if !strings.HasPrefix(line, varPrefix) {
		return "", market.Quote{}, false
	}
	eq := strings.Index(line, "=")
	if eq < 0 {
		return "", market.Quote{}, false
	}
	name := line[len(varPrefix):eq]
	if len(name) < 3 {
		return "", market.Quote{}, false
	}
	symbol := name[2:] // 去掉 sz/sh 前缀

	payload := strings.Trim(strings.TrimSuffix(line[eq+1:], ";"), `"`)
	if payload == "" {
		// 未知代码返回空串，按无数据跳过。
		return "", market.Quote{}, false
	}
	fields := strings.Split(payload, ",")
	if len(fields) < minFields {
		return "", market.Quote{}, false
	}
	open, err1 := parsePrice(fields[fieldOpen])
	price, err2 := parsePrice(fields[fieldPrice])
	high, err3 := parsePrice(fields[fieldHigh])
	low, err4 := parsePrice(fields[fieldLow])
	volume, err5 := decimal.NewFromString(strings.TrimSpace(fields[fieldVolume]))
	amount, err6 := parsePrice(fields[fieldAmount])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil || err6 != nil {
		return "", market.Quote{}, false
	}
	if _, err := market.ParseTradeDate(fields[fieldDate]); err != nil {
		return "", market.Quote{}, false
	}
	q := market.Quote{
		Symbol:    symbol,
		TradeDate: strings.TrimSpace(fields[fieldDate]),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     price,
		Volume:    volume.IntPart(),
		Amount:    amount,
		Source:    market.SourceSina,
	}
	if err := q.Validate(); err != nil {
		return "", market.Quote{}, false
	}
	return symbol, q, true
}

// parsePrice 用 decimal 做精确解析，避免上游字符串直接走 float 的尾差。
func parsePrice(s string) (float64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}
