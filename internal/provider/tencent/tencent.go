package tencent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"quotehub/internal/market"
	"quotehub/internal/provider"

	"github.com/tidwall/gjson"
)

// Source 基于腾讯 ifzq 日线接口的历史行情适配器。
// 返回 JSON 形如 data.sz000001.qfqday = [["2026-08-01","9.17","9.20","9.26","9.15","459321.65"], ...]，
// 数组字段位：日期/开/收/高/低/成交量(手)。
type Source struct {
	baseURL string
	client  *http.Client

	counter provider.Counter
}

func New(base string, timeout time.Duration) *Source {
	if base == "" {
		base = "https://web.ifzq.gtimg.cn"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Source{
		baseURL: strings.TrimRight(base, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *Source) Name() string { return market.SourceTencent }

func (s *Source) Stats() provider.Stats { return s.counter.Snapshot() }

// FetchRealtime 腾讯源只做历史回补。
func (s *Source) FetchRealtime(ctx context.Context, symbols []string) (map[string]market.Quote, error) {
	return nil, provider.Permanent(s.Name(), "fetch_realtime",
		fmt.Errorf("tencent 源仅支持历史日线"))
}

func (s *Source) FetchHistorical(ctx context.Context, symbol string, start, end time.Time) ([]market.Quote, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, provider.Permanent(s.Name(), "fetch_historical", fmt.Errorf("symbol 不能为空"))
	}
	if end.Before(start) {
		start, end = end, start
	}
	prefixed := market.PrefixedSymbol(symbol)
	days := int(end.Sub(start).Hours()/24) + 1

	u, _ := url.Parse(s.baseURL)
	u.Path = "/appstock/app/fqkline/get"
	q := u.Query()
	q.Set("param", fmt.Sprintf("%s,day,%s,%s,%d,qfq",
		prefixed, market.FormatTradeDate(start), market.FormatTradeDate(end), days))
	u.RawQuery = q.Encode()

	s.counter.Hit()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
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
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		s.counter.Fail()
		return nil, provider.Transient(s.Name(), "fetch_historical",
			fmt.Errorf("状态码 %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		s.counter.Fail()
		return nil, provider.Permanent(s.Name(), "fetch_historical",
			fmt.Errorf("状态码 %d", resp.StatusCode))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.counter.Fail()
		return nil, provider.Transient(s.Name(), "fetch_historical", err)
	}
	return s.parseKlines(symbol, prefixed, body, start, end)
}

func (s *Source) parseKlines(symbol, prefixed string, body []byte, start, end time.Time) ([]market.Quote, error) {
	if code := gjson.GetBytes(body, "code"); !code.Exists() || code.Int() != 0 {
		s.counter.Fail()
		return nil, provider.Permanent(s.Name(), "fetch_historical",
			fmt.Errorf("上游返回 code=%s msg=%s", gjson.GetBytes(body, "code").Raw, gjson.GetBytes(body, "msg").String()))
	}
	rows := gjson.GetBytes(body, "data."+prefixed+".qfqday")
	if !rows.Exists() {
		rows = gjson.GetBytes(body, "data."+prefixed+".day")
	}
	if !rows.Exists() {
		s.counter.Fail()
		return nil, provider.Permanent(s.Name(), "fetch_historical",
			fmt.Errorf("未知代码 %s：应答缺少日线数组", symbol))
	}

	startStr := market.FormatTradeDate(start)
	endStr := market.FormatTradeDate(end)
	out := make([]market.Quote, 0, len(rows.Array()))
	for _, row := range rows.Array() {
		arr := row.Array()
		if len(arr) < 6 {
			continue
		}
		date := strings.TrimSpace(arr[0].String())
		if date < startStr || date > endStr {
			continue
		}
		q := market.Quote{
			Symbol:    symbol,
			TradeDate: date,
			Open:      arr[1].Float(),
			Close:     arr[2].Float(),
			High:      arr[3].Float(),
			Low:       arr[4].Float(),
			// 上游成交量单位为手，换算为股；成交额此接口不提供，置 0。
			Volume: int64(arr[5].Float() * 100),
			Source: market.SourceTencent,
		}
		if err := q.Validate(); err != nil {
			continue
		}
		out = append(out, q)
	}
	// 接口按日期升序返回，这里仍显式排序兜底。
	sort.Slice(out, func(i, j int) bool { return out[i].TradeDate < out[j].TradeDate })
	return out, nil
}
