package market

import (
	"fmt"
	"strings"
	"time"
)

// 数据来源标识，持久化时写入 source 字段用于溯源。
const (
	SourceSina    = "sina"
	SourceTencent = "tencent"
	SourceSQLDump = "sqldump"
)

// KnownSources 返回全部受支持的来源标识。
var KnownSources = []string{SourceSina, SourceTencent, SourceSQLDump}

// IsKnownSource 判断来源标识是否合法。
func IsKnownSource(src string) bool {
	src = strings.ToLower(strings.TrimSpace(src))
	for _, s := range KnownSources {
		if s == src {
			return true
		}
	}
	return false
}

// Quote 是归一化后的单日行情记录，(Symbol, TradeDate) 唯一。
// 各适配器负责把上游字段名/单位差异消化掉，出了适配器只有这一种形状。
type Quote struct {
	Symbol    string  `json:"symbol"`     // 6 位代码，如 000001
	TradeDate string  `json:"trade_date"` // YYYY-MM-DD
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    int64   `json:"volume"` // 成交量（股）
	Amount    float64 `json:"amount"` // 成交额（元）
	Source    string  `json:"source"`
}

// Key 返回 (symbol, trade_date) 形式的唯一键。
func (q Quote) Key() string {
	return q.Symbol + "@" + q.TradeDate
}

// Validate 做出适配器之后的最后一道形状检查。
func (q Quote) Validate() error {
	if strings.TrimSpace(q.Symbol) == "" {
		return fmt.Errorf("quote: symbol 不能为空")
	}
	if _, err := ParseTradeDate(q.TradeDate); err != nil {
		return fmt.Errorf("quote %s: %w", q.Symbol, err)
	}
	if q.Low > q.High {
		return fmt.Errorf("quote %s@%s: low %.4f 大于 high %.4f", q.Symbol, q.TradeDate, q.Low, q.High)
	}
	if q.Open < 0 || q.Close < 0 || q.Volume < 0 || q.Amount < 0 {
		return fmt.Errorf("quote %s@%s: 存在负值字段", q.Symbol, q.TradeDate)
	}
	return nil
}

const tradeDateLayout = "2006-01-02"

// ParseTradeDate 解析 YYYY-MM-DD 交易日。
func ParseTradeDate(s string) (time.Time, error) {
	t, err := time.Parse(tradeDateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("非法交易日 %q", s)
	}
	return t, nil
}

// FormatTradeDate 输出 YYYY-MM-DD。
func FormatTradeDate(t time.Time) string {
	return t.Format(tradeDateLayout)
}

// ExchangePrefix 依据 A 股代码段推断市场前缀（sh/sz/bj）。
func ExchangePrefix(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	switch {
	case strings.HasPrefix(symbol, "6"):
		return "sh"
	case strings.HasPrefix(symbol, "4"), strings.HasPrefix(symbol, "8"):
		return "bj"
	default:
		return "sz"
	}
}

// PrefixedSymbol 返回带市场前缀的代码，如 sz000001。
func PrefixedSymbol(symbol string) string {
	return ExchangePrefix(symbol) + symbol
}
