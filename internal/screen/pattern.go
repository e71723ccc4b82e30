package screen

import (
	"fmt"
	"math"

	"quotehub/internal/market"

	talib "github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"
)

// Match 是一次扫描命中的结果，每次扫描重新计算，不落盘。
type Match struct {
	Symbol      string
	WindowStart string
	WindowEnd   string
	// Score 是排名主键，升降含义由形态自己定义，排序统一为降序。
	Score   float64
	Metrics map[string]string
}

// pattern 是单只股票窗口上的形态谓词。bars 按交易日升序、
// 最后一根为 as-of 日，长度不小于 window()。
type pattern interface {
	kind() string
	window() int
	evaluate(bars []market.Quote) (score float64, metrics map[string]string, ok bool)
}

// ---- 连跌形态 ----

type declineParams struct {
	LookbackDays     int     `mapstructure:"lookbackDays"`
	DeclineThreshold float64 `mapstructure:"declineThreshold"`
}

type declinePattern struct {
	p declineParams
}

func (d *declinePattern) kind() string { return KindDecline }

func (d *declinePattern) window() int { return d.p.LookbackDays + 1 }

// evaluate 比较窗口首尾收盘价：(起点收盘 - 终点收盘) / 起点收盘 ≥ 阈值
// 即命中，跌得越深排名越前。
func (d *declinePattern) evaluate(bars []market.Quote) (float64, map[string]string, bool) {
	start := decimal.NewFromFloat(bars[0].Close)
	end := decimal.NewFromFloat(bars[len(bars)-1].Close)
	if start.IsZero() {
		return 0, nil, false
	}
	ratio := start.Sub(end).Div(start)
	if ratio.LessThan(decimal.NewFromFloat(d.p.DeclineThreshold)) {
		return 0, nil, false
	}
	metrics := map[string]string{
		"startClose":   start.String(),
		"endClose":     end.String(),
		"declineRatio": ratio.Round(4).String(),
	}
	return ratio.InexactFloat64(), metrics, true
}

// ---- 长下影形态 ----

type shadowParams struct {
	LowerShadowRatio float64 `mapstructure:"lowerShadowRatio"`
	UpperShadowRatio float64 `mapstructure:"upperShadowRatio"`
	MinAmplitude     float64 `mapstructure:"minAmplitude"`
	RecentDays       int     `mapstructure:"recentDays"`
}

type shadowPattern struct {
	p shadowParams
}

func (s *shadowPattern) kind() string { return KindShadow }

// 最老的一根待评估 K 线也要有前收盘做振幅分母。
func (s *shadowPattern) window() int { return s.p.RecentDays + 1 }

// evaluate 在最近 recentDays 根 K 线里找长下影：
// 振幅 (high-low)/前收 ≥ minAmplitude，下影/实体 ≥ lowerShadowRatio，
// 上影/实体 ≤ upperShadowRatio。任一根命中即命中，取最强的一根计分。
func (s *shadowPattern) evaluate(bars []market.Quote) (float64, map[string]string, bool) {
	best := -1.0
	var bestBar market.Quote
	var bestAmp, bestUpper float64
	for i := len(bars) - s.p.RecentDays; i < len(bars); i++ {
		bar := bars[i]
		denom := bars[i-1].Close
		if denom <= 0 {
			denom = bar.Open
		}
		if denom <= 0 {
			continue
		}
		amplitude := (bar.High - bar.Low) / denom
		if amplitude < s.p.MinAmplitude {
			continue
		}
		body := math.Abs(bar.Close - bar.Open)
		// 十字星实体趋近于零会让比值无界，给实体一个收盘价 0.1% 的下限
		if floor := bar.Close * 0.001; body < floor {
			body = floor
		}
		lower := (math.Min(bar.Open, bar.Close) - bar.Low) / body
		upper := (bar.High - math.Max(bar.Open, bar.Close)) / body
		if lower < s.p.LowerShadowRatio || upper > s.p.UpperShadowRatio {
			continue
		}
		if lower > best {
			best = lower
			bestBar = bar
			bestAmp = amplitude
			bestUpper = upper
		}
	}
	if best < 0 {
		return 0, nil, false
	}
	metrics := map[string]string{
		"matchedDate": bestBar.TradeDate,
		"lowerShadow": decimal.NewFromFloat(best).Round(4).String(),
		"upperShadow": decimal.NewFromFloat(bestUpper).Round(4).String(),
		"amplitude":   decimal.NewFromFloat(bestAmp).Round(4).String(),
	}
	return best, metrics, true
}

// ---- 回踩均线形态 ----

type maPullbackParams struct {
	MADays    int     `mapstructure:"maDays"`
	Tolerance float64 `mapstructure:"tolerance"`
}

type maPullbackPattern struct {
	p maPullbackParams
}

func (m *maPullbackPattern) kind() string { return KindMAPullback }

// 需要两个有效的 SMA 值来判断均线方向。
func (m *maPullbackPattern) window() int { return m.p.MADays + 1 }

// evaluate 找回踩上行均线：收盘价落在 N 日均线 tolerance 之内，
// 且均线仍在抬升。越贴近均线分越高。
func (m *maPullbackPattern) evaluate(bars []market.Quote) (float64, map[string]string, bool) {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	sma := talib.Sma(closes, m.p.MADays)
	cur := sma[len(sma)-1]
	prev := sma[len(sma)-2]
	if cur <= 0 || cur <= prev {
		return 0, nil, false
	}
	last := bars[len(bars)-1].Close
	dist := math.Abs(last-cur) / cur
	if dist > m.p.Tolerance {
		return 0, nil, false
	}
	metrics := map[string]string{
		"ma":        decimal.NewFromFloat(cur).Round(3).String(),
		"close":     decimal.NewFromFloat(last).Round(3).String(),
		"distRatio": decimal.NewFromFloat(dist).Round(4).String(),
	}
	return 1 - dist, metrics, true
}

func buildPattern(kind string, doc map[string]any) (pattern, error) {
	switch kind {
	case KindDecline:
		p := declineParams{LookbackDays: 9, DeclineThreshold: 0.09}
		if err := decodeParams(doc, &p); err != nil {
			return nil, err
		}
		return &declinePattern{p: p}, nil
	case KindShadow:
		p := shadowParams{LowerShadowRatio: 1.5, UpperShadowRatio: 0.25, MinAmplitude: 0.03, RecentDays: 3}
		if err := decodeParams(doc, &p); err != nil {
			return nil, err
		}
		return &shadowPattern{p: p}, nil
	case KindMAPullback:
		p := maPullbackParams{MADays: 20, Tolerance: 0.02}
		if err := decodeParams(doc, &p); err != nil {
			return nil, err
		}
		return &maPullbackPattern{p: p}, nil
	}
	return nil, fmt.Errorf("未知形态: %s", kind)
}
