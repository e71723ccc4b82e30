package screen

import (
	"context"
	"fmt"
	"sort"
	"time"

	"quotehub/internal/logger"
	"quotehub/internal/store/quotedb"

	"golang.org/x/sync/errgroup"
)

// SymbolLister 提供默认扫描清单。
type SymbolLister interface {
	Symbols() []string
}

// Engine 在规范存储上跑形态扫描。只读，不依赖任何一次采集任务。
type Engine struct {
	quotes   *quotedb.Store
	universe SymbolLister
	parallel int
}

func NewEngine(quotes *quotedb.Store, universe SymbolLister, parallel int) (*Engine, error) {
	if quotes == nil {
		return nil, fmt.Errorf("quotes store 不能为空")
	}
	if parallel <= 0 {
		parallel = 8
	}
	return &Engine{quotes: quotes, universe: universe, parallel: parallel}, nil
}

// Run 扫描目标清单并返回排好序的命中列表。同一份库内容加同一个
// 查询，重复调用结果逐字节一致：清单先排序，排名键为
// (score 降序, symbol 升序)。
func (e *Engine) Run(ctx context.Context, q Query) ([]Match, error) {
	if q.pattern == nil {
		return nil, &ValidationError{Kind: q.Kind, Reason: "query 未经 ParseQuery 构造"}
	}
	symbols := append([]string(nil), q.Symbols...)
	if len(symbols) == 0 && e.universe != nil {
		symbols = append(symbols, e.universe.Symbols()...)
	}
	if len(symbols) == 0 {
		return nil, nil
	}
	sort.Strings(symbols)

	asOf := q.AsOf
	if asOf == "" {
		latest, err := e.quotes.LatestTradeDate(ctx)
		if err != nil {
			return nil, err
		}
		if latest == "" {
			return nil, nil
		}
		asOf = latest
	}

	began := time.Now()
	need := q.pattern.window()
	// 一次批量读完全部窗口，几千只股票也只有常数次回库。
	windows, err := e.quotes.Windows(ctx, symbols, asOf, need)
	if err != nil {
		return nil, err
	}

	results := make([]*Match, len(symbols))
	skipped := 0
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(e.parallel)
	for i, sym := range symbols {
		i, sym := i, sym
		bars := windows[sym]
		if len(bars) < need {
			skipped++
			continue
		}
		g.Go(func() error {
			score, metrics, ok := q.pattern.evaluate(bars)
			if !ok {
				return nil
			}
			results[i] = &Match{
				Symbol:      sym,
				WindowStart: bars[len(bars)-need].TradeDate,
				WindowEnd:   bars[len(bars)-1].TradeDate,
				Score:       score,
				Metrics:     metrics,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(symbols))
	for _, m := range results {
		if m != nil {
			matches = append(matches, *m)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Symbol < matches[j].Symbol
	})
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}

	logger.Infof("[screen] %s@%s 扫描完成：清单=%d 数据不足=%d 命中=%d 耗时=%s",
		q.Kind, asOf, len(symbols), skipped, len(matches), time.Since(began).Truncate(time.Millisecond))
	return matches, nil
}
