package ingest

import (
	"time"
)

// chunk 是一次独立的上游调用单元：historical 为 symbol×日期子区间，
// realtime 为一批 symbol。分片各自重试、各自记账。
type chunk struct {
	symbol string
	start  time.Time
	end    time.Time

	symbols []string
}

// units 返回该分片的记账单元数。
func (c chunk) units() int {
	if len(c.symbols) > 0 {
		return len(c.symbols)
	}
	return 1
}

func buildChunks(kind Kind, symbols []string, start, end time.Time, chunkDays, symbolBatch int) []chunk {
	var chunks []chunk
	switch kind {
	case KindRealtime:
		for i := 0; i < len(symbols); i += symbolBatch {
			j := i + symbolBatch
			if j > len(symbols) {
				j = len(symbols)
			}
			chunks = append(chunks, chunk{symbols: symbols[i:j]})
		}
	case KindHistorical:
		span := time.Duration(chunkDays-1) * 24 * time.Hour
		for _, sym := range symbols {
			cursor := start
			for !cursor.After(end) {
				subEnd := cursor.Add(span)
				if subEnd.After(end) {
					subEnd = end
				}
				chunks = append(chunks, chunk{symbol: sym, start: cursor, end: subEnd})
				cursor = subEnd.AddDate(0, 0, 1)
			}
		}
	}
	return chunks
}
