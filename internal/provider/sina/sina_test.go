package sina

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"quotehub/internal/market"
	"quotehub/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLine = `var hq_str_sz000001="平安银行,9.19,9.17,9.20,9.26,9.15,9.19,9.20,45932165,422708631.00,` +
	`12000,9.19,34000,9.18,21000,9.17,18000,9.16,9000,9.15,` +
	`15000,9.20,22000,9.21,31000,9.22,12000,9.23,8000,9.24,` +
	`2026-08-28,15:00:03,00";`

func TestParseLine(t *testing.T) {
	symbol, q, ok := parseLine(sampleLine)
	require.True(t, ok)
	assert.Equal(t, "000001", symbol)
	assert.Equal(t, "2026-08-28", q.TradeDate)
	assert.Equal(t, 9.19, q.Open)
	assert.Equal(t, 9.26, q.High)
	assert.Equal(t, 9.15, q.Low)
	assert.Equal(t, 9.20, q.Close)
	assert.Equal(t, int64(45932165), q.Volume)
	assert.Equal(t, 422708631.00, q.Amount)
	assert.Equal(t, market.SourceSina, q.Source)
}

func TestParseBody_SkipsEmptyAndBroken(t *testing.T) {
	body := sampleLine + "\n" +
		`var hq_str_sz999999="";` + "\n" + // 未知代码
		`var hq_str_sz000002="万科A,坏数据";` + "\n"
	out, err := parseBody(body)
	require.NoError(t, err)
	assert.Len(t, out, 1)
	_, ok := out["000001"]
	assert.True(t, ok)
}

func TestFetchRealtime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.String(), "list=sz000001")
		_, _ = w.Write([]byte(sampleLine))
	}))
	defer srv.Close()

	src := New(srv.URL, 5*time.Second)
	out, err := src.FetchRealtime(context.Background(), []string{"000001"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 9.20, out["000001"].Close)
	assert.Equal(t, int64(1), src.Stats().Requests)
}

func TestFetchRealtime_RefererRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(456)
	}))
	defer srv.Close()

	src := New(srv.URL, 5*time.Second)
	_, err := src.FetchRealtime(context.Background(), []string{"000001"})
	require.Error(t, err)
	var pe *provider.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, provider.KindPermanent, pe.Kind)
	assert.False(t, provider.IsTransient(err))
}

func TestFetchHistorical_Unsupported(t *testing.T) {
	src := New("", 0)
	_, err := src.FetchHistorical(context.Background(), "000001", time.Now().AddDate(0, -1, 0), time.Now())
	var pe *provider.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, provider.KindPermanent, pe.Kind)
}
