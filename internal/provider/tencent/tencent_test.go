package tencent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"quotehub/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleResponse = `{
	"code": 0,
	"msg": "",
	"data": {
		"sz000001": {
			"qfqday": [
				["2026-08-26", "9.10", "9.15", "9.20", "9.05", "459321.00"],
				["2026-08-27", "9.15", "9.20", "9.26", "9.12", "512008.00"]
			]
		}
	}
}`

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	require.NoError(t, err)
	return d
}

func TestFetchHistorical(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Query().Get("param"), "sz000001,day,")
		_, _ = w.Write([]byte(sampleResponse))
	}))
	defer srv.Close()

	src := New(srv.URL, 5*time.Second)
	out, err := src.FetchHistorical(context.Background(),
		"000001", mustDate(t, "2026-08-25"), mustDate(t, "2026-08-27"))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "2026-08-26", out[0].TradeDate)
	assert.Equal(t, 9.15, out[0].Close)
	// 上游成交量单位为手
	assert.Equal(t, int64(45932100), out[0].Volume)
	assert.Equal(t, "000001", out[0].Symbol)
}

func TestFetchHistorical_FiltersDateRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleResponse))
	}))
	defer srv.Close()

	src := New(srv.URL, 5*time.Second)
	out, err := src.FetchHistorical(context.Background(),
		"000001", mustDate(t, "2026-08-27"), mustDate(t, "2026-08-27"))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "2026-08-27", out[0].TradeDate)
}

func TestFetchHistorical_UnknownSymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code": 0, "msg": "", "data": {}}`))
	}))
	defer srv.Close()

	src := New(srv.URL, 5*time.Second)
	_, err := src.FetchHistorical(context.Background(),
		"999999", mustDate(t, "2026-08-25"), mustDate(t, "2026-08-27"))
	var pe *provider.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, provider.KindPermanent, pe.Kind)
}

func TestFetchHistorical_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	src := New(srv.URL, 5*time.Second)
	_, err := src.FetchHistorical(context.Background(),
		"000001", mustDate(t, "2026-08-25"), mustDate(t, "2026-08-27"))
	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))
}
