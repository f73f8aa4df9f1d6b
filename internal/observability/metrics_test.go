package observability

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordPoll("a", domain.Quote{}, time.Millisecond, nil)
	m.SetVenueDegraded("a", true)
	m.RecordCycle(nil)
	m.SetTrading(true)
	assert.Nil(t, m.Registry())
}

func TestRecordPoll(t *testing.T) {
	m := NewMetrics("test")
	q := domain.Quote{BidPrice: decimal.NewFromInt(100), AskPrice: decimal.NewFromInt(101)}

	m.RecordPoll("a", q, 20*time.Millisecond, nil)
	m.RecordPoll("a", q, 20*time.Millisecond, &domain.TransientError{Venue: "a", Op: "get_quote", Err: errors.New("x")})

	body := scrape(t, m)
	assert.Contains(t, body, `test_quote_polls_total{result="none",venue="a"} 1`)
	assert.Contains(t, body, `test_quote_polls_total{result="transient",venue="a"} 1`)
	assert.Contains(t, body, `test_quote_bid_price{venue="a"} 100`)
}

func TestSetHalted(t *testing.T) {
	m := NewMetrics("test")
	m.SetHalted(true)
	assert.Contains(t, scrape(t, m), "test_engine_halted 1")
}
