package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/xbtarbiter/internal/cache/memory"
	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/alanyoungcy/xbtarbiter/internal/engine"
	"github.com/alanyoungcy/xbtarbiter/internal/exchange"
	"github.com/alanyoungcy/xbtarbiter/internal/observability"
	"github.com/alanyoungcy/xbtarbiter/internal/platform/paper"
	"github.com/alanyoungcy/xbtarbiter/internal/quote"
	"github.com/alanyoungcy/xbtarbiter/internal/server/handler"
	"github.com/alanyoungcy/xbtarbiter/internal/server/ws"
	"github.com/alanyoungcy/xbtarbiter/internal/service"
	memstore "github.com/alanyoungcy/xbtarbiter/internal/store/memory"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiKey = "secret"

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeEngine struct {
	mu       sync.Mutex
	trading  bool
	startErr error
	current  *domain.Opportunity
}

func (f *fakeEngine) Current() *domain.Opportunity { return f.current }

func (f *fakeEngine) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.trading = true
	return nil
}

func (f *fakeEngine) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trading = false
}

func (f *fakeEngine) Status() domain.EngineStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.EngineStatus{Mode: "trade", Trading: f.trading}
}

type fakeControl struct{}

func (fakeControl) Active() []domain.Execution { return nil }

func (fakeControl) Get(id string) (domain.Execution, bool) {
	if id == "live" {
		return domain.Execution{ID: "live", State: domain.ExecLegsSubmitted}, true
	}
	return domain.Execution{}, false
}

func (fakeControl) Cancel(id string) error {
	switch id {
	case "live":
		return nil
	case "done":
		return domain.ErrNotCancellable
	}
	return domain.ErrExecutionNotFound
}

type fakeMonitor struct {
	restored []domain.VenueID
}

func (m *fakeMonitor) Health() []quote.VenueHealth {
	return []quote.VenueHealth{{Venue: "a", Status: domain.VenueDegraded, ConsecutiveFailures: 3}}
}

func (m *fakeMonitor) Restore(_ context.Context, venue domain.VenueID) error {
	if venue != "a" {
		return domain.ErrUnknownVenue
	}
	m.restored = append(m.restored, venue)
	return nil
}

type fakeBalances struct{}

func (fakeBalances) Balances() []domain.Balance {
	return []domain.Balance{{Venue: "a", Currency: "USD", Total: decimal.NewFromInt(1000), Available: decimal.NewFromInt(900), Reserved: decimal.NewFromInt(100)}}
}

type denyLimiter struct{}

func (denyLimiter) Take(context.Context, string, int, time.Duration) (domain.RateDecision, error) {
	return domain.RateDecision{Allowed: false}, nil
}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, nil
}

type fixture struct {
	handler http.Handler
	engine  *fakeEngine
	monitor *fakeMonitor
	execs   *memstore.ExecutionStore
	audit   *memstore.AuditStore
	bus     *memory.SignalBus
	hub     *ws.Hub
}

func newFixture(t *testing.T, limiter domain.RateLimiter) *fixture {
	t.Helper()
	fees := domain.FeeScheduleFromBps(10, 26)
	set, err := exchange.NewSet(exchange.NewVenue(
		exchange.Spec{ID: "a", Fees: fees, MinOrderSize: decimal.RequireFromString("0.0001")},
		paper.New(paper.Config{Venue: "a"}),
	))
	require.NoError(t, err)

	eng := &fakeEngine{}
	mon := &fakeMonitor{}
	execs := memstore.NewExecutionStore(10)
	bus := memory.NewSignalBus(10)
	risk := service.NewRiskService(service.RiskConfig{}, nil, quiet())
	audit := memstore.NewAuditStore(10)
	arb := service.NewArbService(memstore.NewOpportunityStore(10), execs, audit, bus, risk, quiet())
	hub := ws.NewHub(bus, eng, nil, quiet())

	h := NewHandler(
		Config{APIKey: apiKey, RateLimit: 10, RateWindow: time.Minute},
		Handlers{
			Health:  handler.NewHealthHandler(nil, quiet()),
			Status:  handler.NewStatusHandler(eng, risk),
			Arb:     handler.NewArbHandler(eng, arb, fakeControl{}, quiet()),
			Trading: handler.NewTradingHandler(eng, arb, quiet()),
			Venues:  handler.NewVenueHandler(set, mon, fakeBalances{}, arb, quiet()),
			Metrics: observability.NewMetrics("test").Handler(),
		},
		hub, limiter, quiet(),
	)
	return &fixture{handler: h, engine: eng, monitor: mon, execs: execs, audit: audit, bus: bus, hub: hub}
}

func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAuth(t *testing.T) {
	f := newFixture(t, nil)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "health is public")
	assert.Equal(t, "ok", decode(t, rec)["status"])

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/status").Code)
}

func TestOpportunity(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/opportunity")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))

	f.engine.current = &domain.Opportunity{ID: "opp-1", BuyVenue: "a", SellVenue: "b"}
	rec = f.do(t, http.MethodGet, "/api/opportunity")
	assert.Equal(t, "opp-1", decode(t, rec)["id"])
}

func TestExecutions(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.execs.Create(context.Background(), domain.Execution{
		ID: "exec-1", Outcome: domain.OutcomeBothFilled, RealizedPnL: decimal.RequireFromString("1.5"), StartedAt: time.Now(),
	}))

	rec := f.do(t, http.MethodGet, "/api/executions?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["executions"], 1)
	assert.Empty(t, body["active"])

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/executions/exec-1").Code)
	assert.Equal(t, "live", decode(t, f.do(t, http.MethodGet, "/api/executions/live"))["id"])
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/executions/missing").Code)

	require.NoError(t, f.audit.Log(context.Background(), "execution_resolved", map[string]any{"execution_id": "exec-1"}))
	rec = f.do(t, http.MethodGet, "/api/executions/exec-1/audit")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["entries"], 1)
	rec = f.do(t, http.MethodGet, "/api/executions/missing/audit")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["entries"])

	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/executions/live/cancel").Code)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/executions/done/cancel").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/executions/other/cancel").Code)

	rec = f.do(t, http.MethodGet, "/api/profit?since=2020-01-01")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1.5", decode(t, rec)["realized_pnl"])
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/profit?since=yesterday").Code)
}

func TestTradingSwitch(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/trading/start")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["trading"])

	rec = f.do(t, http.MethodPost, "/api/trading/stop")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["trading"])

	f.engine.startErr = engine.ErrNoExecutor
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/trading/start").Code)

	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodGet, "/api/trading/start").Code)
}

func TestVenues(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/venues")
	require.Equal(t, http.StatusOK, rec.Code)
	venues := decode(t, rec)["venues"].([]any)
	require.Len(t, venues, 1)
	v := venues[0].(map[string]any)
	assert.Equal(t, "degraded", v["status"])
	assert.Equal(t, "0.0026", v["fees"].(map[string]any)["taker"])

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/venues/a/restore").Code)
	assert.Equal(t, []domain.VenueID{"a"}, f.monitor.restored)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/venues/zz/restore").Code)

	rec = f.do(t, http.MethodGet, "/api/balances")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["balances"], 1)
}

func TestMetricsAndCORS(t *testing.T) {
	f := newFixture(t, nil)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	req := httptest.NewRequest(http.MethodOptions, "/api/executions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, denyLimiter{})
	rec := f.do(t, http.MethodGet, "/api/status")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestWebsocketRelaysBusEvents(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.hub.Run(ctx) }()

	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?api_key=" + apiKey
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	type frame struct {
		Channel string       `json:"channel"`
		Event   domain.Event `json:"event"`
	}
	read := func() frame {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var fr frame
		require.NoError(t, conn.ReadJSON(&fr))
		return fr
	}

	first := read()
	assert.Equal(t, domain.ChannelTrading, first.Channel)
	assert.Equal(t, "status", first.Event.Type)

	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	ev, err := json.Marshal(domain.Event{Type: "execution", Payload: map[string]string{"id": "e1"}, Timestamp: time.Now()})
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(ctx, domain.ChannelExecutions, ev))

	got := read()
	assert.Equal(t, domain.ChannelExecutions, got.Channel)
	assert.Equal(t, "execution", got.Event.Type)
}
