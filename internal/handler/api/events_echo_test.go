package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	models "TradeCore/internal/domain/models"
	"TradeCore/internal/repository"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type stubHistory struct{ rows []*models.ConsensusResult }

func (s *stubHistory) History(instrument string, limit int) []*models.ConsensusResult {
	var out []*models.ConsensusResult
	for _, r := range s.rows {
		if r.Instrument == instrument && len(out) < limit {
			out = append(out, r)
		}
	}
	return out
}

type stubPortfolios struct{ err error }

func (s *stubPortfolios) Get(_ context.Context, userID string) (*models.Portfolio, error) {
	if s.err != nil {
		return nil, s.err
	}
	return models.NewPortfolio(userID, 10000), nil
}

type stubOrders struct {
	orders      map[string]models.Order
	cancellable map[string]bool
}

func (s *stubOrders) Order(id string) (models.Order, bool) {
	o, ok := s.orders[id]
	return o, ok
}

func (s *stubOrders) Orders(status models.OrderStatus) []models.Order {
	var out []models.Order
	for _, o := range s.orders {
		if status == "" || o.Status == status {
			out = append(out, o)
		}
	}
	return out
}

func (s *stubOrders) CancelOrder(_ context.Context, id string) bool {
	if !s.cancellable[id] {
		return false
	}
	o := s.orders[id]
	o.Status = models.OrderCancelled
	s.orders[id] = o
	return true
}

type opsFixture struct {
	e          *echo.Echo
	store      *repository.MemoryEventStore
	portfolios *stubPortfolios
	orders     *stubOrders
}

func newOpsFixture(t *testing.T, checks ...HealthCheck) *opsFixture {
	t.Helper()
	f := &opsFixture{
		e:          echo.New(),
		store:      repository.NewMemoryEventStore(),
		portfolios: &stubPortfolios{},
		orders: &stubOrders{
			orders: map[string]models.Order{
				"o-1": {ID: "o-1", Status: models.OrderPendingConfirmation},
				"o-2": {ID: "o-2", Status: models.OrderFilled},
			},
			cancellable: map[string]bool{"o-1": true},
		},
	}
	history := &stubHistory{rows: []*models.ConsensusResult{
		{Instrument: "BTC-USD", RecommendedAction: models.ActionExecute},
		{Instrument: "BTC-USD", RecommendedAction: models.ActionHold},
		{Instrument: "ETH-USD", RecommendedAction: models.ActionReject},
	}}
	NewOpsEchoHandler(nil, f.store, history, f.portfolios, f.orders, checks...).RegisterRoutes(f.e)
	return f
}

func (f *opsFixture) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func (f *opsFixture) seed(t *testing.T, n int) {
	t.Helper()
	var batch []*models.Event
	for i := 0; i < n; i++ {
		batch = append(batch, &models.Event{
			ID:            fmt.Sprintf("e-%d", i),
			Type:          models.EventPriceTick,
			Timestamp:     t0.Add(time.Duration(i) * time.Minute),
			Instrument:    "BTC-USD",
			Source:        "test",
			Payload:       json.RawMessage(`{"price":100}`),
			SchemaVersion: models.SchemaVersion,
		})
	}
	_, err := f.store.InsertBatch(context.Background(), batch)
	require.NoError(t, err)
}

func rowsOf(t *testing.T, body map[string]any) []any {
	t.Helper()
	data, ok := body["data"].(map[string]any)
	require.True(t, ok, "missing data envelope")
	rows, _ := data["rows"].([]any)
	return rows
}

func TestEventsRangeQuery(t *testing.T) {
	f := newOpsFixture(t)
	f.seed(t, 10)

	from := t0.Add(2 * time.Minute).Format(time.RFC3339)
	to := t0.Add(4 * time.Minute).Format(time.RFC3339)
	rec, body := f.do(t, http.MethodGet, "/api/events?instrument=BTC-USD&from="+from+"&to="+to, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rows := rowsOf(t, body)
	require.Len(t, rows, 3)
	assert.Equal(t, "e-2", rows[0].(map[string]any)["id"])
	assert.Equal(t, "e-4", rows[2].(map[string]any)["id"])

	rec, body = f.do(t, http.MethodGet, "/api/events?limit=4", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, rowsOf(t, body), 4)
}

func TestEventsRejectsBadInput(t *testing.T) {
	f := newOpsFixture(t)

	tests := []struct {
		name   string
		target string
	}{
		{"unknown type", "/api/events?type=order.exploded"},
		{"limit too large", "/api/events?limit=20000"},
		{"bad from", "/api/events?from=yesterday"},
		{"inverted range", "/api/events?from=2024-05-02T00:00:00Z&to=2024-05-01T00:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := f.do(t, http.MethodGet, tt.target, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestLatestAndCount(t *testing.T) {
	f := newOpsFixture(t)

	rec, _ := f.do(t, http.MethodGet, "/api/events/latest?instrument=BTC-USD", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.seed(t, 5)
	rec, body := f.do(t, http.MethodGet, "/api/events/latest?instrument=BTC-USD&type=price.tick", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "e-4", body["data"].(map[string]any)["id"])

	rec, body = f.do(t, http.MethodGet, "/api/events/count?type=price.tick", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 5, body["data"].(map[string]any)["count"])
}

func TestImportEventsSkipsDuplicates(t *testing.T) {
	f := newOpsFixture(t)
	f.seed(t, 1)

	payload := fmt.Sprintf(`{"events":[
		{"id":"e-0","type":"price.tick","timestamp":%q,"source":"replay","payload":{}},
		{"id":"r-1","type":"trade.executed","timestamp":%q,"instrument":"BTC-USD","source":"replay","payload":{}}
	]}`, t0.Format(time.RFC3339), t0.Add(time.Second).Format(time.RFC3339))

	rec, body := f.do(t, http.MethodPost, "/api/events/import", payload)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := body["data"].(map[string]any)
	assert.EqualValues(t, 2, data["received"])
	assert.EqualValues(t, 1, data["inserted"])

	rec, _ = f.do(t, http.MethodPost, "/api/events/import", `{"events":[{"id":"x","type":"nope","source":"s"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConsensusHistoryAndOrders(t *testing.T) {
	f := newOpsFixture(t)

	rec, body := f.do(t, http.MethodGet, "/api/consensus/BTC-USD?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, rowsOf(t, body), 1)

	rec, body = f.do(t, http.MethodGet, "/api/consensus/SOL-USD", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rowsOf(t, body))

	rec, body = f.do(t, http.MethodGet, "/api/orders?status=FILLED", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rows := rowsOf(t, body)
	require.Len(t, rows, 1)
	assert.Equal(t, "o-2", rows[0].(map[string]any)["order_id"])

	rec, _ = f.do(t, http.MethodGet, "/api/orders?status=LOST", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelOrder(t *testing.T) {
	f := newOpsFixture(t)

	rec, body := f.do(t, http.MethodDelete, "/api/orders/o-1", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "CANCELLED", body["data"].(map[string]any)["status"])

	rec, _ = f.do(t, http.MethodDelete, "/api/orders/o-2", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = f.do(t, http.MethodDelete, "/api/orders/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPortfolioErrorMapping(t *testing.T) {
	f := newOpsFixture(t)

	rec, body := f.do(t, http.MethodGet, "/api/portfolio/alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", body["data"].(map[string]any)["user_id"])

	f.portfolios.err = models.TransientError("cache get", errors.New("connection refused"))
	rec, _ = f.do(t, http.MethodGet, "/api/portfolio/alice", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	f.portfolios.err = models.DataErrorf("corrupt snapshot")
	rec, _ = f.do(t, http.MethodGet, "/api/portfolio/alice", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	healthy := newOpsFixture(t, HealthCheck{Name: "store", Check: func(context.Context) error { return nil }})
	rec, body := healthy.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["data"].(map[string]any)["store"])

	down := newOpsFixture(t,
		HealthCheck{Name: "store", Check: func(context.Context) error { return nil }},
		HealthCheck{Name: "cache", Check: func(context.Context) error { return errors.New("dial tcp: refused") }},
	)
	rec, body = down.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "dial tcp: refused", body["data"].(map[string]any)["cache"])
}
