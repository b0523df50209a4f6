package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campaign-indexer/internal/logging"
	"github.com/campaign-indexer/internal/metrics"
	"github.com/campaign-indexer/internal/models"
	"github.com/campaign-indexer/internal/projector"
	"github.com/campaign-indexer/internal/service"
	"github.com/campaign-indexer/internal/storage"
)

const testChainID = 1337

func addr(n int) string {
	return fmt.Sprintf("0x%040x", n)
}

type fakeIndexer struct {
	status   *models.IndexerStatus
	err      error
	deployed bool
}

func (f *fakeIndexer) IndexerStatus(ctx context.Context) (*models.IndexerStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	st := *f.status
	return &st, nil
}

func (f *fakeIndexer) IsContractDeployed(ctx context.Context, address string) (bool, error) {
	return f.deployed, nil
}

// failingService fails every call with an internal error
type failingService struct{}

var errBoom = errors.New("connection to db-primary:5432 refused")

func (failingService) ListCampaigns(context.Context, *service.ListCampaignsInput) (*service.ListCampaignsResult, error) {
	return nil, errBoom
}
func (failingService) GetCampaign(context.Context, string) (*service.CampaignDetail, error) {
	return nil, errBoom
}
func (failingService) ListEvents(context.Context, *service.ListEventsInput) (*service.ListEventsResult, error) {
	return nil, errBoom
}
func (failingService) RecordDonation(context.Context, string, *service.RecordDonationInput) (*service.RecordDonationResult, error) {
	return nil, errBoom
}
func (failingService) CreateCampaign(context.Context, *service.CreateCampaignInput) (*service.CampaignDetail, error) {
	return nil, errBoom
}

type testServer struct {
	server  *Server
	store   *storage.MemoryStore
	indexer *fakeIndexer
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T, cfg *ServerConfig) *testServer {
	t.Helper()
	store := storage.NewMemoryStore()
	m := metrics.New()
	logger := logging.NewLogger(logging.LevelFatal, logging.FormatJSON)

	p, err := projector.New(&projector.Config{Store: store, Metrics: m, Logger: logger})
	require.NoError(t, err)
	svc, err := service.NewCampaignService(&service.CampaignServiceConfig{
		Store:    store,
		Recorder: p,
		Metrics:  m,
		Logger:   logger,
		ChainID:  testChainID,
	})
	require.NoError(t, err)

	if cfg == nil {
		cfg = &ServerConfig{Host: "localhost", Port: "0"}
	}
	indexer := &fakeIndexer{
		status:   &models.IndexerStatus{LastProcessedBlock: 100, CurrentBlock: 102, BlocksBehind: 2, IsRunning: true, Healthy: true},
		deployed: true,
	}
	return &testServer{
		server:  NewServer(cfg, svc, indexer, store, m, logger),
		store:   store,
		indexer: indexer,
		metrics: m,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func createCampaign(t *testing.T, ts *testServer, name string) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/campaigns", map[string]interface{}{
		"name":       name,
		"organizer":  addr(0x01),
		"deadline":   time.Now().Add(24 * time.Hour).Unix(),
		"milestones": []string{"100", "200"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var body struct {
		Success  bool                   `json:"success"`
		Campaign service.CampaignDetail `json:"campaign"`
	}
	decode(t, rec, &body)
	require.True(t, body.Success)
	return body.Campaign.Address
}

func TestListCampaigns_Empty(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/campaigns", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"campaigns":[],"nextCursor":null,"hasMore":false}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestCampaignLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	address := createCampaign(t, ts, "Clean water")

	rec := ts.do(t, http.MethodGet, "/api/campaigns/"+address, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail service.CampaignDetail
	decode(t, rec, &detail)
	assert.Equal(t, "Clean water", detail.Name)
	assert.Len(t, detail.Milestones, 2)

	donation := map[string]interface{}{
		"txHash":      fmt.Sprintf("0x%064x", 0xabc),
		"logIndex":    0,
		"donor":       addr(0xd1),
		"amount":      "150",
		"blockNumber": 7,
		"chainId":     testChainID,
		"finalized":   false,
	}
	rec = ts.do(t, http.MethodPost, "/api/campaigns/"+address+"/donations", donation)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var recorded service.RecordDonationResult
	decode(t, rec, &recorded)
	assert.True(t, recorded.Recorded)
	assert.Equal(t, "150", recorded.Aggregate.TotalRaised)

	rec = ts.do(t, http.MethodPost, "/api/campaigns/"+address+"/donations", donation)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &recorded)
	assert.False(t, recorded.Recorded)
	assert.Equal(t, "150", recorded.Aggregate.TotalRaised)

	rec = ts.do(t, http.MethodGet, "/api/campaigns/"+address+"/events?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page service.ListEventsResult
	decode(t, rec, &page)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "DonationReceived", string(page.Events[0].EventName))
	require.NotNil(t, page.NextCursor)

	rec = ts.do(t, http.MethodGet, "/api/campaigns/"+address+"/events?limit=1&cursor="+urlEscape(*page.NextCursor), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &page)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "CampaignCreated", string(page.Events[0].EventName))

	rec = ts.do(t, http.MethodGet, "/api/campaigns?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list service.ListCampaignsResult
	decode(t, rec, &list)
	require.Len(t, list.Campaigns, 1)
	assert.Equal(t, "150", list.Campaigns[0].TotalRaised)
	assert.Nil(t, list.NextCursor)
}

func TestErrors_PublicCodes(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"unknown campaign", http.MethodGet, "/api/campaigns/" + addr(0xa1), nil, http.StatusNotFound, "NOT_FOUND"},
		{"malformed address", http.MethodGet, "/api/campaigns/0x12", nil, http.StatusBadRequest, "BAD_REQUEST"},
		{"limit not a number", http.MethodGet, "/api/campaigns?limit=ten", nil, http.StatusBadRequest, "BAD_REQUEST"},
		{"limit zero", http.MethodGet, "/api/campaigns?limit=0", nil, http.StatusBadRequest, "BAD_REQUEST"},
		{"limit too large", http.MethodGet, "/api/campaigns?limit=101", nil, http.StatusBadRequest, "BAD_REQUEST"},
		{"bad status", http.MethodGet, "/api/campaigns?status=open", nil, http.StatusBadRequest, "BAD_REQUEST"},
		{"bad cursor", http.MethodGet, "/api/campaigns?cursor=abc$", nil, http.StatusBadRequest, "BAD_REQUEST"},
		{"unknown body field", http.MethodPost, "/api/campaigns", map[string]interface{}{"title": "x"}, http.StatusBadRequest, "BAD_REQUEST"},
		{"donation to unknown campaign", http.MethodPost, "/api/campaigns/" + addr(0xa1) + "/donations", map[string]interface{}{
			"txHash": fmt.Sprintf("0x%064x", 1), "donor": addr(0xd1), "amount": "1",
		}, http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			var body ErrorResponse
			decode(t, rec, &body)
			assert.Equal(t, tt.code, body.Error.Code)
		})
	}
}

func TestErrors_InternalDetailsHidden(t *testing.T) {
	logger := logging.NewLogger(logging.LevelFatal, logging.FormatJSON)
	server := NewServer(&ServerConfig{Host: "localhost", Port: "0"}, failingService{}, nil, nil, metrics.New(), logger)

	for _, path := range []string{"/api/campaigns", "/api/campaigns/" + addr(0xa1)} {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

		require.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "db-primary")
		var body ErrorResponse
		decode(t, rec, &body)
		assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"campaign-indexer"}`, rec.Body.String())
}

func TestIndexerHealth(t *testing.T) {
	ts := newTestServer(t, &ServerConfig{Host: "localhost", Port: "0", FactoryAddress: addr(0xfac)})

	rec := ts.do(t, http.MethodGet, "/health/indexer", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(100), body["lastProcessedBlock"])
	assert.Equal(t, float64(102), body["currentBlock"])
	assert.Equal(t, float64(2), body["blocksBehind"])
	assert.Equal(t, true, body["isRunning"])
	assert.Equal(t, true, body["factoryDeployed"])
	assert.Contains(t, body, "store")

	ts.indexer.status.Healthy = false
	ts.indexer.status.BlocksBehind = 500
	rec = ts.do(t, http.MethodGet, "/health/indexer", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ts.indexer.status.Healthy = true
	ts.indexer.deployed = false
	rec = ts.do(t, http.MethodGet, "/health/indexer", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ts.indexer.err = errors.New("rpc down")
	rec = ts.do(t, http.MethodGet, "/health/indexer", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "rpc down")
}

func TestMiddleware_CORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodOptions, "/api/campaigns", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestMiddleware_RequestID(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
}

func TestMiddleware_Compression(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/campaigns", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"campaigns":[]`)
}

func TestMiddleware_RateLimit(t *testing.T) {
	ts := newTestServer(t, &ServerConfig{Host: "localhost", Port: "0", RateLimit: 1})

	limited := 0
	for i := 0; i < 30; i++ {
		rec := ts.do(t, http.MethodGet, "/health", nil)
		if rec.Code == http.StatusTooManyRequests {
			limited++
			var body ErrorResponse
			decode(t, rec, &body)
			assert.Equal(t, ErrCodeRateLimited, body.Error.Code)
		}
	}
	assert.Greater(t, limited, 0)

	// another client has its own bucket
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodGet, "/api/campaigns", nil)

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "campaign_indexer_http_requests_total")
	assert.True(t, strings.Contains(body, `route="/api/campaigns"`), body)
}

func urlEscape(s string) string {
	return strings.NewReplacer("+", "%2B", "/", "%2F", "=", "%3D").Replace(s)
}
