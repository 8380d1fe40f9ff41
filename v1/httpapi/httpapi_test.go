package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/mirkobrombin/go-hammer/v1/auction"
	"github.com/mirkobrombin/go-hammer/v1/broadcast"
	"github.com/mirkobrombin/go-hammer/v1/clock"
	"github.com/mirkobrombin/go-hammer/v1/metrics"
	"github.com/mirkobrombin/go-hammer/v1/presets"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type envelope struct {
	Status  int             `json:"status"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testAPI struct {
	stack   *presets.Stack
	handler http.Handler
	clock   *clock.MockClock
}

func newTestAPI(t *testing.T, opts ...Option) *testAPI {
	t.Helper()
	c := clock.NewMockClock(time.Now().UTC().Truncate(time.Second))
	stack, err := presets.NewInMemoryStandalone(presets.WithClock(c))
	if err != nil {
		t.Fatalf("preset: %v", err)
	}
	t.Cleanup(func() { _ = stack.Close() })
	reg := metrics.NewRegistry()
	metrics.RegisterMetrics(reg)
	opts = append([]Option{WithReader(stack.Reader), WithGatherer(reg)}, opts...)
	return &testAPI{stack: stack, handler: New(stack.Engine, stack.Events, opts...).Handler(), clock: c}
}

func (a *testAPI) do(t *testing.T, method, path, user, role string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	if role != "" {
		req.Header.Set(HeaderUserRole, role)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	var env envelope
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode %s: %v", rec.Body.String(), err)
		}
	}
	return rec, env
}

func (a *testAPI) createAuction(t *testing.T) auction.Auction {
	t.Helper()
	rec, env := a.do(t, http.MethodPost, "/auctions", "seller", RoleSeller, map[string]any{
		"title":         "Camera",
		"startingPrice": "100",
		"endTime":       a.clock.Now().Add(time.Hour),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	var out auction.Auction
	if err := json.Unmarshal(env.Data, &out); err != nil {
		t.Fatalf("decode auction: %v", err)
	}
	return out
}

func TestBidFlow(t *testing.T) {
	api := newTestAPI(t)
	a := api.createAuction(t)
	path := "/auctions/" + a.ID + "/bids"

	rec, env := api.do(t, http.MethodPost, path, "u1", "", map[string]string{"amount": "120"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("bid: %d %s", rec.Code, rec.Body.String())
	}
	var placed placeBidResponse
	if err := json.Unmarshal(env.Data, &placed); err != nil {
		t.Fatalf("decode bid: %v", err)
	}
	if !placed.Auction.CurrentPrice.Equal(decimal.NewFromInt(120)) || placed.Bid.UserID != "u1" {
		t.Fatalf("unexpected bid response %+v", placed)
	}

	cases := []struct {
		user   string
		amount string
		status int
		code   string
	}{
		{"u2", "110", http.StatusUnprocessableEntity, "BID_TOO_LOW"},
		{"seller", "200", http.StatusForbidden, "SELF_BID"},
	}
	for _, c := range cases {
		rec, env := api.do(t, http.MethodPost, path, c.user, "", map[string]string{"amount": c.amount})
		if rec.Code != c.status || env.Code != c.code {
			t.Fatalf("bid %s by %s: got %d %q, want %d %q", c.amount, c.user, rec.Code, env.Code, c.status, c.code)
		}
	}

	_, env = api.do(t, http.MethodGet, "/auctions/"+a.ID, "", "", nil)
	var got auction.Auction
	_ = json.Unmarshal(env.Data, &got)
	if !got.CurrentPrice.Equal(decimal.NewFromInt(120)) {
		t.Fatalf("read stale price %s", got.CurrentPrice)
	}

	api.clock.Add(time.Hour)
	if err := api.stack.Engine.CloseAuction(context.Background(), a.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	rec, env = api.do(t, http.MethodPost, path, "u2", "", map[string]string{"amount": "200"})
	if rec.Code != http.StatusConflict || env.Code != "AUCTION_CLOSED" {
		t.Fatalf("expected AUCTION_CLOSED, got %d %q", rec.Code, env.Code)
	}

	rec, env = api.do(t, http.MethodGet, path, "", "", nil)
	var bids []auction.Bid
	_ = json.Unmarshal(env.Data, &bids)
	if rec.Code != http.StatusOK || len(bids) != 1 {
		t.Fatalf("unexpected bids %d %s", rec.Code, rec.Body.String())
	}
}

func TestBidRequestValidation(t *testing.T) {
	api := newTestAPI(t)
	a := api.createAuction(t)
	path := "/auctions/" + a.ID + "/bids"

	if rec, env := api.do(t, http.MethodPost, path, "", "", map[string]string{"amount": "150"}); rec.Code != http.StatusUnauthorized || env.Code != codeUnauthenticated {
		t.Fatalf("expected 401, got %d %q", rec.Code, env.Code)
	}
	if rec, _ := api.do(t, http.MethodPost, path, "u1", "", map[string]string{"amount": "-5"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative amount, got %d", rec.Code)
	}
	if rec, env := api.do(t, http.MethodPost, "/auctions/missing/bids", "u1", "", map[string]string{"amount": "150"}); rec.Code != http.StatusNotFound || env.Code != "NOT_FOUND" {
		t.Fatalf("expected 404, got %d %q", rec.Code, env.Code)
	}
}

func TestAuctionManagement(t *testing.T) {
	api := newTestAPI(t)
	if rec, _ := api.do(t, http.MethodPost, "/auctions", "buyer", "", map[string]any{"title": "x"}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected non-seller create rejected, got %d", rec.Code)
	}
	rec, env := api.do(t, http.MethodPost, "/auctions", "seller", RoleSeller, map[string]any{
		"title":         "x",
		"startingPrice": "0",
		"endTime":       api.clock.Now().Add(time.Hour),
	})
	if rec.Code != http.StatusBadRequest || env.Code != "INVALID_AUCTION" {
		t.Fatalf("expected INVALID_AUCTION, got %d %q", rec.Code, env.Code)
	}

	a := api.createAuction(t)
	path := "/auctions/" + a.ID
	rec, env = api.do(t, http.MethodPatch, path, "other", RoleSeller, map[string]string{"title": "mine"})
	if rec.Code != http.StatusForbidden || env.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %d %q", rec.Code, env.Code)
	}
	rec, env = api.do(t, http.MethodPatch, path, "seller", RoleSeller, map[string]string{"description": "boxed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body.String())
	}
	_, env = api.do(t, http.MethodGet, path, "", "", nil)
	var got auction.Auction
	_ = json.Unmarshal(env.Data, &got)
	if got.Description != "boxed" {
		t.Fatalf("update not visible through the reader: %+v", got)
	}

	api.do(t, http.MethodPost, path+"/bids", "u1", "", map[string]string{"amount": "150"})
	if rec, env := api.do(t, http.MethodDelete, path, "seller", RoleSeller, nil); rec.Code != http.StatusConflict || env.Code != "HAS_BIDS" {
		t.Fatalf("expected HAS_BIDS, got %d %q", rec.Code, env.Code)
	}

	b := api.createAuction(t)
	if rec, _ := api.do(t, http.MethodDelete, "/auctions/"+b.ID, "seller", RoleSeller, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body.String())
	}
	if rec, _ := api.do(t, http.MethodGet, "/auctions/"+b.ID, "", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("deleted auction still readable: %d", rec.Code)
	}
}

func TestListAuctions(t *testing.T) {
	api := newTestAPI(t)
	rec, env := api.do(t, http.MethodGet, "/auctions", "", "", nil)
	if rec.Code != http.StatusOK || string(env.Data) != "[]" {
		t.Fatalf("expected empty list, got %d %s", rec.Code, rec.Body.String())
	}

	first := api.createAuction(t)
	second := api.createAuction(t)
	api.clock.Add(time.Hour)
	if err := api.stack.Engine.CloseAuction(context.Background(), first.ID); err != nil {
		t.Fatalf("close: %v", err)
	}

	list := func(query string) []auction.Auction {
		t.Helper()
		rec, env := api.do(t, http.MethodGet, "/auctions"+query, "", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("list %q: %d %s", query, rec.Code, rec.Body.String())
		}
		var out []auction.Auction
		if err := json.Unmarshal(env.Data, &out); err != nil {
			t.Fatalf("decode list: %v", err)
		}
		return out
	}
	if got := list(""); len(got) != 2 {
		t.Fatalf("expected two auctions, got %d", len(got))
	}
	if got := list("?status=finished"); len(got) != 1 || got[0].ID != first.ID {
		t.Fatalf("unexpected finished auctions %+v", got)
	}
	if got := list("?status=ACTIVE"); len(got) != 1 || got[0].ID != second.ID {
		t.Fatalf("unexpected active auctions %+v", got)
	}
	if rec, env := api.do(t, http.MethodGet, "/auctions?status=bogus", "", "", nil); rec.Code != http.StatusBadRequest || env.Code != "INVALID_AUCTION" {
		t.Fatalf("expected INVALID_AUCTION, got %d %q", rec.Code, env.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	api := newTestAPI(t)
	if rec, _ := api.do(t, http.MethodGet, "/health", "", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
	a := api.createAuction(t)
	api.do(t, http.MethodPost, "/auctions/"+a.ID+"/bids", "u1", "", map[string]string{"amount": "150"})
	rec, _ := api.do(t, http.MethodGet, "/metrics", "", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "hammer_bids_total") {
		t.Fatalf("metrics missing bid counter: %d", rec.Code)
	}

	down := newTestAPI(t, WithHealthCheck(func(context.Context) error { return errors.New("redis down") }))
	if rec, _ := down.do(t, http.MethodGet, "/health", "", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestEventStreams(t *testing.T) {
	api := newTestAPI(t)
	a := api.createAuction(t)
	srv := httptest.NewServer(api.handler)
	defer srv.Close()

	missing, err := http.Get(srv.URL + "/auctions/missing/events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing stream, got %d", missing.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/auctions/"+a.ID+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("sse: %v", err)
	}
	defer resp.Body.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/auctions/" + a.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer conn.Close()
	// the upgrade completes before the subscription is registered
	time.Sleep(50 * time.Millisecond)

	api.do(t, http.MethodPost, "/auctions/"+a.ID+"/bids", "u1", "", map[string]string{"amount": "150"})

	reader := bufio.NewReader(resp.Body)
	var data string
	for data == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read sse: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
		}
	}
	var e broadcast.Event
	if err := json.Unmarshal([]byte(data), &e); err != nil || !e.NewPrice.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("unexpected sse event %s %v", data, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var we broadcast.Event
	if err := conn.ReadJSON(&we); err != nil {
		t.Fatalf("ws read: %v", err)
	}
	if we.Type != broadcast.EventBidPlaced || we.BidderID != "u1" {
		t.Fatalf("unexpected ws event %+v", we)
	}
}
