// handler_test.go — 产品面 handler 与鉴权的端到端测试 (内存桩 + 假上游)。
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/pixelmuse/go-studio/internal/config"
	"github.com/pixelmuse/go-studio/internal/genapi"
	"github.com/pixelmuse/go-studio/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ─── 测试桩 ───

type fakeFeedStore struct {
	mu        sync.Mutex
	entries   []store.FeedEntry
	insertErr error
}

func (f *fakeFeedStore) Insert(_ context.Context, e store.FeedEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeFeedStore) List(_ context.Context, p store.FeedListParams) ([]store.FeedEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.FeedEntry, len(f.entries))
	copy(out, f.entries)
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}

func (f *fakeFeedStore) Get(_ context.Context, id string) (*store.FeedEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.entries {
		if f.entries[i].ID == id {
			e := f.entries[i]
			return &e, nil
		}
	}
	return nil, nil
}

func (f *fakeFeedStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.entries {
		if f.entries[i].ID == id {
			f.entries = append(f.entries[:i], f.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeFeedStore) DeleteBatch(_ context.Context, ids []string) (int64, error) {
	var n int64
	for _, id := range ids {
		before := f.count()
		_ = f.Delete(context.Background(), id)
		if f.count() < before {
			n++
		}
	}
	return n, nil
}

func (f *fakeFeedStore) ListFilterValues(_ context.Context) (map[string][]string, error) {
	return map[string][]string{"kind": {"user", "system"}}, nil
}

func (f *fakeFeedStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *fakeFeedStore) snapshot() []store.FeedEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.FeedEntry, len(f.entries))
	copy(out, f.entries)
	return out
}

type fakeSyslogStore struct{}

func (fakeSyslogStore) List(context.Context, store.ListParams) ([]store.SystemLog, error) {
	return nil, nil
}

func (fakeSyslogStore) ListFilterValues(context.Context) (map[string][]string, error) {
	return map[string][]string{}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		AppEnv:           "development",
		SubmitTimeoutSec: 5,
		DefaultAlbumID:   "default-album",
		FeedMaxLimit:     100,
		StreamMaxConns:   4,
		SSEKeepaliveSec:  30,
		StylesPath:       t.TempDir() + "/styles.json",
	}
}

// newTestServer 组装完整路由: 假上游 + 内存存储 + 本地总线。
func newTestServer(t *testing.T, cfg *config.Config, upstreamURL string, feed *fakeFeedStore) (*Server, *fakeSubscriber) {
	t.Helper()
	subs := newFakeSubscriber()
	bus := NewEventBus(nil, "")
	relay := NewRelay(subs, newFakeFeed(), bus, nil)
	srv := NewServer(cfg, feed, fakeSyslogStore{}, bus, relay, genapi.New(upstreamURL))
	return srv, subs
}

func doRequest(srv *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)
	return w
}

// ─── 提交 ───

func TestSubmitHappyPath(t *testing.T) {
	var upstreamHits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
		if r.URL.Path != "/generations" || r.Method != http.MethodPost {
			t.Errorf("unexpected upstream call %s %s", r.Method, r.URL.Path)
		}
		var req genapi.SubmitRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Prompt != "sunset over the sea" {
			t.Errorf("upstream got prompt %q", req.Prompt)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"requestId":"req-9","albumName":"Dreams","systemMessage":"queued behind 2 jobs"}`))
	}))
	defer upstream.Close()

	feed := &fakeFeedStore{}
	srv, subs := newTestServer(t, testConfig(t), upstream.URL, feed)

	w := doRequest(srv, http.MethodPost, "/generations",
		`{"prompt": "sunset over the sea"}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp genapi.SubmitResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RequestID != "req-9" || resp.AlbumName != "Dreams" {
		t.Errorf("response passthrough broken: %+v", resp)
	}

	entries := feed.snapshot()
	if len(entries) != 2 {
		t.Fatalf("persisted %d entries, want user + system", len(entries))
	}
	user := entries[0]
	if user.Kind != "user" || user.Status != "thinking" ||
		user.RequestID != "req-9" || user.AlbumID != "default-album" ||
		user.Text != "sunset over the sea" {
		t.Errorf("user entry = %+v", user)
	}
	sys := entries[1]
	if sys.Kind != "system" || sys.Status != "complete" || sys.Text != "queued behind 2 jobs" {
		t.Errorf("system entry = %+v", sys)
	}

	if subs.fire("req-9").OnSuccess == nil {
		t.Error("relay did not attach tracking for req-9")
	}
}

func TestSubmitSchemaRejectSkipsUpstream(t *testing.T) {
	var upstreamHits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		upstreamHits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	feed := &fakeFeedStore{}
	srv, _ := newTestServer(t, testConfig(t), upstream.URL, feed)

	w := doRequest(srv, http.MethodPost, "/generations",
		`{"prompt": "x", "numImages": 99}`, nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if upstreamHits.Load() != 0 {
		t.Error("rejected submission still reached upstream")
	}
	if feed.count() != 0 {
		t.Error("rejected submission persisted entries")
	}
}

func TestSubmitEmptyPromptAndImages(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t), "http://127.0.0.1:1", &fakeFeedStore{})

	w := doRequest(srv, http.MethodPost, "/generations", `{"prompt": "   "}`, nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "prompt and input images both empty") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestSubmitUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"quota exceeded"}`))
	}))
	defer upstream.Close()

	feed := &fakeFeedStore{}
	srv, subs := newTestServer(t, testConfig(t), upstream.URL, feed)

	w := doRequest(srv, http.MethodPost, "/generations", `{"prompt": "sunset"}`, nil)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body.Error == "" {
		t.Errorf("error shape broken: %s", w.Body.String())
	}
	if feed.count() != 0 {
		t.Error("failed submission persisted entries")
	}
	if subs.calls != 0 {
		t.Error("failed submission attached tracking")
	}
}

// ─── 历史与状态 ───

func TestFeedHandlerShape(t *testing.T) {
	feed := &fakeFeedStore{entries: []store.FeedEntry{
		{ID: "e2", Kind: "user", Status: "complete", RequestID: "req-2",
			Text: "city at night", Images: []string{"u2"}},
		{ID: "e1", Kind: "user", Status: "error", RequestID: "req-1",
			Text: "old prompt", Message: "failed"},
	}}
	srv, _ := newTestServer(t, testConfig(t), "http://127.0.0.1:1", feed)

	w := doRequest(srv, http.MethodGet, "/feed?limit=2", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Entries []struct {
			ID     string `json:"id"`
			Kind   string `json:"kind"`
			Status string `json:"status"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Entries) != 2 || body.Entries[0].ID != "e2" || body.Entries[1].Status != "error" {
		t.Errorf("entries = %+v", body.Entries)
	}
}

func TestStatusHandlerProxiesRawBody(t *testing.T) {
	const rawBody = `{"status":"PROCESSING","data":{"progress":0.35,"extraVendorField":"kept"}}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status/job-1" {
			t.Errorf("upstream path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(rawBody))
	}))
	defer upstream.Close()

	srv, _ := newTestServer(t, testConfig(t), upstream.URL, &fakeFeedStore{})

	w := doRequest(srv, http.MethodGet, "/status/job-1", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.String() != rawBody {
		t.Errorf("body not proxied verbatim: %s", w.Body.String())
	}
}

func TestStatusHandlerUpstreamMissing(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"no such job"}`))
	}))
	defer upstream.Close()

	srv, _ := newTestServer(t, testConfig(t), upstream.URL, &fakeFeedStore{})

	w := doRequest(srv, http.MethodGet, "/status/job-missing", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t), "http://127.0.0.1:1", &fakeFeedStore{})

	w := doRequest(srv, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

// ─── 鉴权 ───

func TestAuthRequiredWhenTokenSet(t *testing.T) {
	cfg := testConfig(t)
	cfg.GatewayAPIToken = "sekrit"
	srv, _ := newTestServer(t, cfg, "http://127.0.0.1:1", &fakeFeedStore{})

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"no_token", "/feed", nil, http.StatusUnauthorized},
		{"wrong_token", "/feed", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"bearer_token", "/feed", map[string]string{"Authorization": "Bearer sekrit"}, http.StatusOK},
		{"query_token", "/feed?access_token=sekrit", nil, http.StatusOK},
		{"admin_route_guarded", "/api/feed", nil, http.StatusUnauthorized},
		{"healthz_open", "/healthz", nil, http.StatusOK},
		{"metrics_open", "/metrics", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(srv, http.MethodGet, tt.path, "", tt.header)
			if w.Code != tt.want {
				t.Errorf("GET %s = %d, want %d", tt.path, w.Code, tt.want)
			}
		})
	}
}

func TestAuthDisabledWhenTokenEmpty(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t), "http://127.0.0.1:1", &fakeFeedStore{})

	w := doRequest(srv, http.MethodGet, "/feed", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 without auth", w.Code)
	}
}

// ─── 管理面 ───

func TestAdminFeedCRUD(t *testing.T) {
	feed := &fakeFeedStore{entries: []store.FeedEntry{
		{ID: "e1", Kind: "user", Status: "complete"},
		{ID: "e2", Kind: "user", Status: "error"},
		{ID: "e3", Kind: "system", Status: "complete"},
	}}
	srv, _ := newTestServer(t, testConfig(t), "http://127.0.0.1:1", feed)

	w := doRequest(srv, http.MethodGet, "/api/feed/e1", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"success":true`) {
		t.Errorf("get: %d %s", w.Code, w.Body.String())
	}

	w = doRequest(srv, http.MethodGet, "/api/feed/missing", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get missing = %d, want 404", w.Code)
	}

	w = doRequest(srv, http.MethodDelete, "/api/feed/e1", "", nil)
	if w.Code != http.StatusOK || feed.count() != 2 {
		t.Errorf("delete: %d, remaining %d", w.Code, feed.count())
	}

	w = doRequest(srv, http.MethodPost, "/api/feed/delete", `{"ids":["e2","e3","nope"]}`, nil)
	if w.Code != http.StatusOK || feed.count() != 0 {
		t.Errorf("batch delete: %d, remaining %d", w.Code, feed.count())
	}
	if !strings.Contains(w.Body.String(), `"deleted":2`) {
		t.Errorf("batch delete body = %s", w.Body.String())
	}
}

func TestStylesEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t), "http://127.0.0.1:1", &fakeFeedStore{})

	// 初始为空目录快照
	w := doRequest(srv, http.MethodGet, "/api/styles", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "sha256:") {
		t.Fatalf("get styles: %d %s", w.Code, w.Body.String())
	}

	// 覆盖目录后哈希变化
	w = doRequest(srv, http.MethodPut, "/api/styles",
		`{"styles":[{"id":"film-noir","name":"Film Noir"}]}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("put styles: %d %s", w.Code, w.Body.String())
	}

	w = doRequest(srv, http.MethodGet, "/api/styles", "", nil)
	if !strings.Contains(w.Body.String(), "film-noir") {
		t.Errorf("updated catalog not served: %s", w.Body.String())
	}
}
