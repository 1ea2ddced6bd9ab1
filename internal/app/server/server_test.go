package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sifan077/kisalt/internal/app/model"
	"github.com/sifan077/kisalt/internal/app/repository"
	"github.com/sifan077/kisalt/internal/app/service"
	"github.com/sifan077/kisalt/internal/app/store"
	inthttp "github.com/sifan077/kisalt/internal/http/handler"
	"github.com/sifan077/kisalt/internal/http/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminPassword = "letmein"

func newTestServer(t *testing.T, baseURL string) *Server {
	t.Helper()
	st := store.New(nil, nil, store.Options{})
	svc := service.NewURLService(service.Deps{Store: st}, service.Options{AdminPassword: adminPassword})
	return New(Dependencies{
		Service:  svc,
		Resolver: service.NewResolver(st, nil),
		Store:    st,
		BaseURL:  baseURL,
	})
}

func do(t *testing.T, s *Server, method, target, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()

	var decoded map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

func TestShortenAndRedirect(t *testing.T) {
	s := newTestServer(t, "https://sho.rt/")

	resp, body := do(t, s, http.MethodPost, "/api/shorten",
		`{"originalUrl":"https://example.com/page","customName":"ex1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "ex1", body["shortCode"])
	assert.Equal(t, "https://sho.rt/ex1", body["shortUrl"])
	assert.Equal(t, "https://example.com/page", body["originalUrl"])
	assert.NotEmpty(t, body["expiresAt"])

	resp, _ = do(t, s, http.MethodGet, "/ex1", "")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://example.com/page", resp.Header.Get("Location"))

	resp, _ = do(t, s, http.MethodGet, "/EX1", "")
	assert.Equal(t, http.StatusFound, resp.StatusCode)

	resp, body = do(t, s, http.MethodGet, "/api/stats/ex1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["clicks"])
	assert.NotEmpty(t, body["lastAccessedAt"])
}

func TestShortenErrors(t *testing.T) {
	s := newTestServer(t, "")

	resp, body := do(t, s, http.MethodPost, "/api/shorten", `{"originalUrl":"not-a-url"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "invalid URL format")

	resp, _ = do(t, s, http.MethodPost, "/api/shorten", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, s, http.MethodPost, "/api/shorten", `{"originalUrl":"https://a.example","customName":"taken"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, body = do(t, s, http.MethodPost, "/api/shorten", `{"originalUrl":"https://b.example","customName":"taken"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "already in use")

	resp, _ = do(t, s, http.MethodPost, "/api/shorten", `{"originalUrl":"https://a.example","customName":"style.css"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestShortURLFromRequestHost(t *testing.T) {
	s := newTestServer(t, "")

	resp, body := do(t, s, http.MethodPost, "/api/shorten", `{"originalUrl":"https://example.com","customName":"home"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "http://example.com/home", body["shortUrl"])
}

func TestRedirectNotFound(t *testing.T) {
	s := newTestServer(t, "")

	for _, path := range []string{"/missing", "/favicon.ico", "/robots.txt", "/style.css", "/api"} {
		resp, _ := do(t, s, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestListURLs(t *testing.T) {
	s := newTestServer(t, "https://sho.rt")
	for _, name := range []string{"b", "a"} {
		resp, _ := do(t, s, http.MethodPost, "/api/shorten",
			fmt.Sprintf(`{"originalUrl":"https://example.com/%s","customName":"%s"}`, name, name))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/urls", nil)
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var entries []inthttp.URLEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	assert.Equal(t, []inthttp.URLEntry{
		{ShortCode: "a", OriginalURL: "https://example.com/a", ShortURL: "https://sho.rt/a"},
		{ShortCode: "b", OriginalURL: "https://example.com/b", ShortURL: "https://sho.rt/b"},
	}, entries)
}

func TestBulkShorten(t *testing.T) {
	s := newTestServer(t, "")

	resp, body := do(t, s, http.MethodPost, "/api/bulk-shorten",
		`{"urls":["https://example.com/1",{"originalUrl":"https://example.com/2","customName":"two"},"nope"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, body["total"])
	assert.EqualValues(t, 2, body["succeeded"])
	assert.EqualValues(t, 1, body["failed"])

	results := body["results"].([]any)
	third := results[2].(map[string]any)
	assert.Equal(t, false, third["success"])
	assert.NotEmpty(t, third["error"])
	second := results[1].(map[string]any)
	assert.Equal(t, "two", second["shortCode"])

	urls := make([]string, 101)
	for i := range urls {
		urls[i] = `"https://example.com"`
	}
	resp, _ = do(t, s, http.MethodPost, "/api/bulk-shorten", `{"urls":[`+strings.Join(urls, ",")+`]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDelete(t *testing.T) {
	s := newTestServer(t, "")
	resp, _ := do(t, s, http.MethodPost, "/api/shorten", `{"originalUrl":"https://example.com","customName":"bye"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = do(t, s, http.MethodDelete, "/api/delete/bye", `{"password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = do(t, s, http.MethodDelete, "/api/delete/bye", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := do(t, s, http.MethodDelete, "/api/delete/bye", `{"password":"`+adminPassword+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["deleted"])

	resp, _ = do(t, s, http.MethodGet, "/bye", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteAll(t *testing.T) {
	s := newTestServer(t, "")
	for i := 0; i < 2; i++ {
		resp, _ := do(t, s, http.MethodPost, "/api/shorten", `{"originalUrl":"https://example.com"}`)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, _ := do(t, s, http.MethodDelete, "/api/delete-all", `{"password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := do(t, s, http.MethodDelete, "/api/delete-all", `{"password":"`+adminPassword+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["deleted"])

	_, body = do(t, s, http.MethodGet, "/health", "")
	assert.EqualValues(t, 0, body["urls"])
}

func TestHealthAndRequestID(t *testing.T) {
	s := newTestServer(t, "")
	resp, _ := do(t, s, http.MethodPost, "/api/shorten", `{"originalUrl":"https://example.com"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(middleware.RequestIDHeader))

	resp, body := do(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["urls"])
	assert.Equal(t, false, body["durable"])

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(middleware.RequestIDHeader, "trace-123")
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, "trace-123", resp.Header.Get(middleware.RequestIDHeader))
}

type memoryRepository struct {
	mu      sync.Mutex
	records map[string]model.URLRecord
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{records: make(map[string]model.URLRecord)}
}

func (m *memoryRepository) Get(ctx context.Context, code string) (*model.URLRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[code]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &rec, nil
}

func (m *memoryRepository) Create(ctx context.Context, rec *model.URLRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.Code]; ok {
		return repository.ErrCodeExists
	}
	m.records[rec.Code] = *rec
	return nil
}

func (m *memoryRepository) Put(ctx context.Context, rec *model.URLRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Code] = *rec
	return nil
}

func (m *memoryRepository) Touch(ctx context.Context, code string, at time.Time, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[code]
	if !ok {
		return repository.ErrNotFound
	}
	rec.Clicks += delta
	rec.LastAccessedAt = at
	m.records[code] = rec
	return nil
}

func (m *memoryRepository) Delete(ctx context.Context, codes ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, code := range codes {
		if _, ok := m.records[code]; ok {
			delete(m.records, code)
			n++
		}
	}
	return n, nil
}

func (m *memoryRepository) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for code := range m.records {
		if strings.HasPrefix(code, prefix) {
			keys = append(keys, code)
		}
	}
	return keys, nil
}

func (m *memoryRepository) Load(ctx context.Context) ([]model.URLRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.URLRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out, nil
}

type recordingSink struct {
	repo *memoryRepository

	mu    sync.Mutex
	codes []string
}

func (r *recordingSink) Touch(ctx context.Context, code string, at time.Time, delta int64) error {
	r.mu.Lock()
	r.codes = append(r.codes, code)
	r.mu.Unlock()
	return r.repo.Touch(ctx, code, at, delta)
}

func TestRedirectDeliversAccessToDurableTier(t *testing.T) {
	repo := newMemoryRepository()
	sink := &recordingSink{repo: repo}
	st := store.New(repo, nil, store.Options{AccessSink: sink})
	st.Start()

	svc := service.NewURLService(service.Deps{Store: st}, service.Options{})
	s := New(Dependencies{
		Service:  svc,
		Resolver: service.NewResolver(st, nil),
		Store:    st,
	})

	resp, _ := do(t, s, http.MethodPost, "/api/shorten",
		`{"originalUrl":"https://example.com/page","customName":"aaaaaaaa"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = do(t, s, http.MethodGet, "/aaaaaaaa", "")
	require.Equal(t, http.StatusFound, resp.StatusCode)

	// Later requests reuse the request buffers the first code was parsed from.
	for i := 0; i < 20; i++ {
		resp, _ = do(t, s, http.MethodGet, "/zzzzzzzz", "")
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
	st.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{"aaaaaaaa"}, sink.codes)

	rec, err := repo.Get(context.Background(), "aaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Clicks)
}
