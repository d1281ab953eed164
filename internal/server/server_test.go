package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shouni/go-web-watch/internal/pipeline"
	"github.com/shouni/go-web-watch/internal/server"
	"github.com/shouni/go-web-watch/pkg/batch"
	"github.com/shouni/go-web-watch/pkg/client"
	"github.com/shouni/go-web-watch/pkg/rule"
	"github.com/shouni/go-web-watch/pkg/store"
	"github.com/shouni/go-web-watch/pkg/types"
)

const testKey = "secret"

// fakeRunner は有効なレコードを受け取り、固定の結果を返します。
type fakeRunner struct {
	seen []types.URLRecord
	err  error
}

func (f *fakeRunner) RunActive(ctx context.Context, lister pipeline.RecordLister) (*types.Report, error) {
	if f.err != nil {
		return nil, f.err
	}
	records, err := lister.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	f.seen = records
	report := &types.Report{
		BatchID:      "batch-1",
		TotalRecords: len(records),
		Results:      []types.ExtractionResult{},
		Failures:     []types.FetchFailure{},
	}
	for _, r := range records {
		report.FetchedCount++
		report.Results = append(report.Results, types.ExtractionResult{
			RecordID: r.ID, Name: r.Name, URL: r.URL, StatusCode: 200, Value: "ok",
		})
	}
	return report, nil
}

func ptr[T any](v T) *T { return &v }

func newServer(t *testing.T, records ...types.URLRecord) (*server.Server, *fakeRunner) {
	t.Helper()
	st, err := store.NewMemoryStore(records...)
	require.NoError(t, err)
	runner := &fakeRunner{}
	return server.New(st, runner, rule.NewEngine(), testKey), runner
}

func do(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-API-KEY", testKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestAuth(t *testing.T) {
	srv, _ := newServer(t)

	tests := []struct {
		name   string
		key    string
		status int
	}{
		{"正しいキー", testKey, http.StatusOK},
		{"キーなし", "", http.StatusUnauthorized},
		{"誤ったキー", "wrong", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
			if tt.key != "" {
				req.Header.Set("X-API-KEY", tt.key)
			}
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusUnauthorized {
				assert.JSONEq(t, `{"error":"Unauthorized"}`, rec.Body.String())
			}
		})
	}

	t.Run("キー未設定のサーバーはすべて拒否", func(t *testing.T) {
		st, err := store.NewMemoryStore()
		require.NoError(t, err)
		srv := server.New(st, &fakeRunner{}, rule.NewEngine(), "")
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.Header.Set("X-API-KEY", "")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestHealth(t *testing.T) {
	srv, _ := newServer(t)
	rec, body := do(t, srv, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, server.ServiceName, body["service"])
}

func TestCreate(t *testing.T) {
	tests := []struct {
		name    string
		body    any
		status  int
		errMsg  string
		checkFn func(t *testing.T, data map[string]any)
	}{
		{
			name:   "filter_value でルールを指定",
			body:   map[string]any{"name": "a", "url": "https://a.test", "has_filter": true, "filter_value": "return 1"},
			status: http.StatusCreated,
			checkFn: func(t *testing.T, data map[string]any) {
				assert.Equal(t, float64(1), data["id"])
				assert.Equal(t, true, data["is_active"])
				assert.Equal(t, true, data["has_filter"])
				assert.Equal(t, "return 1", data["filter"])
			},
		},
		{
			name:   "filter でも指定できる",
			body:   map[string]any{"name": "a", "url": "https://a.test", "filter": "return 2", "is_active": false},
			status: http.StatusCreated,
			checkFn: func(t *testing.T, data map[string]any) {
				assert.Equal(t, false, data["is_active"])
				assert.Equal(t, false, data["has_filter"])
				assert.Equal(t, "return 2", data["filter"])
			},
		},
		{"ボディなし", nil, http.StatusBadRequest, "No JSON data provided", nil},
		{"不正な JSON", "{", http.StatusBadRequest, "", nil},
		{"name が欠けている", map[string]any{"url": "https://a.test"}, http.StatusBadRequest, "Missing required fields: name, url", nil},
		{"空の name", map[string]any{"name": " ", "url": "https://a.test"}, http.StatusBadRequest, "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newServer(t)
			rec, body := do(t, srv, http.MethodPost, "/api/urls", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.errMsg != "" {
				assert.Equal(t, tt.errMsg, body["error"])
			}
			if tt.checkFn != nil {
				assert.Equal(t, "URL created successfully", body["message"])
				data, ok := body["data"].(map[string]any)
				require.True(t, ok)
				tt.checkFn(t, data)
			}
		})
	}
}

func TestListAndGet(t *testing.T) {
	srv, _ := newServer(t,
		types.URLRecord{ID: 1, Name: "a", URL: "https://a.test", IsActive: true},
		types.URLRecord{ID: 2, Name: "b", URL: "https://b.test", IsActive: false},
	)

	t.Run("すべて", func(t *testing.T) {
		rec, body := do(t, srv, http.MethodGet, "/api/urls", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(2), body["count"])
		assert.Len(t, body["urls"], 2)
	})
	t.Run("active_only", func(t *testing.T) {
		_, body := do(t, srv, http.MethodGet, "/api/urls?active_only=true", nil)
		assert.Equal(t, float64(1), body["count"])
	})
	t.Run("1件取得", func(t *testing.T) {
		rec, body := do(t, srv, http.MethodGet, "/api/urls/2", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "b", body["name"])
	})
	t.Run("存在しない id", func(t *testing.T) {
		rec, body := do(t, srv, http.MethodGet, "/api/urls/99", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "URL not found", body["error"])
	})
	t.Run("数値でない id", func(t *testing.T) {
		rec, _ := do(t, srv, http.MethodGet, "/api/urls/abc", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestUpdate(t *testing.T) {
	srv, _ := newServer(t, types.URLRecord{ID: 1, Name: "a", URL: "https://a.test", IsActive: true})

	rec, body := do(t, srv, http.MethodPatch, "/api/urls/1", map[string]any{"is_active": false, "filter_value": "return 3"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "URL updated successfully", body["message"])
	data := body["data"].(map[string]any)
	assert.Equal(t, "a", data["name"], "省略したフィールドは変更されない")
	assert.Equal(t, false, data["is_active"])
	assert.Equal(t, "return 3", data["filter"])

	rec, _ = do(t, srv, http.MethodPut, "/api/urls/1", map[string]any{"name": "renamed"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, srv, http.MethodPut, "/api/urls/5", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = do(t, srv, http.MethodPut, "/api/urls/1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No JSON data provided", body["error"])
}

func TestDelete(t *testing.T) {
	srv, _ := newServer(t, types.URLRecord{ID: 1, Name: "a", URL: "https://a.test", IsActive: true})

	rec, body := do(t, srv, http.MethodDelete, "/api/urls/1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "URL deleted successfully", body["message"])

	rec, _ = do(t, srv, http.MethodDelete, "/api/urls/1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRun(t *testing.T) {
	t.Run("有効なレコードのみ処理", func(t *testing.T) {
		srv, runner := newServer(t,
			types.URLRecord{ID: 1, Name: "a", URL: "https://a.test", IsActive: true},
			types.URLRecord{ID: 2, Name: "b", URL: "https://b.test", IsActive: false},
		)
		rec, body := do(t, srv, http.MethodPost, "/api/urls/run", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "URLs processed successfully", body["message"])
		assert.Equal(t, "batch-1", body["batch_id"])
		assert.Equal(t, float64(1), body["processed_count"])
		assert.Equal(t, float64(1), body["total_active_urls"])
		assert.Len(t, body["results"], 1)
		assert.Len(t, runner.seen, 1)
	})

	t.Run("有効なレコードがない", func(t *testing.T) {
		srv, _ := newServer(t)
		rec, body := do(t, srv, http.MethodPost, "/api/urls/run", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "No active URLs to process", body["message"])
		assert.Empty(t, body["results"])
	})

	t.Run("実行エラーは 500", func(t *testing.T) {
		st, err := store.NewMemoryStore()
		require.NoError(t, err)
		srv := server.New(st, &fakeRunner{err: errors.New("boom")}, rule.NewEngine(), testKey)
		rec, _ := do(t, srv, http.MethodPost, "/api/urls/run", nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestRun_UnserializableRuleKeepsSiblings(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("origin body"))
	}))
	defer origin.Close()

	nan := "return 0/0"
	identity := "return input.content"
	st, err := store.NewMemoryStore(
		types.URLRecord{Name: "nan", URL: origin.URL + "/nan", IsActive: true, HasFilter: true, FilterRule: &nan},
		types.URLRecord{Name: "ok", URL: origin.URL + "/ok", IsActive: true, HasFilter: true, FilterRule: &identity},
	)
	require.NoError(t, err)

	engine := rule.NewEngine()
	fetcher, err := batch.NewParallelFetcher(client.New(client.DefaultConfig()), 2)
	require.NoError(t, err)
	p, err := pipeline.New(fetcher, engine)
	require.NoError(t, err)
	srv := server.New(st, p, engine, testKey)

	rec, body := do(t, srv, http.MethodPost, "/api/urls/run", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	results, ok := body["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 2)
	failed := results[0].(map[string]any)
	assert.Equal(t, string(types.KindRuleRuntime), failed["error"].(map[string]any)["kind"])
	assert.Equal(t, "origin body", results[1].(map[string]any)["value"])
}

func TestCheckRule(t *testing.T) {
	srv, _ := newServer(t)

	tests := []struct {
		name      string
		body      any
		status    int
		valid     bool
		shorthand bool
	}{
		{"filter 関数", map[string]any{"rule": "function filter(input) { return 1 }"}, http.StatusOK, true, false},
		{"省略形", map[string]any{"rule": ptr("return input.status")}, http.StatusOK, true, true},
		{"構文エラー", map[string]any{"rule": "function filter( {"}, http.StatusOK, false, false},
		{"rule なし", map[string]any{}, http.StatusBadRequest, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := do(t, srv, http.MethodPost, "/api/rules/check", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.status != http.StatusOK {
				return
			}
			assert.Equal(t, tt.valid, body["valid"])
			if tt.valid {
				assert.Equal(t, tt.shorthand, body["shorthand"])
			} else {
				assert.Equal(t, string(types.KindRuleCompile), body["kind"])
				assert.NotEmpty(t, body["error"])
			}
		})
	}
}

func TestUnknownEndpoint(t *testing.T) {
	srv, _ := newServer(t)
	rec, body := do(t, srv, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Endpoint not found", body["error"])
}
