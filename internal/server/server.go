package server

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shouni/go-web-watch/internal/pipeline"
	"github.com/shouni/go-web-watch/pkg/rule"
	"github.com/shouni/go-web-watch/pkg/store"
	"github.com/shouni/go-web-watch/pkg/types"
)

const (
	// ServiceName はヘルスチェックで返すサービス名です。
	ServiceName = "web-watch"

	apiKeyHeader = "X-API-KEY"
	maxBodyBytes = 1 << 20
)

// Runner は有効なレコードに対してバッチを実行します。*pipeline.Pipeline が満たします。
type Runner interface {
	RunActive(ctx context.Context, lister pipeline.RecordLister) (*types.Report, error)
}

// RuleCompiler は抽出ルールのコンパイルのみを行います。*rule.Engine が満たします。
type RuleCompiler interface {
	Compile(source string) (*rule.Rule, error)
}

// Server はレコードの管理とバッチ実行のための HTTP API です。
// すべての /api/ ルートは X-API-KEY ヘッダーによる認証が必要です。
type Server struct {
	store  store.Store
	runner Runner
	rules  RuleCompiler
	apiKey string
	mux    *http.ServeMux
}

// New はハンドラーを登録した Server を生成します。
// apiKey が空の場合、すべての API リクエストは拒否されます。
func New(st store.Store, runner Runner, rules RuleCompiler, apiKey string) *Server {
	s := &Server{
		store:  st,
		runner: runner,
		rules:  rules,
		apiKey: apiKey,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP は http.Handler を満たします。リクエストごとにログを出力します。
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	log := zerolog.Ctx(r.Context()).With().
		Str("request_id", uuid.NewString()).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Logger()
	r = r.WithContext(log.WithContext(r.Context()))

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)

	log.Info().Int("status", rec.status).Dur("duration", time.Since(start)).Msg("request")
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.auth(s.handleHealth))
	s.mux.HandleFunc("POST /api/urls", s.auth(s.handleCreate))
	s.mux.HandleFunc("GET /api/urls", s.auth(s.handleList))
	s.mux.HandleFunc("POST /api/urls/run", s.auth(s.handleRun))
	s.mux.HandleFunc("GET /api/urls/{id}", s.auth(s.handleGet))
	s.mux.HandleFunc("PUT /api/urls/{id}", s.auth(s.handleUpdate))
	s.mux.HandleFunc("PATCH /api/urls/{id}", s.auth(s.handleUpdate))
	s.mux.HandleFunc("DELETE /api/urls/{id}", s.auth(s.handleDelete))
	s.mux.HandleFunc("POST /api/rules/check", s.auth(s.handleCheckRule))
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Endpoint not found")
	})
}

// auth は X-API-KEY ヘッダーを定数時間で比較します。
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		given := r.Header.Get(apiKeyHeader)
		if s.apiKey == "" || given == "" ||
			subtle.ConstantTimeCompare([]byte(given), []byte(s.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

// ----------------------------------------------------------------------
// ハンドラー
// ----------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": ServiceName,
	})
}

// createRequest は POST /api/urls のボディです。ルールは filter_value と filter のどちらでも指定できます。
type createRequest struct {
	Name        *string `json:"name"`
	URL         *string `json:"url"`
	IsActive    *bool   `json:"is_active"`
	HasFilter   *bool   `json:"has_filter"`
	FilterValue *string `json:"filter_value"`
	Filter      *string `json:"filter"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == nil || req.URL == nil {
		writeError(w, http.StatusBadRequest, "Missing required fields: name, url")
		return
	}

	rec := types.URLRecord{
		Name:       *req.Name,
		URL:        *req.URL,
		IsActive:   true,
		FilterRule: req.FilterValue,
	}
	if req.IsActive != nil {
		rec.IsActive = *req.IsActive
	}
	if req.HasFilter != nil {
		rec.HasFilter = *req.HasFilter
	}
	if rec.FilterRule == nil {
		rec.FilterRule = req.Filter
	}

	created, err := s.store.Create(r.Context(), rec)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "URL created successfully",
		"data":    created,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var (
		records []types.URLRecord
		err     error
	)
	if strings.EqualFold(r.URL.Query().Get("active_only"), "true") {
		records, err = s.store.ListActive(r.Context())
	} else {
		records, err = s.store.List(r.Context())
	}
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(records),
		"urls":  records,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// updateRequest は PUT/PATCH のボディです。省略したフィールドは変更されません。
type updateRequest struct {
	store.Patch
	FilterValue *string `json:"filter_value"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	patch := req.Patch
	if patch.Filter == nil {
		patch.Filter = req.FilterValue
	}

	updated, err := s.store.Update(r.Context(), id, patch)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "URL updated successfully",
		"data":    updated,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.Delete(r.Context(), id); err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "URL deleted successfully"})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.runner.RunActive(r.Context(), s.store)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("バッチの実行に失敗しました")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if report.TotalRecords == 0 {
		writeJSON(w, http.StatusOK, map[string]any{
			"message":  "No active URLs to process",
			"batch_id": report.BatchID,
			"results":  []types.ExtractionResult{},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":           "URLs processed successfully",
		"batch_id":          report.BatchID,
		"processed_count":   report.FetchedCount,
		"total_active_urls": report.TotalRecords,
		"results":           report.Results,
		"failures":          report.Failures,
	})
}

type checkRuleRequest struct {
	Rule *string `json:"rule"`
}

func (s *Server) handleCheckRule(w http.ResponseWriter, r *http.Request) {
	var req checkRuleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Rule == nil {
		writeError(w, http.StatusBadRequest, "Missing required field: rule")
		return
	}

	compiled, err := s.rules.Compile(*req.Rule)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"valid": false,
			"kind":  types.KindOf(err),
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":     true,
		"shorthand": compiled.Shorthand(),
	})
}

// ----------------------------------------------------------------------
// 起動と停止
// ----------------------------------------------------------------------

// ListenAndServe は addr で待ち受け、ctx が終了したら shutdownTimeout 以内にグレースフルに停止します。
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	log := zerolog.Ctx(ctx)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		// ロガーを引き継ぎつつ、停止シグナルで処理中のリクエストを中断しない
		BaseContext: func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP サーバーを起動しました")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP サーバーが停止しました: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("HTTP サーバーを停止しています")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP サーバーの停止に失敗しました: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ----------------------------------------------------------------------
// ヘルパー
// ----------------------------------------------------------------------

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func pathID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 0)
	if err != nil {
		writeError(w, http.StatusNotFound, "URL not found")
		return 0, false
	}
	return uint(id), true
}

// decodeBody は JSON ボディを v に読み込みます。失敗した場合は 400 を書き込んで false を返します。
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	switch {
	case errors.Is(err, io.EOF):
		writeError(w, http.StatusBadRequest, "No JSON data provided")
		return false
	case err != nil:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json payload: %v", err))
		return false
	}
	return true
}

func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "URL not found")
	case errors.Is(err, store.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("ストアの操作に失敗しました")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeJSON はステータスを書き込む前にエンコードし、失敗した場合は 500 を返します。
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		buf.Reset()
		status = http.StatusInternalServerError
		_ = json.NewEncoder(&buf).Encode(map[string]string{"error": "レスポンスのエンコードに失敗しました: " + err.Error()})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
