package types

import (
	"encoding/json"
	"strings"
	"time"
)

// URLRecord は、監視対象として登録されたURLの1レコードです。
// レコードストアが所有し、パイプラインからは読み取り専用で参照されます。
type URLRecord struct {
	ID         uint    `json:"id" yaml:"id"`
	Name       string  `json:"name" yaml:"name"`
	URL        string  `json:"url" yaml:"url"`
	IsActive   bool    `json:"is_active" yaml:"is_active"`
	HasFilter  bool    `json:"has_filter" yaml:"has_filter"`
	FilterRule *string `json:"filter" yaml:"filter,omitempty"`
}

// Rule は、抽出ルールが有効な場合にそのソースを返します。
// HasFilter が false、またはルールが空白のみの場合は ok=false です。
func (r URLRecord) Rule() (source string, ok bool) {
	if !r.HasFilter || r.FilterRule == nil {
		return "", false
	}
	if strings.TrimSpace(*r.FilterRule) == "" {
		return "", false
	}
	return *r.FilterRule, true
}

// FetchOutcome は、完了した1回のHTTPリクエストの結果です。
// トランスポートレベルで失敗した場合は生成されません。
type FetchOutcome struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status"`
	Body       string `json:"content"`
}

// Input は、抽出ルールに渡す入力マッピング (url / status / content) を返します。
func (o FetchOutcome) Input() map[string]any {
	return map[string]any{
		"url":     o.URL,
		"status":  o.StatusCode,
		"content": o.Body,
	}
}

// FetchedRecord は、取得に成功したレコードとその結果の組です。
// 元のレコードを保持したまま後段に渡すことで、位置に依存しない対応付けを保証します。
type FetchedRecord struct {
	Record  URLRecord
	Outcome FetchOutcome
}

// FetchFailure は、バッチ結果から除外された取得失敗の記録です。
type FetchFailure struct {
	Record  URLRecord `json:"-"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// MarshalJSON は、失敗したレコードの識別子を含めてシリアライズします。
func (f FetchFailure) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID      uint      `json:"id"`
		URL     string    `json:"url"`
		Kind    ErrorKind `json:"kind"`
		Message string    `json:"message"`
	}{f.Record.ID, f.Record.URL, f.Kind, f.Message})
}

// ExtractionResult は、1件の (レコード, 取得結果) の組に抽出ルールを適用した結果です。
// Err が nil でない場合、Value は意味を持ちません。
type ExtractionResult struct {
	RecordID   uint
	Name       string
	URL        string
	StatusCode int
	Value      any
	Err        error
}

// MarshalJSON は、成功時は value (null を含む) を、失敗時は error 記述子を出力します。
func (r ExtractionResult) MarshalJSON() ([]byte, error) {
	type errorDescriptor struct {
		Kind    ErrorKind `json:"kind"`
		Message string    `json:"message"`
	}
	if r.Err != nil {
		return json.Marshal(struct {
			ID     uint            `json:"id"`
			Name   string          `json:"name"`
			URL    string          `json:"url"`
			Status int             `json:"status"`
			Error  errorDescriptor `json:"error"`
		}{r.RecordID, r.Name, r.URL, r.StatusCode, errorDescriptor{Kind: KindOf(r.Err), Message: r.Err.Error()}})
	}
	return json.Marshal(struct {
		ID     uint   `json:"id"`
		Name   string `json:"name"`
		URL    string `json:"url"`
		Status int    `json:"status"`
		Value  any    `json:"value"`
	}{r.RecordID, r.Name, r.URL, r.StatusCode, r.Value})
}

// Report は、1回のバッチ実行の結果一式です。
type Report struct {
	BatchID      string             `json:"batch_id"`
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   time.Time          `json:"finished_at"`
	TotalRecords int                `json:"total_records"`
	FetchedCount int                `json:"fetched_count"`
	Results      []ExtractionResult `json:"results"`
	Failures     []FetchFailure     `json:"failures"`
}

// ErrorCount は、エラーで終わった抽出結果の件数を返します。
func (r *Report) ErrorCount() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}
