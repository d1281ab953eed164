package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/shouni/go-web-watch/pkg/types"
)

// ----------------------------------------------------------------------
// 定数とインターフェース
// ----------------------------------------------------------------------

const (
	// DefaultTimeout は、1回の取得に許されるデフォルトの時間です。
	DefaultTimeout = 5 * time.Second
	// DefaultMaxBodySize は、レスポンスボディの最大読み込みサイズです。
	DefaultMaxBodySize = int64(10 * 1024 * 1024) // 10MB

	// サイトからのブロックを避けるためのUser-Agent
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/118.0.0.0 Safari/537.36"
	DefaultAccept    = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
)

// errBodyTooLarge は、ボディが MaxBodySize を超えた場合のエラーです。
var errBodyTooLarge = errors.New("レスポンスボディが最大サイズを超えました")

// Doer は、標準の *http.Client.Do()と互換性のあるHTTPクライアントのインターフェースを定義します。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config は Client の設定値です。生成後は読み取り専用で共有されます。
type Config struct {
	Timeout     time.Duration
	UserAgent   string
	Accept      string
	MaxBodySize int64
}

// DefaultConfig はデフォルト設定を返します。
func DefaultConfig() Config {
	return Config{
		Timeout:     DefaultTimeout,
		UserAgent:   DefaultUserAgent,
		Accept:      DefaultAccept,
		MaxBodySize: DefaultMaxBodySize,
	}
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Accept == "" {
		c.Accept = DefaultAccept
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}
	return c
}

// Client は1件のURLに対してGETリクエストを1回だけ実行し、結果を分類します。
// リトライは行いません。ステータスコードは失敗ではなくデータとして扱います。
type Client struct {
	httpClient Doer
	cfg        Config
	headers    http.Header
}

// ----------------------------------------------------------------------
// 設定とコンストラクタ
// ----------------------------------------------------------------------

// ClientOption はClientの設定を行うための関数型です。
type ClientOption func(*Client)

// WithHTTPClient はカスタムのDoerを設定します。
func WithHTTPClient(doer Doer) ClientOption {
	return func(c *Client) {
		c.httpClient = doer
	}
}

// New は新しいClientを初期化します。
// ヘッダーセットは生成時に固定され、呼び出しごとの上書きはできません。
func New(cfg Config, options ...ClientOption) *Client {
	cfg = cfg.withDefaults()

	headers := make(http.Header)
	headers.Set("Accept", cfg.Accept)
	headers.Set("User-Agent", cfg.UserAgent)

	c := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		headers:    headers,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Timeout は1回の取得に適用されるタイムアウトを返します。
func (c *Client) Timeout() time.Duration {
	return c.cfg.Timeout
}

// ----------------------------------------------------------------------
// 取得処理
// ----------------------------------------------------------------------

// Fetch は address に対してGETリクエストを実行します。
// レスポンスが返ってきた場合はステータスコードに関わらず FetchOutcome を返します。
// タイムアウト、接続エラー、DNSエラー、不正なURLなどのトランスポート障害では
// outcome は nil となり、種別付きの *types.PipelineError を返します。
func (c *Client) Fetch(ctx context.Context, address string) (*types.FetchOutcome, error) {
	// 注入された Doer にも上限を効かせるため、コンテキスト側にも期限を設定する
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address, nil)
	if err != nil {
		return nil, types.NewError(types.KindFetchTransport, fmt.Errorf("GETリクエスト作成に失敗しました: %w", err))
	}
	for k, v := range c.headers {
		req.Header[k] = append([]string(nil), v...)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("HTTPリクエストに失敗しました (ネットワーク/接続エラー): %w", err))
	}
	defer resp.Body.Close()

	body, err := c.readBody(resp)
	if err != nil {
		return nil, classify(ctx, err)
	}

	return &types.FetchOutcome{
		URL:        address,
		StatusCode: resp.StatusCode,
		Body:       body,
	}, nil
}

// readBody はレスポンスボディを最大サイズまで読み込み、宣言された文字コードからUTF-8へ変換します。
func (c *Client) readBody(resp *http.Response) (string, error) {
	limited := io.LimitReader(resp.Body, c.cfg.MaxBodySize+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return "", fmt.Errorf("レスポンスボディの読み込みに失敗しました: %w", err)
	}
	if int64(len(raw)) > c.cfg.MaxBodySize {
		return "", fmt.Errorf("%w (%dバイト)", errBodyTooLarge, c.cfg.MaxBodySize)
	}

	label := declaredCharset(resp.Header.Get("Content-Type"))
	if label == "" {
		return string(raw), nil
	}
	reader, err := charset.NewReaderLabel(label, bytes.NewReader(raw))
	if err != nil {
		// 未知の文字コードはそのまま扱う
		return string(raw), nil
	}
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return string(raw), nil
	}
	return string(decoded), nil
}

// declaredCharset は Content-Type で明示されたUTF-8以外の文字コード名を返します。
// 明示がない場合、またはUTF-8の場合は空文字を返し、ボディは変換しません。
func declaredCharset(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	label := strings.ToLower(strings.TrimSpace(params["charset"]))
	if label == "" || label == "utf-8" || label == "utf8" {
		return ""
	}
	return label
}

// classify はトランスポートエラーをタイムアウトとそれ以外に分類します。
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.NewError(types.KindFetchTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.NewError(types.KindFetchTimeout, err)
	}
	return types.NewError(types.KindFetchTransport, err)
}
