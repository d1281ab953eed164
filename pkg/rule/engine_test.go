package rule

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	textUtils "github.com/shouni/go-utils/text"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shouni/go-web-watch/pkg/types"
)

func outcome(body string) types.FetchOutcome {
	return types.FetchOutcome{URL: "https://a.test", StatusCode: 200, Body: body}
}

func TestNewEngine(t *testing.T) {
	e := NewEngine()
	assert.Equal(t, DefaultTimeout, e.Timeout())
	assert.Equal(t, DefaultMaxCallStackSize, e.maxCallStackSize)
	assert.Equal(t, DefaultMaxMemory, e.maxMemory)

	e = NewEngine(WithTimeout(time.Second), WithMaxCallStackSize(64))
	assert.Equal(t, time.Second, e.Timeout())
	assert.Equal(t, 64, e.maxCallStackSize)

	// 0 以下は無視される
	e = NewEngine(WithTimeout(0), WithMaxCallStackSize(-1), WithMaxMemory(0))
	assert.Equal(t, DefaultTimeout, e.Timeout())
	assert.Equal(t, DefaultMaxCallStackSize, e.maxCallStackSize)
	assert.Equal(t, DefaultMaxMemory, e.maxMemory)
}

func TestCompile(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		name          string
		source        string
		wantShorthand bool
		wantErr       bool
	}{
		{"filter 関数を定義したプログラム", "function filter(input) { return input.status }", false, false},
		{"関数本体のみの省略形", "return input.content.length", true, false},
		{"複数行の省略形", "var n = input.content.length;\nreturn n * 2;", true, false},
		{"構文エラー", "function filter(input) { return (", false, true},
		{"省略形としても不正", "return }}}", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := e.Compile(tt.source)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, types.IsKind(err, types.KindRuleCompile), "got %v", err)
				assert.Nil(t, r)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantShorthand, r.Shorthand())
			assert.Equal(t, tt.source, r.Source())
		})
	}
}

func TestEvaluate_Values(t *testing.T) {
	e := NewEngine()
	ctx := context.Background()

	tests := []struct {
		name     string
		source   string
		body     string
		expected any
	}{
		{"ステータスを返す", "function filter(input) { return input.status }", "", int64(200)},
		{"省略形でボディの長さを返す", "return input.content.length", "hello", int64(5)},
		{"URL を返す", "return input.url", "", "https://a.test"},
		{"オブジェクトを返す", "return {a: 1, b: [1, 2], c: 'x'}", "",
			map[string]any{"a": int64(1), "b": []any{int64(1), int64(2)}, "c": "x"}},
		{"undefined は nil", "function filter(input) {}", "", nil},
		{"null は nil", "return null", "", nil},
		{"トップレベルのコードも実行される", "var prefix = 'v:'; function filter(input) { return prefix + input.content }", "1", "v:1"},
		{"require は存在しない", "return typeof require", "", "undefined"},
		{"タイマーは存在しない", "return typeof setTimeout", "", "undefined"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Extract(ctx, outcome(tt.body), tt.source)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestEvaluate_IdentityReproducesBody(t *testing.T) {
	e := NewEngine()
	bodies := []string{
		"",
		"hello",
		"<html><body><p>こんにちは、世界</p>\n\t<script>var x = '\\u0000';</script></body></html>",
		"line1\r\nline2\n",
	}

	for _, src := range []string{"return input.content", "function filter(input) { return input.content }"} {
		for _, body := range bodies {
			got, err := e.Extract(context.Background(), outcome(body), src)
			require.NoError(t, err)
			assert.Equal(t, body, got)
		}
	}
}

func TestEvaluate_Errors(t *testing.T) {
	e := NewEngine(WithTimeout(100*time.Millisecond), WithMaxCallStackSize(128))

	tests := []struct {
		name   string
		source string
		kind   types.ErrorKind
	}{
		{"例外を送出", "throw new Error('boom')", types.KindRuleRuntime},
		{"未定義の参照", "return input.missing.field", types.KindRuleRuntime},
		{"トップレベルで例外", "throw 'top'; function filter(input) { return 1 }", types.KindRuleRuntime},
		{"無限再帰", "function filter(input) { return filter(input) }", types.KindRuleRuntime},
		{"関数を返す", "return function() {}", types.KindRuleRuntime},
		{"filter が未定義", "var x = 1;", types.KindRuleMissingEntryPoint},
		{"filter が関数ではない", "var filter = 5;", types.KindRuleMissingEntryPoint},
		{"filter 内の無限ループ", "function filter(input) { while (true) {} }", types.KindRuleTimeout},
		{"トップレベルの無限ループ", "for (;;) {} function filter(input) { return 1 }", types.KindRuleTimeout},
		{"コンパイルエラー", "function (", types.KindRuleCompile},
		{"NaN を返す", "return 0/0", types.KindRuleRuntime},
		{"Infinity を返す", "return input.status/0", types.KindRuleRuntime},
		{"入れ子の -Infinity", "return {a: [1, -1/0]}", types.KindRuleRuntime},
		{"循環したオブジェクト", "var a = {}; a.self = a; return a", types.KindRuleRuntime},
		{"循環した配列", "var a = []; a.push(a); return a", types.KindRuleRuntime},
		{"関数を含むオブジェクト", "return {f: function() {}}", types.KindRuleRuntime},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			got, err := e.Extract(context.Background(), outcome("hello"), tt.source)
			require.Error(t, err)
			assert.Nil(t, got)
			assert.Equal(t, tt.kind, types.KindOf(err), "got %v", err)
			assert.Less(t, time.Since(start), 2*time.Second)
		})
	}
}

func TestEvaluate_ResultsAreSerializable(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		name   string
		source string
	}{
		{"Date", "return new Date(0)"},
		{"深い入れ子", "var v = 1; for (var i = 0; i < 32; i++) { v = [v] } return v"},
		{"有限の小数", "return {ratio: 1/3, list: [0.5, -2]}"},
		{"select の結果", "return select('<p>a</p><p>b</p>', 'p')"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Extract(context.Background(), outcome("x"), tt.source)
			require.NoError(t, err)
			_, err = json.Marshal(types.ExtractionResult{RecordID: 1, Value: got})
			assert.NoError(t, err)
		})
	}

	t.Run("Date は time.Time になる", func(t *testing.T) {
		got, err := e.Extract(context.Background(), outcome(""), "return new Date(0)")
		require.NoError(t, err)
		tm, ok := got.(time.Time)
		require.True(t, ok, "got %T", got)
		assert.True(t, tm.Equal(time.UnixMilli(0)))
	})
}

func TestEvaluate_MemoryLimit(t *testing.T) {
	// 時間の上限より先にメモリの上限で止まること
	e := NewEngine(WithTimeout(10*time.Second), WithMaxMemory(16<<20))

	tests := []struct {
		name   string
		source string
	}{
		{"文字列の倍々連結", "var s = 'x'; for (;;) { s = s + s; }"},
		{"配列への追加", "var a = []; for (;;) { a.push('xxxxxxxxxxxxxxxx' + a.length); }"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			got, err := e.Extract(context.Background(), outcome(""), tt.source)
			require.Error(t, err)
			assert.Nil(t, got)
			assert.True(t, types.IsKind(err, types.KindRuleRuntime), "got %v", err)
			assert.ErrorIs(t, err, errMemoryExceeded)
			assert.Less(t, time.Since(start), 5*time.Second)
		})
	}

	t.Run("上限内の評価は成功する", func(t *testing.T) {
		got, err := e.Extract(context.Background(), outcome("hello"), "return input.content.length")
		require.NoError(t, err)
		assert.Equal(t, int64(5), got)
	})
}

func TestEvaluate_ContextCancellation(t *testing.T) {
	e := NewEngine(WithTimeout(10 * time.Second))
	r, err := e.Compile("while (true) {}")
	require.NoError(t, err)

	t.Run("評価中のキャンセル", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(50*time.Millisecond, cancel)

		start := time.Now()
		_, err := e.Evaluate(ctx, r, outcome(""))
		assert.True(t, types.IsKind(err, types.KindRuleTimeout), "got %v", err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("評価前にキャンセル済み", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := e.Evaluate(ctx, r, outcome(""))
		assert.True(t, types.IsKind(err, types.KindRuleTimeout), "got %v", err)
	})

	t.Run("nil ルール", func(t *testing.T) {
		_, err := e.Evaluate(context.Background(), nil, outcome(""))
		assert.Error(t, err)
	})
}

func TestEvaluate_RuntimesAreIsolated(t *testing.T) {
	e := NewEngine()
	// グローバル変数への書き込みが次の評価に漏れないこと
	r, err := e.Compile("var count = (typeof count === 'undefined') ? 1 : count + 1; function filter(input) { return count }")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]any, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := e.Evaluate(context.Background(), r, outcome(""))
			if err == nil {
				results[i] = v
			}
		}()
	}
	wg.Wait()

	for _, v := range results {
		assert.Equal(t, int64(1), v)
	}
}

func TestBuiltins(t *testing.T) {
	e := NewEngine()
	html := `<html><head><title>Shop</title></head><body>
		<ul><li class="price">100</li><li class="price">200</li></ul>
		<a href="/next">next</a>
		<main><p>This is the main paragraph of the page and it is long enough.</p></main>
	</body></html>`

	const rss = `<?xml version="1.0"?><rss version="2.0"><channel><title>F</title><link>http://f.test/</link>
		<item><title>First</title><link>http://f.test/1</link></item></channel></rss>`

	tests := []struct {
		name     string
		body     string
		source   string
		expected any
	}{
		{"select", html, "return select(input.content, 'li.price').length", int64(2)},
		{"select の要素", html, "return select(input.content, 'li.price')[1]", "200"},
		{"attr", html, "return attr(input.content, 'a', 'href')[0]", "/next"},
		{"mainText", html, "return mainText(input.content)",
			"【記事タイトル】 Shop\n\nThis is the main paragraph of the page and it is long enough."},
		{"mainText は抽出できなければ空文字", "<html></html>", "return mainText(input.content)", ""},
		{"normalize", "", "return normalize('  a \\n\\t b  ')", textUtils.NormalizeText("  a \n\t b  ")},
		{"parseFeed", rss, "var f = parseFeed(input.content); return f.title + ':' + f.items[0].link", "F:http://f.test/1"},
		{"builtin のエラーは catch できる", html,
			"try { select(input.content, 'li[') } catch (e) { return 'caught' } return 'not caught'", "caught"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Extract(context.Background(), outcome(tt.body), tt.source)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	t.Run("builtin のエラーは RuleRuntimeError", func(t *testing.T) {
		_, err := e.Extract(context.Background(), outcome("x"), "return parseFeed(input.content)")
		assert.True(t, types.IsKind(err, types.KindRuleRuntime), "got %v", err)
	})
}
