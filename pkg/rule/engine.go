package rule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dop251/goja"

	"github.com/shouni/go-web-watch/pkg/types"
)

// ----------------------------------------------------------------------
// 定数定義
// ----------------------------------------------------------------------

const (
	// EntryPoint は、ルールが定義すべき関数名です。
	EntryPoint = "filter"

	// DefaultTimeout は、1回の評価に許されるデフォルトの時間です。
	DefaultTimeout = 2 * time.Second
	// DefaultMaxCallStackSize は、JS 呼び出しスタックの最大深さです。
	DefaultMaxCallStackSize = 1024

	// 戻り値として許される入れ子の深さ。循環した値もここで打ち切られる
	maxValueDepth = 64

	// 関数本体だけが書かれたルールを包むためのテンプレート
	shorthandPrefix = "function " + EntryPoint + "(input) {\n"
	shorthandSuffix = "\n}"
)

// errBudgetExceeded は、評価時間の上限に達したことを示します。
var errBudgetExceeded = errors.New("ルールの評価時間が上限を超えました")

// Rule は、コンパイル済みの抽出ルールです。
// goja.Program は不変なので、複数のゴルーチンから同時に評価できます。
type Rule struct {
	source    string
	program   *goja.Program
	shorthand bool
}

// Source は、コンパイル前のルールのソースを返します。
func (r *Rule) Source() string { return r.source }

// Shorthand は、ルールが関数本体のみの省略形として解釈されたかどうかを返します。
func (r *Rule) Shorthand() bool { return r.shorthand }

// Engine は、抽出ルールをサンドボックス化されたインタプリタで評価します。
// 評価ごとに新しいランタイムを生成するため、ルール間で状態は共有されません。
// ファイルシステム、ネットワーク、プロセス、タイマーのAPIは公開されません。
type Engine struct {
	timeout          time.Duration
	maxCallStackSize int
	maxMemory        int64
}

// Option は Engine の設定を行うための関数型です。
type Option func(*Engine)

// WithTimeout は、1回の評価に許される時間を設定します。
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithMaxCallStackSize は、呼び出しスタックの最大深さを設定します。
func WithMaxCallStackSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxCallStackSize = n
		}
	}
}

// WithMaxMemory は、1回の評価で許されるヒープ増加量 (バイト) を設定します。
func WithMaxMemory(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxMemory = n
		}
	}
}

// NewEngine は新しい Engine を初期化します。
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		timeout:          DefaultTimeout,
		maxCallStackSize: DefaultMaxCallStackSize,
		maxMemory:        DefaultMaxMemory,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Timeout は、1回の評価に適用される時間の上限を返します。
func (e *Engine) Timeout() time.Duration {
	return e.timeout
}

// ----------------------------------------------------------------------
// コンパイル
// ----------------------------------------------------------------------

// Compile はルールのソースをコンパイルします。
// プログラムとして解釈できない場合は、関数本体の省略形として filter 関数に包んで再試行します。
// どちらも失敗した場合は、最初のコンパイルエラーを RuleCompileError として返します。
func (e *Engine) Compile(source string) (*Rule, error) {
	program, err := goja.Compile("rule.js", source, false)
	if err == nil {
		return &Rule{source: source, program: program}, nil
	}

	wrapped, wrapErr := goja.Compile("rule.js", shorthandPrefix+source+shorthandSuffix, false)
	if wrapErr == nil {
		return &Rule{source: source, program: wrapped, shorthand: true}, nil
	}

	return nil, types.NewError(types.KindRuleCompile, fmt.Errorf("ルールのコンパイルに失敗しました: %w", err))
}

// ----------------------------------------------------------------------
// 評価
// ----------------------------------------------------------------------

// Extract は source をコンパイルし、outcome に対して評価します。
func (e *Engine) Extract(ctx context.Context, outcome types.FetchOutcome, source string) (any, error) {
	r, err := e.Compile(source)
	if err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, r, outcome)
}

// Evaluate は、コンパイル済みのルールを outcome に対して評価し、filter 関数の戻り値を返します。
// トップレベルのコードと filter の呼び出しは、同じ時間の上限を共有します。
func (e *Engine) Evaluate(ctx context.Context, r *Rule, outcome types.FetchOutcome) (value any, err error) {
	if r == nil {
		return nil, types.NewError(types.KindRuleCompile, errors.New("ルールが nil です"))
	}
	if err := ctx.Err(); err != nil {
		return nil, types.NewError(types.KindRuleTimeout, fmt.Errorf("評価前にコンテキストが終了しました: %w", err))
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(e.maxCallStackSize)
	if err := installBuiltins(vm); err != nil {
		return nil, types.NewError(types.KindRuleRuntime, fmt.Errorf("組み込み関数の登録に失敗しました: %w", err))
	}

	// 1. 時間とメモリの上限、キャンセルを割り込みとして設定
	timer := time.AfterFunc(e.timeout, func() {
		vm.Interrupt(errBudgetExceeded)
	})
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()
	stopWatch := watchHeap(e.maxMemory, heapPollInterval, func() {
		vm.Interrupt(errMemoryExceeded)
	})
	defer stopWatch()

	// 組み込み関数内のパニックもルールの実行時エラーとして扱う
	defer func() {
		if rec := recover(); rec != nil {
			value = nil
			err = types.NewError(types.KindRuleRuntime, fmt.Errorf("ルールの実行中にパニックが発生しました: %v", rec))
		}
	}()

	// 2. トップレベルのコードを実行し、エントリポイントを取得
	if _, err := vm.RunProgram(r.program); err != nil {
		return nil, classify(err)
	}
	filter, ok := goja.AssertFunction(vm.Get(EntryPoint))
	if !ok {
		return nil, types.NewError(types.KindRuleMissingEntryPoint,
			fmt.Errorf("ルールに呼び出し可能な %s が定義されていません", EntryPoint))
	}

	// 3. 取得結果を唯一の引数として呼び出す
	result, err := filter(goja.Undefined(), vm.ToValue(outcome.Input()))
	if err != nil {
		return nil, classify(err)
	}
	return export(result)
}

// export は、JS の値を JSON に変換可能な Go の値に変換します。
// NaN や Infinity、循環した値など JSON にできない値は RuleRuntimeError になります。
func export(v goja.Value) (any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	if _, isFunc := goja.AssertFunction(v); isFunc {
		return nil, types.NewError(types.KindRuleRuntime, errors.New("ルールが関数を返しました"))
	}

	value := v.Export()
	if err := checkSerializable(value, 0); err != nil {
		return nil, types.NewError(types.KindRuleRuntime, fmt.Errorf("ルールの戻り値を JSON に変換できません: %w", err))
	}
	if _, err := json.Marshal(value); err != nil {
		return nil, types.NewError(types.KindRuleRuntime, fmt.Errorf("ルールの戻り値を JSON に変換できません: %w", err))
	}
	return value, nil
}

// checkSerializable は、有限でない数値と深すぎる (循環を含む) 入れ子を検出します。
func checkSerializable(v any, depth int) error {
	if depth > maxValueDepth {
		return fmt.Errorf("入れ子が %d 段を超えているか、循環しています", maxValueDepth)
	}
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("有限でない数値です: %v", x)
		}
	case float32:
		return checkSerializable(float64(x), depth)
	case map[string]any:
		for _, elem := range x {
			if err := checkSerializable(elem, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, elem := range x {
			if err := checkSerializable(elem, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// classify は、goja のエラーをパイプラインのエラー種別に分類します。
func classify(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		cause := errBudgetExceeded
		if v, ok := interrupted.Value().(error); ok {
			cause = v
		}
		if errors.Is(cause, errMemoryExceeded) {
			return types.NewError(types.KindRuleRuntime, cause)
		}
		return types.NewError(types.KindRuleTimeout, cause)
	}
	return types.NewError(types.KindRuleRuntime, fmt.Errorf("ルールの実行に失敗しました: %w", err))
}
