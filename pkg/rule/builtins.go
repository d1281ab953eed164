package rule

import (
	"github.com/dop251/goja"
	textUtils "github.com/shouni/go-utils/text"

	"github.com/shouni/go-web-watch/pkg/extract"
	"github.com/shouni/go-web-watch/pkg/feed"
)

// builtins は、ルールから呼び出せる組み込み関数です。
// いずれも文字列を受け取る純粋な関数で、I/O は行いません。
// (value, error) を返す関数は、error が nil でない場合に JS の例外として送出されます。
var builtins = map[string]any{
	// select(html, css): 一致したノードのテキストの配列
	"select": extract.Select,
	// attr(html, css, name): 一致したノードの属性値の配列
	"attr": extract.SelectAttr,
	// mainText(html): 本文のテキスト。見つからない場合は空文字
	"mainText": func(html string) string {
		text, _, err := extract.MainText(html)
		if err != nil {
			return ""
		}
		return text
	},
	// normalize(text): 空白を正規化したテキスト
	"normalize": textUtils.NormalizeText,
	// parseFeed(xml): {title, link, items: [{title, link, published}]}
	"parseFeed": feed.Summarize,
}

func installBuiltins(vm *goja.Runtime) error {
	for name, fn := range builtins {
		if err := vm.Set(name, fn); err != nil {
			return err
		}
	}
	return nil
}
