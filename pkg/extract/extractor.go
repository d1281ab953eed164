package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	textUtils "github.com/shouni/go-utils/text"
)

// ----------------------------------------------------------------------
// 定数定義 (解析関連のみ)
// ----------------------------------------------------------------------
const (
	MinParagraphLength   = 20
	MinHeadingLength     = 3
	mainContentSelectors = "article, main, div[role='main'], #main, #content, .post-content, .article-body, .entry-content, .markdown-body, .readme"
	noiseSelectors       = ".related-posts, .social-share, .comments, .ad-banner, .advertisement"

	// textExtractionTags は本文抽出に使用するHTMLタグを定義します。
	textExtractionTags = "p, h1, h2, h3, h4, h5, h6, li, blockquote"
	// contentSelectors は textExtractionTags に表とコードブロックを加えたものです。
	contentSelectors = textExtractionTags + ", table, pre"

	titlePrefix        = "【記事タイトル】 "
	tableCaptionPrefix = "【表題】 "
)

// ----------------------------------------------------------------------
// 公開関数
// ----------------------------------------------------------------------

// MainText はHTMLから本文とタイトルを抽出し、整形されたテキストを返します。
// タイトルしか見つからない場合、hasBodyFound は false です。
func MainText(html string) (text string, hasBodyFound bool, err error) {
	doc, err := parseDocument(html)
	if err != nil {
		return "", false, err
	}
	return extractContentText(doc)
}

// Select は、CSSセレクターに一致したノードのテキストを文書順に返します。
// 一致しない場合は空のスライスを返します。
func Select(html, selector string) ([]string, error) {
	sel, err := find(html, selector)
	if err != nil {
		return nil, err
	}
	texts := make([]string, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		texts = append(texts, strings.TrimSpace(s.Text()))
	})
	return texts, nil
}

// SelectAttr は、CSSセレクターに一致したノードの属性値を文書順に返します。
// 属性を持たないノードはスキップされます。
func SelectAttr(html, selector, name string) ([]string, error) {
	sel, err := find(html, selector)
	if err != nil {
		return nil, err
	}
	values := make([]string, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr(name); ok {
			values = append(values, v)
		}
	})
	return values, nil
}

// ----------------------------------------------------------------------
// 解析処理
// ----------------------------------------------------------------------

func parseDocument(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("HTML解析に失敗しました: %w", err)
	}
	return doc, nil
}

// find はセレクターを検証してから文書に適用します。
// goquery は不正なセレクターを空の結果として扱うため、先に cascadia でコンパイルします。
func find(html, selector string) (*goquery.Selection, error) {
	if _, err := cascadia.Compile(selector); err != nil {
		return nil, fmt.Errorf("不正なCSSセレクターです (%q): %w", selector, err)
	}
	doc, err := parseDocument(html)
	if err != nil {
		return nil, err
	}
	return doc.Find(selector), nil
}

// extractContentText はgoquery.Documentから本文とタイトルを抽出し、整形します。
func extractContentText(doc *goquery.Document) (text string, hasBodyFound bool, err error) {
	var parts []string
	// 1. ページタイトルを抽出
	pageTitle := strings.TrimSpace(doc.Find("title").First().Text())
	if pageTitle != "" {
		parts = append(parts, titlePrefix+pageTitle)
	}

	// 2. メインコンテンツの特定
	mainContent := findMainContent(doc)

	// 3. ノイズ要素の除去
	mainContent.Find(noiseSelectors).Remove()

	// 4. 本文要素を文書順に走査して整形
	mainContent.Find(contentSelectors).Each(func(_ int, s *goquery.Selection) {
		var content string
		switch {
		case s.Is("table"):
			content = processTable(s)
		case s.Is("pre"):
			if code := strings.TrimSpace(s.Text()); code != "" {
				content = "```\n" + code + "\n```"
			}
		default:
			content = processGeneralElement(s)
		}
		if content != "" {
			parts = append(parts, content)
		}
	})

	// 5. 抽出結果の検証
	return validateAndFormatResult(parts)
}

// findMainContent は本文らしい要素を探し、見つからない場合はヘッダー等を除いた文書全体を返します。
func findMainContent(doc *goquery.Document) *goquery.Selection {
	mainContent := doc.Find(mainContentSelectors).First()
	if mainContent.Length() == 0 {
		mainContent = doc.Selection.
			Not("header, footer, nav, aside, .sidebar, script, style, form")
	}
	return mainContent
}

// processGeneralElement は見出し、段落、リスト項目を整形します。短すぎるテキストは空文字になります。
func processGeneralElement(s *goquery.Selection) string {
	tempSelection := s.Clone()
	tempSelection.Find("pre, table").Remove() // 子孫の pre, table を除去

	text := tempSelection.Text()
	text = textUtils.NormalizeText(text)

	isHeading := s.Is("h1, h2, h3, h4, h5, h6")
	isListItem := s.Is("li")
	if text == "" {
		return ""
	}

	if isHeading {
		if len(text) > MinHeadingLength {
			return "## " + text
		}
	} else {
		if isListItem || len(text) > MinParagraphLength {
			return text
		}
	}
	return ""
}

// processTable は goquery.Selection からテーブルの内容を抽出し、整形します。
func processTable(s *goquery.Selection) string {
	var tableContent []string
	captionText := strings.TrimSpace(s.Find("caption").First().Text())
	if captionText != "" {
		tableContent = append(tableContent, tableCaptionPrefix+captionText)
	}
	s.Find("tr").Each(func(rowIndex int, row *goquery.Selection) {
		var rowTexts []string
		row.Find("th, td").Each(func(cellIndex int, cell *goquery.Selection) {
			rowTexts = append(rowTexts, textUtils.NormalizeText(cell.Text()))
		})
		tableContent = append(tableContent, strings.Join(rowTexts, " | "))
	})
	if len(tableContent) > 0 {
		return strings.Join(tableContent, "\n")
	}
	return ""
}

// validateAndFormatResult は抽出結果を結合し、本文が含まれるかを判定します。
func validateAndFormatResult(parts []string) (text string, hasBodyFound bool, err error) {
	if len(parts) == 0 {
		return "", false, fmt.Errorf("webページから何も抽出できませんでした")
	}
	isTitleOnly := len(parts) == 1 && strings.HasPrefix(parts[0], titlePrefix)
	if isTitleOnly {
		return parts[0], false, nil
	}
	return strings.Join(parts, "\n\n"), true, nil
}
