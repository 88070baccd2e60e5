package parser

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"

	"github.com/boblangley/blockrecon/internal/types"
)

// HOCRLevel selects which hOCR elements become blocks.
type HOCRLevel string

const (
	LevelLine      HOCRLevel = "line"
	LevelWord      HOCRLevel = "word"
	LevelParagraph HOCRLevel = "paragraph"
)

// Line-like classes as emitted by tesseract.
var levelClasses = map[HOCRLevel]map[string]bool{
	LevelLine:      {"ocr_line": true, "ocr_caption": true, "ocr_header": true, "ocr_textfloat": true},
	LevelWord:      {"ocrx_word": true},
	LevelParagraph: {"ocr_par": true},
}

var (
	pageExpr    = xpath.MustCompile(`//*[contains(@class, 'ocr_page')]`)
	classedExpr = xpath.MustCompile(`.//*[@class]`)
	wordExpr    = xpath.MustCompile(`.//*[contains(@class, 'ocrx_word')]`)
)

// ParseHOCR reads hOCR markup into pages of corner-format blocks. The page
// number comes from ppageno, falling back to document order. Block ids are
// the element ids, or p<page>_<n> when missing.
func ParseHOCR(data []byte, level HOCRLevel) (map[int][]types.Block, error) {
	classes, ok := levelClasses[level]
	if !ok {
		return nil, fmt.Errorf("unknown hocr level %q", level)
	}

	root, err := xmlquery.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse hocr: %w", err)
	}

	pages := make(map[int][]types.Block)
	for order, pageNode := range xmlquery.QuerySelectorAll(root, pageExpr) {
		props, err := parseTitle(pageNode.SelectAttr("title"))
		if err != nil {
			return nil, fmt.Errorf("page %d title: %w", order, err)
		}
		number := order
		if v, ok := props.integer("ppageno"); ok {
			number = v
		}

		n := 0
		for _, el := range xmlquery.QuerySelectorAll(pageNode, classedExpr) {
			if !hasClass(el.SelectAttr("class"), classes) {
				continue
			}
			n++
			b, err := hocrBlock(el, level, number, n)
			if err != nil {
				return nil, err
			}
			if b.Text == "" {
				continue
			}
			pages[number] = append(pages[number], b)
		}
	}
	return pages, nil
}

func hocrBlock(el *xmlquery.Node, level HOCRLevel, page, n int) (types.Block, error) {
	id := el.SelectAttr("id")
	if id == "" {
		id = fmt.Sprintf("p%d_%d", page, n)
	}

	props, err := parseTitle(el.SelectAttr("title"))
	if err != nil {
		return types.Block{}, fmt.Errorf("element %s title: %w", id, err)
	}

	b := types.Block{
		ID:         id,
		Page:       page,
		BBox:       props.floats("bbox", 4),
		BBoxFormat: types.BBoxCorners,
	}

	if level == LevelWord {
		b.Text = strings.TrimSpace(el.InnerText())
		if conf, ok := props.float("x_wconf"); ok {
			b.Confidence = conf / 100
		}
		return b, nil
	}

	// Lines and paragraphs join their words and average word confidence
	var words []string
	var confSum float64
	var confN int
	for _, w := range xmlquery.QuerySelectorAll(el, wordExpr) {
		text := strings.TrimSpace(w.InnerText())
		if text == "" {
			continue
		}
		words = append(words, text)
		if wp, err := parseTitle(w.SelectAttr("title")); err == nil {
			if conf, ok := wp.float("x_wconf"); ok {
				confSum += conf
				confN++
			}
		}
	}
	if len(words) == 0 {
		words = strings.Fields(el.InnerText())
	}
	b.Text = strings.Join(words, " ")
	if confN > 0 {
		b.Confidence = confSum / float64(confN) / 100
	}
	return b, nil
}

func hasClass(attr string, want map[string]bool) bool {
	for _, c := range strings.Fields(attr) {
		if want[c] {
			return true
		}
	}
	return false
}

// ==================== title grammar ====================

// hOCR packs element properties into the title attribute:
//
//	bbox 10 20 110 40; x_wconf 93; image "page-1.png"

type titleProps struct {
	Props []*titleProp `parser:"( @@ | \";\" )*"`
}

type titleProp struct {
	Key    string   `parser:"@Ident"`
	Values []string `parser:"( @Number | @String | @Ident | @Path )*"`
}

var titleLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "String", Pattern: `"[^"]*"`},
	{Name: "Number", Pattern: `[-+]?\d+(\.\d+)?`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Punct", Pattern: `;`},
	{Name: "Path", Pattern: `[^\s;"]+`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var titleParser = participle.MustBuild[titleProps](
	participle.Lexer(titleLexer),
	participle.Elide("Whitespace"),
)

type propMap map[string][]string

func parseTitle(title string) (propMap, error) {
	props := make(propMap)
	if strings.TrimSpace(title) == "" {
		return props, nil
	}
	parsed, err := titleParser.ParseString("", title)
	if err != nil {
		return nil, err
	}
	for _, p := range parsed.Props {
		values := make([]string, len(p.Values))
		for i, v := range p.Values {
			values[i] = strings.Trim(v, `"`)
		}
		props[p.Key] = values
	}
	return props, nil
}

func (p propMap) float(key string) (float64, bool) {
	v := p[key]
	if len(v) == 0 {
		return 0, false
	}
	f, err := strconv.ParseFloat(v[0], 64)
	return f, err == nil
}

func (p propMap) integer(key string) (int, bool) {
	f, ok := p.float(key)
	return int(f), ok
}

// floats returns exactly n numeric values, or nil.
func (p propMap) floats(key string, n int) []float64 {
	v := p[key]
	if len(v) != n {
		return nil
	}
	out := make([]float64, n)
	for i, s := range v {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		out[i] = f
	}
	return out
}
