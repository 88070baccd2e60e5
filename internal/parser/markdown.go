package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"

	"github.com/boblangley/blockrecon/internal/types"
)

var frontmatterPattern = regexp.MustCompile(`(?s)^---\s*\n(.*?)\n---\s*\n`)

var markdown = goldmark.New()

// MarkdownPage is one page of Markdown engine output.
type MarkdownPage struct {
	Engine string
	Page   int
	Blocks []types.Block
}

type pageFrontmatter struct {
	Page   *int   `yaml:"page"`
	Engine string `yaml:"engine"`
}

// ParseMarkdownPage turns Markdown output of an engine without geometry into
// blocks: one per heading, paragraph, list item, quote or code block. The
// optional YAML frontmatter names the page (default 0) and engine (default
// fallbackEngine).
func ParseMarkdownPage(content, fallbackEngine string) (MarkdownPage, error) {
	page := MarkdownPage{Engine: fallbackEngine}

	if m := frontmatterPattern.FindStringSubmatch(content); m != nil {
		var fm pageFrontmatter
		if err := yaml.Unmarshal([]byte(m[1]), &fm); err != nil {
			return MarkdownPage{}, fmt.Errorf("parse frontmatter: %w", err)
		}
		if fm.Page != nil {
			if *fm.Page < 0 {
				return MarkdownPage{}, fmt.Errorf("parse frontmatter: negative page %d", *fm.Page)
			}
			page.Page = *fm.Page
		}
		if fm.Engine != "" {
			page.Engine = fm.Engine
		}
		content = frontmatterPattern.ReplaceAllString(content, "")
	}

	source := []byte(content)
	doc := markdown.Parser().Parse(text.NewReader(source))

	n := 0
	add := func(node ast.Node) {
		t := plainText(node, source)
		if t == "" {
			return
		}
		n++
		page.Blocks = append(page.Blocks, types.Block{
			ID:   fmt.Sprintf("md%d_%d", page.Page, n),
			Page: page.Page,
			Text: t,
		})
	}

	for child := doc.FirstChild(); child != nil; child = child.NextSibling() {
		switch node := child.(type) {
		case *ast.List:
			for item := node.FirstChild(); item != nil; item = item.NextSibling() {
				add(item)
			}
		case *ast.ThematicBreak, *ast.HTMLBlock:
		default:
			add(node)
		}
	}
	return page, nil
}

// plainText renders a block without Markdown markup, whitespace collapsed.
func plainText(n ast.Node, source []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := c.(type) {
		case *ast.Text:
			sb.Write(node.Segment.Value(source))
			if node.SoftLineBreak() || node.HardLineBreak() {
				sb.WriteByte(' ')
			}
		case *ast.String:
			sb.Write(node.Value)
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := c.Lines()
			for i := 0; i < lines.Len(); i++ {
				line := lines.At(i)
				sb.Write(line.Value(source))
				sb.WriteByte(' ')
			}
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph, *ast.TextBlock, *ast.Heading:
			sb.WriteByte(' ')
		}
		return ast.WalkContinue, nil
	})
	return strings.Join(strings.Fields(sb.String()), " ")
}
