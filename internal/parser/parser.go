// Package parser reads extraction output into pages of blocks.
//
// An extraction directory holds one reference.jsonl file with the reference
// layout plus one file per candidate engine: <engine>.jsonl, <engine>.hocr
// or Markdown pages (<engine>.md, <engine>.<anything>.md).
package parser

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/boblangley/blockrecon/internal/types"
)

// ReferenceFile is the name of the reference layout inside a directory.
const ReferenceFile = "reference.jsonl"

// ReferenceEngine is the engine name attributed to reference blocks.
const ReferenceEngine = "reference"

// Document is the parsed content of one extraction directory.
type Document struct {
	Dir        string
	Reference  map[int][]types.Block
	Candidates map[string]map[int][]types.Block
}

// Engines returns candidate engine names in sorted order.
func (d *Document) Engines() []string {
	engines := make([]string, 0, len(d.Candidates))
	for e := range d.Candidates {
		engines = append(engines, e)
	}
	sort.Strings(engines)
	return engines
}

// ReferenceBlocks flattens the reference pages in page order.
func (d *Document) ReferenceBlocks() []types.Block {
	return Flatten(d.Reference)
}

// Flatten returns every block, ordered by page and then input order.
func Flatten(pages map[int][]types.Block) []types.Block {
	numbers := make([]int, 0, len(pages))
	for p := range pages {
		numbers = append(numbers, p)
	}
	sort.Ints(numbers)

	var blocks []types.Block
	for _, p := range numbers {
		blocks = append(blocks, pages[p]...)
	}
	return blocks
}

// LoadDirectory parses every extraction file in dir. Subdirectories and
// hidden files are ignored.
func LoadDirectory(dir string) (*Document, error) {
	ref, err := readJSONLFile(filepath.Join(dir, ReferenceFile), types.BBoxXYWH)
	if err != nil {
		return nil, fmt.Errorf("load reference: %w", err)
	}

	doc := &Document{
		Dir:        dir,
		Reference:  ref,
		Candidates: make(map[string]map[int][]types.Block),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == ReferenceFile || !IsExtractionFile(e.Name()) {
			continue
		}
		engine, pages, err := ParseFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		merged := doc.Candidates[engine]
		if merged == nil {
			merged = make(map[int][]types.Block)
			doc.Candidates[engine] = merged
		}
		for p, blocks := range pages {
			merged[p] = append(merged[p], blocks...)
		}
	}

	return doc, nil
}

// IsExtractionFile reports whether a file name looks like engine output.
func IsExtractionFile(name string) bool {
	base := filepath.Base(name)
	if shouldSkipFile(base) {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".jsonl", ".hocr", ".md":
		return true
	}
	return false
}

// EngineName derives the engine from a file name: everything before the
// first dot.
func EngineName(path string) string {
	base := filepath.Base(path)
	if i := strings.Index(base, "."); i > 0 {
		return base[:i]
	}
	return base
}

// ParseFile parses one candidate engine file and returns its engine name
// and pages. Markdown frontmatter may override the engine name.
func ParseFile(path string) (string, map[int][]types.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	engine := EngineName(path)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl":
		pages, err := ReadBlocksJSONL(strings.NewReader(string(data)), types.BBoxCorners)
		if err != nil {
			return "", nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
		return engine, pages, nil
	case ".hocr":
		pages, err := ParseHOCR(data, LevelLine)
		if err != nil {
			return "", nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
		return engine, pages, nil
	case ".md":
		page, err := ParseMarkdownPage(string(data), engine)
		if err != nil {
			return "", nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
		return page.Engine, map[int][]types.Block{page.Page: page.Blocks}, nil
	}
	return "", nil, fmt.Errorf("parse %s: unsupported file type", filepath.Base(path))
}

func shouldSkipFile(base string) bool {
	// Hidden files and editor leftovers
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return true
	}
	return false
}
