package parser

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/boblangley/blockrecon/internal/types"
)

// ReadBlocksJSONL reads one block object per line, e.g.
//
//	{"id":"b1","page":0,"text":"Grade 8","bbox":[10,20,100,30]}
//
// and groups them by page. Blank lines are skipped. Every block gets format
// as its bbox layout.
func ReadBlocksJSONL(r io.Reader, format types.BBoxFormat) (map[int][]types.Block, error) {
	pages := make(map[int][]types.Block)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		var b types.Block
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			return nil, fmt.Errorf("decode line %d: %w", line, err)
		}
		if b.ID == "" {
			return nil, fmt.Errorf("decode line %d: missing id", line)
		}
		if b.Page < 0 {
			return nil, fmt.Errorf("decode line %d: negative page %d", line, b.Page)
		}
		b.BBoxFormat = format
		pages[b.Page] = append(pages[b.Page], b)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read blocks: %w", err)
	}
	return pages, nil
}

// WriteBlocksJSONL writes pages in the format ReadBlocksJSONL reads.
func WriteBlocksJSONL(w io.Writer, pages map[int][]types.Block) error {
	enc := json.NewEncoder(w)
	for _, b := range Flatten(pages) {
		if err := enc.Encode(b); err != nil {
			return fmt.Errorf("encode block %s: %w", b.ID, err)
		}
	}
	return nil
}

func readJSONLFile(path string, format types.BBoxFormat) (map[int][]types.Block, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadBlocksJSONL(f, format)
}
