package tracker

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/boblangley/blockrecon/internal/types"
)

// Export writes one JSON object per block history, one per line, in
// insertion order.
func (t *Tracker) Export(w io.Writer) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, h := range t.Snapshot() {
		if err := enc.Encode(h); err != nil {
			return fmt.Errorf("encode history %q: %w", h.BlockID, err)
		}
	}
	return bw.Flush()
}

// Import reads histories written by Export. Every history is validated
// before any is added, so a failed import leaves the tracker unchanged.
// The change-id counter is moved past the highest imported id.
func (t *Tracker) Import(r io.Reader) (int, error) {
	dec := json.NewDecoder(r)
	var imported []types.ChangeHistory
	for n := 1; ; n++ {
		var h types.ChangeHistory
		err := dec.Decode(&h)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("decode history %d: %w", n, err)
		}
		if err := validateHistory(h); err != nil {
			return 0, fmt.Errorf("history %d: %w", n, err)
		}
		imported = append(imported, h)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]bool, len(imported))
	for _, h := range imported {
		if _, ok := t.histories[h.BlockID]; ok || seen[h.BlockID] {
			return 0, fmt.Errorf("import %q: %w", h.BlockID, ErrDuplicateBaseline)
		}
		seen[h.BlockID] = true
	}

	for i := range imported {
		h := copyHistory(&imported[i])
		t.histories[h.BlockID] = &h
		t.order = append(t.order, h.BlockID)
		for _, c := range h.All() {
			if n, ok := parseChangeID(c.ChangeID); ok && n > t.counter {
				t.counter = n
			}
		}
	}
	return len(imported), nil
}

func validateHistory(h types.ChangeHistory) error {
	if h.BlockID == "" {
		return fmt.Errorf("missing block id")
	}
	if h.InitialExtract.ChangeType != types.ChangeInitialExtract {
		return fmt.Errorf("block %q: baseline has type %s", h.BlockID, h.InitialExtract.ChangeType)
	}

	recalcs, overrides := 0, 0
	for _, c := range h.All() {
		if c.BlockID != h.BlockID {
			return fmt.Errorf("block %q: change %s belongs to %q", h.BlockID, c.ChangeID, c.BlockID)
		}
		switch c.ChangeType {
		case types.ChangeRecalculation:
			recalcs++
		case types.ChangeManualOverride:
			overrides++
		}
	}
	for _, c := range h.Changes {
		if c.ChangeType == types.ChangeInitialExtract {
			return fmt.Errorf("block %q: second initial extract %s", h.BlockID, c.ChangeID)
		}
	}

	if h.CurrentText != h.Latest().NewText {
		return fmt.Errorf("block %q: current text does not match latest change", h.BlockID)
	}
	if h.RecalculationCount != recalcs || h.ManualOverrideCount != overrides {
		return fmt.Errorf("block %q: counters do not match changes", h.BlockID)
	}
	return nil
}

func parseChangeID(id string) (int, bool) {
	digits, ok := strings.CutPrefix(id, "chg-")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	return n, err == nil
}

// ExportFile exports to path, xz-compressed when path ends in ".xz".
func (t *Tracker) ExportFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export: %w", err)
	}
	defer f.Close()

	if !strings.HasSuffix(path, ".xz") {
		if err := t.Export(f); err != nil {
			return err
		}
		return f.Close()
	}

	xw, err := xz.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create xz writer: %w", err)
	}
	if err := t.Export(xw); err != nil {
		return err
	}
	if err := xw.Close(); err != nil {
		return fmt.Errorf("close xz writer: %w", err)
	}
	return f.Close()
}

// ImportFile imports from path, decompressing when path ends in ".xz".
func (t *Tracker) ImportFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open export: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".xz") {
		xr, err := xz.NewReader(f)
		if err != nil {
			return 0, fmt.Errorf("create xz reader: %w", err)
		}
		r = xr
	}
	return t.Import(r)
}
