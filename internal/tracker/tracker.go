// Package tracker records the append-only text history of every block.
//
// A Tracker owns all histories and the change-id counter. Each block gets
// exactly one initial extract; every later change is appended and moves the
// block's current text forward. Nothing is ever rewritten or removed.
package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/boblangley/blockrecon/internal/types"
)

var (
	// ErrNoBaseline is returned when a change is recorded for a block that
	// has no initial extract.
	ErrNoBaseline = errors.New("block has no initial extract")

	// ErrDuplicateBaseline is returned when a block's initial extract is
	// recorded twice.
	ErrDuplicateBaseline = errors.New("block already has an initial extract")
)

// Observer is called with every recorded change, outside the tracker lock.
type Observer func(types.BlockChange)

// Option configures a Tracker.
type Option func(*Tracker)

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(t *Tracker) {
		t.observers = append(t.observers, o)
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithClock replaces time.Now for change timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// Tracker holds the change histories of all blocks.
type Tracker struct {
	mu        sync.RWMutex
	histories map[string]*types.ChangeHistory
	order     []string
	counter   int

	observers []Observer
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an empty tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		histories: make(map[string]*types.ChangeHistory),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

// ChangeOption sets optional fields of a recorded change.
type ChangeOption func(*types.BlockChange)

// WithConsensusScore attaches the consensus score behind the change.
func WithConsensusScore(score float64) ChangeOption {
	return func(c *types.BlockChange) {
		c.ConsensusScore = &score
	}
}

// WithAlternatives records the sources that were considered but not chosen.
func WithAlternatives(sources ...types.SourceAttribution) ChangeOption {
	return func(c *types.BlockChange) {
		c.AlternativeSources = append(c.AlternativeSources, sources...)
	}
}

// WithAffectedNeighbors lists blocks expected to be recalculated.
func WithAffectedNeighbors(blockIDs ...string) ChangeOption {
	return func(c *types.BlockChange) {
		c.AffectedNeighbors = append(c.AffectedNeighbors, blockIDs...)
	}
}

// WithMetadata sets one metadata entry.
func WithMetadata(key string, value any) ChangeOption {
	return func(c *types.BlockChange) {
		if c.Metadata == nil {
			c.Metadata = make(map[string]any)
		}
		c.Metadata[key] = value
	}
}

// WithUser records who made the change.
func WithUser(userID string) ChangeOption {
	return func(c *types.BlockChange) {
		c.UserID = userID
	}
}

// WithReason records why the change was made.
func WithReason(reason string) ChangeOption {
	return func(c *types.BlockChange) {
		c.ChangeReason = reason
	}
}

// RecordInitialExtract writes the immutable baseline of a block.
func (t *Tracker) RecordInitialExtract(blockID, text string, source types.SourceAttribution, opts ...ChangeOption) (types.BlockChange, error) {
	return t.record(blockID, types.ChangeInitialExtract, text, source, opts)
}

// RecordConsensusSelection records the text chosen by consensus.
func (t *Tracker) RecordConsensusSelection(blockID, text string, source types.SourceAttribution, score float64, opts ...ChangeOption) (types.BlockChange, error) {
	return t.record(blockID, types.ChangeConsensusSelection, text, source, prepend(opts, WithConsensusScore(score)))
}

// RecordManualOverride records a text set by a person.
func (t *Tracker) RecordManualOverride(blockID, text string, source types.SourceAttribution, userID, reason string, opts ...ChangeOption) (types.BlockChange, error) {
	return t.record(blockID, types.ChangeManualOverride, text, source, prepend(opts, WithUser(userID), WithReason(reason)))
}

// RecordRecalculation records a text recomputed because a neighbor changed.
// triggerBlockID names that neighbor.
func (t *Tracker) RecordRecalculation(blockID, text string, source types.SourceAttribution, triggerBlockID string, opts ...ChangeOption) (types.BlockChange, error) {
	return t.record(blockID, types.ChangeRecalculation, text, source, prepend(opts, WithMetadata(types.MetaTriggerBlockID, triggerBlockID)))
}

// RecordMergeResult records a text assembled from several sources.
func (t *Tracker) RecordMergeResult(blockID, text string, source types.SourceAttribution, merged []types.SourceAttribution, opts ...ChangeOption) (types.BlockChange, error) {
	return t.record(blockID, types.ChangeMergeResult, text, source, prepend(opts, WithAlternatives(merged...)))
}

// RecordCorrection records a fix applied by post-processing.
func (t *Tracker) RecordCorrection(blockID, text string, source types.SourceAttribution, reason string, opts ...ChangeOption) (types.BlockChange, error) {
	return t.record(blockID, types.ChangeCorrection, text, source, prepend(opts, WithReason(reason)))
}

func prepend(opts []ChangeOption, first ...ChangeOption) []ChangeOption {
	return append(first, opts...)
}

func (t *Tracker) record(blockID string, ct types.ChangeType, text string, source types.SourceAttribution, opts []ChangeOption) (types.BlockChange, error) {
	change := types.BlockChange{
		BlockID:           blockID,
		ChangeType:        ct,
		NewText:           text,
		SourceAttribution: normalizeSource(source),
	}
	for _, opt := range opts {
		opt(&change)
	}
	normalizeChange(&change)

	t.mu.Lock()
	h, exists := t.histories[blockID]
	switch {
	case ct == types.ChangeInitialExtract && exists:
		t.mu.Unlock()
		return types.BlockChange{}, fmt.Errorf("record %s for %q: %w", ct, blockID, ErrDuplicateBaseline)
	case ct != types.ChangeInitialExtract && !exists:
		t.mu.Unlock()
		return types.BlockChange{}, fmt.Errorf("record %s for %q: %w", ct, blockID, ErrNoBaseline)
	}

	t.counter++
	change.ChangeID = formatChangeID(t.counter)
	change.Timestamp = t.now().UTC().Round(0)

	if ct == types.ChangeInitialExtract {
		h = &types.ChangeHistory{
			BlockID:        blockID,
			InitialExtract: change,
			CurrentText:    text,
		}
		t.histories[blockID] = h
		t.order = append(t.order, blockID)
	} else {
		prev := h.CurrentText
		change.PreviousText = &prev
		h.Changes = append(h.Changes, change)
		h.CurrentText = text
		switch ct {
		case types.ChangeRecalculation:
			h.RecalculationCount++
		case types.ChangeManualOverride:
			h.ManualOverrideCount++
		}
	}
	out := copyChange(change)
	t.mu.Unlock()

	t.logger.Debug("Recorded change",
		"change", out.ChangeID,
		"block", blockID,
		"type", ct.String(),
		"engine", source.EngineName)

	for _, o := range t.observers {
		o(copyChange(out))
	}
	return out, nil
}

func formatChangeID(n int) string {
	return fmt.Sprintf("chg-%08d", n)
}

// History returns a copy of a block's history.
func (t *Tracker) History(blockID string) (types.ChangeHistory, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, ok := t.histories[blockID]
	if !ok {
		return types.ChangeHistory{}, false
	}
	return copyHistory(h), true
}

// CurrentText returns a block's current text.
func (t *Tracker) CurrentText(blockID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, ok := t.histories[blockID]
	if !ok {
		return "", false
	}
	return h.CurrentText, true
}

// Change looks up a change by id.
func (t *Tracker) Change(changeID string) (types.BlockChange, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, id := range t.order {
		for _, c := range t.histories[id].All() {
			if c.ChangeID == changeID {
				return copyChange(c), true
			}
		}
	}
	return types.BlockChange{}, false
}

// Snapshot returns copies of all histories in insertion order.
func (t *Tracker) Snapshot() []types.ChangeHistory {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.ChangeHistory, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, copyHistory(t.histories[id]))
	}
	return out
}

// Histories returns copies of all histories keyed by block id.
func (t *Tracker) Histories() map[string]types.ChangeHistory {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]types.ChangeHistory, len(t.histories))
	for id, h := range t.histories {
		out[id] = copyHistory(h)
	}
	return out
}

// Len returns the number of tracked blocks.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.histories)
}

// Statistics aggregates the tracked histories.
type Statistics struct {
	TotalBlocks              int            `json:"total_blocks"`
	TotalChanges             int            `json:"total_changes"`
	ChangesByType            map[string]int `json:"changes_by_type"`
	BlocksWithOverrides      int            `json:"blocks_with_overrides"`
	BlocksWithRecalculations int            `json:"blocks_with_recalculations"`
	Engines                  []string       `json:"engines"`
}

// Statistics returns aggregate counts. Baselines count as changes of type
// initial_extract.
func (t *Tracker) Statistics() Statistics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := Statistics{
		TotalBlocks:   len(t.histories),
		ChangesByType: make(map[string]int, len(types.ChangeTypes)),
		Engines:       []string{},
	}
	for _, ct := range types.ChangeTypes {
		stats.ChangesByType[ct.String()] = 0
	}

	engines := make(map[string]bool)
	for _, h := range t.histories {
		for _, c := range h.All() {
			stats.TotalChanges++
			stats.ChangesByType[c.ChangeType.String()]++
			if name := c.SourceAttribution.EngineName; name != "" {
				engines[name] = true
			}
		}
		if h.ManualOverrideCount > 0 {
			stats.BlocksWithOverrides++
		}
		if h.RecalculationCount > 0 {
			stats.BlocksWithRecalculations++
		}
	}

	for name := range engines {
		stats.Engines = append(stats.Engines, name)
	}
	sort.Strings(stats.Engines)
	return stats
}

// normalizeChange drops empty collections and canonicalizes open maps so
// that an exported and re-imported change compares equal to the original.
func normalizeChange(c *types.BlockChange) {
	if len(c.AlternativeSources) == 0 {
		c.AlternativeSources = nil
	}
	for i := range c.AlternativeSources {
		c.AlternativeSources[i] = normalizeSource(c.AlternativeSources[i])
	}
	if len(c.AffectedNeighbors) == 0 {
		c.AffectedNeighbors = nil
	}
	c.Metadata = canonicalMap(c.Metadata)
}

func normalizeSource(s types.SourceAttribution) types.SourceAttribution {
	s.ConfigurationParams = canonicalMap(s.ConfigurationParams)
	s.ExtractionMetadata = canonicalMap(s.ExtractionMetadata)
	if s.ProcessingTimestamp != nil {
		ts := s.ProcessingTimestamp.UTC().Round(0)
		s.ProcessingTimestamp = &ts
	}
	return s
}

// canonicalMap returns m as it reads back from JSON: numbers become
// float64, slices []any, nested objects map[string]any. Empty maps become
// nil. A map that cannot be encoded is returned unchanged.
func canonicalMap(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return m
	}
	return out
}

func copyHistory(h *types.ChangeHistory) types.ChangeHistory {
	out := *h
	out.InitialExtract = copyChange(h.InitialExtract)
	if h.Changes != nil {
		out.Changes = make([]types.BlockChange, len(h.Changes))
		for i, c := range h.Changes {
			out.Changes[i] = copyChange(c)
		}
	}
	return out
}

func copyChange(c types.BlockChange) types.BlockChange {
	out := c
	if c.PreviousText != nil {
		prev := *c.PreviousText
		out.PreviousText = &prev
	}
	if c.ConsensusScore != nil {
		score := *c.ConsensusScore
		out.ConsensusScore = &score
	}
	out.SourceAttribution = copySource(c.SourceAttribution)
	if c.AlternativeSources != nil {
		out.AlternativeSources = make([]types.SourceAttribution, len(c.AlternativeSources))
		for i, s := range c.AlternativeSources {
			out.AlternativeSources[i] = copySource(s)
		}
	}
	if c.AffectedNeighbors != nil {
		out.AffectedNeighbors = append([]string(nil), c.AffectedNeighbors...)
	}
	out.Metadata = copyMap(c.Metadata)
	return out
}

func copySource(s types.SourceAttribution) types.SourceAttribution {
	out := s
	out.ConfigurationParams = copyMap(s.ConfigurationParams)
	out.ExtractionMetadata = copyMap(s.ExtractionMetadata)
	if s.ProcessingTimestamp != nil {
		ts := *s.ProcessingTimestamp
		out.ProcessingTimestamp = &ts
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
