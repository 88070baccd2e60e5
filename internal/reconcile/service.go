// Package reconcile wires the matcher, change tracker, propagation detector
// and source ranker into one service, optionally mirrored into the graph
// database and the telemetry store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/boblangley/blockrecon/internal/config"
	"github.com/boblangley/blockrecon/internal/db"
	"github.com/boblangley/blockrecon/internal/matcher"
	"github.com/boblangley/blockrecon/internal/parser"
	"github.com/boblangley/blockrecon/internal/propagation"
	"github.com/boblangley/blockrecon/internal/ranker"
	"github.com/boblangley/blockrecon/internal/telemetry"
	"github.com/boblangley/blockrecon/internal/tracker"
	"github.com/boblangley/blockrecon/internal/types"
)

var (
	// ErrUnknownBlock is returned for a block without history.
	ErrUnknownBlock = errors.New("unknown block")

	// ErrUnknownChange is returned for a change id that was never issued,
	// or that belongs to another block.
	ErrUnknownChange = errors.New("unknown change")
)

// Config holds service dependencies. Only Engine is required.
type Config struct {
	Engine config.Config

	// Tracker to record into; a fresh one is created when nil.
	Tracker *tracker.Tracker

	// DB mirrors histories, matches and adjacency when set.
	DB *db.GraphDB

	// Telemetry records match run coverage when set.
	Telemetry *telemetry.Store

	Logger *slog.Logger
}

// Service is safe for concurrent use. Runs are serialized.
type Service struct {
	cfg       config.Config
	matcher   *matcher.Matcher
	tracker   *tracker.Tracker
	detector  *propagation.Detector
	ranker    *ranker.Ranker
	db        *db.GraphDB
	telemetry *telemetry.Store
	logger    *slog.Logger

	runMu sync.Mutex

	mu        sync.RWMutex
	neighbors map[string][]string
}

// New creates a service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tr := cfg.Tracker
	if tr == nil {
		tr = tracker.New(tracker.WithLogger(logger))
	}

	return &Service{
		cfg:       cfg.Engine,
		matcher:   matcher.New(cfg.Engine.Matcher, cfg.Engine.Filter, logger),
		tracker:   tr,
		detector:  propagation.NewDetector(cfg.Engine.Propagation),
		ranker:    ranker.New(cfg.Engine.Ranker),
		db:        cfg.DB,
		telemetry: cfg.Telemetry,
		logger:    logger,
	}
}

// Tracker returns the underlying tracker.
func (s *Service) Tracker() *tracker.Tracker {
	return s.tracker
}

// EngineResult is the outcome of matching one candidate engine.
type EngineResult struct {
	Engine  string          `json:"engine"`
	RunID   string          `json:"run_id,omitempty"`
	Matches []types.Match   `json:"matches"`
	Summary matcher.Summary `json:"summary"`
}

// RunResult is the outcome of Run.
type RunResult struct {
	Engines   []EngineResult `json:"engines"`
	Baselined int            `json:"baselined"`
	Neighbors int            `json:"neighbors"`
}

// Run matches every candidate engine of doc against its reference layout,
// baselines reference blocks that have no history yet and derives block
// adjacency from the reference geometry.
func (s *Service) Run(ctx context.Context, doc *parser.Document) (RunResult, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	var result RunResult
	for _, engine := range doc.Engines() {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		er, err := s.matchEngine(ctx, engine, doc.Reference, doc.Candidates[engine])
		if err != nil {
			return result, err
		}
		result.Engines = append(result.Engines, er)
	}

	refBlocks := doc.ReferenceBlocks()
	for _, b := range refBlocks {
		if _, ok := s.tracker.History(b.ID); ok {
			continue
		}
		source := types.SourceAttribution{EngineName: parser.ReferenceEngine, ConfidenceScore: 1}
		if b.Confidence > 0 {
			source.ConfidenceScore = b.Confidence
		}
		if _, err := s.tracker.RecordInitialExtract(b.ID, b.Text, source); err != nil {
			return result, fmt.Errorf("baseline %s: %w", b.ID, err)
		}
		result.Baselined++
	}

	neighbors := propagation.NeighborsFromLayout(refBlocks, s.cfg.Neighbors.Margin)
	s.mu.Lock()
	s.neighbors = neighbors
	s.mu.Unlock()
	result.Neighbors = len(neighbors)

	if s.db != nil {
		if err := s.db.IndexBlocks(ctx, refBlocks); err != nil {
			return result, fmt.Errorf("index blocks: %w", err)
		}
		if err := s.db.IndexNeighbors(ctx, neighbors); err != nil {
			return result, fmt.Errorf("index neighbors: %w", err)
		}
		if err := s.db.IndexHistories(ctx, s.tracker.Histories()); err != nil {
			return result, fmt.Errorf("index histories: %w", err)
		}
	}

	s.logger.Info("reconcile run complete",
		"dir", doc.Dir,
		"engines", len(result.Engines),
		"baselined", result.Baselined)
	return result, nil
}

func (s *Service) matchEngine(ctx context.Context, engine string, reference, candidates map[int][]types.Block) (EngineResult, error) {
	start := time.Now()
	matches := s.matcher.Match(reference, candidates)
	summary := s.matcher.Summarize(candidates, matches)
	elapsed := time.Since(start)

	er := EngineResult{Engine: engine, Matches: matches, Summary: summary}
	if er.Matches == nil {
		er.Matches = []types.Match{}
	}

	if s.telemetry != nil {
		id, err := s.telemetry.RecordRun(ctx, engine, summary, elapsed)
		if err != nil {
			s.logger.Warn("record match run failed", "engine", engine, "error", err)
		}
		er.RunID = id
	}

	if s.db != nil {
		if err := s.db.DeleteEngine(ctx, engine); err != nil {
			return er, fmt.Errorf("clear engine %s: %w", engine, err)
		}
		if err := s.db.IndexMatches(ctx, engine, candidates, matches); err != nil {
			return er, fmt.Errorf("index matches for %s: %w", engine, err)
		}
	}

	s.logger.Info("engine matched",
		"engine", engine,
		"matches", len(matches),
		"coverage", summary.Coverage,
		"duration", elapsed)
	return er, nil
}

// Match runs the matcher without touching histories, graph or telemetry.
func (s *Service) Match(reference, candidates map[int][]types.Block) ([]types.Match, matcher.Summary) {
	matches := s.matcher.Match(reference, candidates)
	return matches, s.matcher.Summarize(candidates, matches)
}

// SetNeighbors replaces the adjacency map used by Propagate.
func (s *Service) SetNeighbors(neighbors map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.neighbors = neighbors
}

// Neighbors returns the adjacency map: the one derived by the last Run, or
// the one stored in the graph.
func (s *Service) Neighbors(ctx context.Context) (map[string][]string, error) {
	s.mu.RLock()
	n := s.neighbors
	s.mu.RUnlock()
	if n != nil || s.db == nil {
		return n, nil
	}

	loaded, err := s.db.LoadNeighbors(ctx)
	if err != nil {
		return nil, err
	}
	s.SetNeighbors(loaded)
	return loaded, nil
}

// Propagate traces the recalculations caused by a change of blockID. An
// empty changeID means the block's latest change.
func (s *Service) Propagate(ctx context.Context, blockID, changeID string) (types.PropagationChain, error) {
	h, ok := s.tracker.History(blockID)
	if !ok {
		return types.PropagationChain{}, fmt.Errorf("propagate %q: %w", blockID, ErrUnknownBlock)
	}

	trigger := h.Latest()
	if changeID != "" {
		c, ok := s.tracker.Change(changeID)
		if !ok || c.BlockID != blockID {
			return types.PropagationChain{}, fmt.Errorf("propagate %q from %q: %w", blockID, changeID, ErrUnknownChange)
		}
		trigger = c
	}

	neighbors, err := s.Neighbors(ctx)
	if err != nil {
		return types.PropagationChain{}, fmt.Errorf("load neighbors: %w", err)
	}
	return s.detector.Detect(blockID, trigger, s.tracker.Histories(), neighbors), nil
}

// Metrics returns accuracy metrics per source.
func (s *Service) Metrics(includeConfig bool) map[string]types.AccuracyMetrics {
	return s.ranker.CalculateAccuracyMetrics(s.tracker.Histories(), includeConfig)
}

// Rank ranks every source seen in the histories.
func (s *Service) Rank(includeConfig bool) types.SourceRanking {
	return s.ranker.Rank(s.tracker.Histories(), includeConfig)
}

// Compare compares two sources head to head.
func (s *Service) Compare(a, b string, includeConfig bool) (types.SourceComparison, error) {
	return s.ranker.CompareSources(a, b, s.tracker.Histories(), includeConfig)
}

// SaveHistories exports every history to path.
func (s *Service) SaveHistories(path string) error {
	if err := s.tracker.ExportFile(path); err != nil {
		return fmt.Errorf("save histories: %w", err)
	}
	s.logger.Info("histories saved", "path", path, "blocks", s.tracker.Len())
	return nil
}

// LoadHistories imports histories from path. A missing file is not an error.
func (s *Service) LoadHistories(ctx context.Context, path string) (int, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	n, err := s.tracker.ImportFile(path)
	if err != nil {
		return 0, fmt.Errorf("load histories: %w", err)
	}
	if s.db != nil {
		if err := s.db.IndexHistories(ctx, s.tracker.Histories()); err != nil {
			return n, fmt.Errorf("index histories: %w", err)
		}
	}
	s.logger.Info("histories loaded", "path", path, "blocks", n)
	return n, nil
}

// DropEngine forgets an engine's candidates, for when its output file is
// removed. Histories are untouched.
func (s *Service) DropEngine(ctx context.Context, engine string) error {
	if s.db == nil {
		return nil
	}
	if err := s.db.DeleteEngine(ctx, engine); err != nil {
		return fmt.Errorf("drop engine %s: %w", engine, err)
	}
	s.logger.Info("engine dropped", "engine", engine)
	return nil
}
