package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/boblangley/blockrecon/internal/tracker"
	"github.com/boblangley/blockrecon/internal/types"
)

// ErrMissingField is returned when a record request lacks a field its
// change type needs.
var ErrMissingField = errors.New("missing field")

// RecordRequest describes one change for Record. Which optional fields are
// used depends on Type.
type RecordRequest struct {
	BlockID string
	Type    types.ChangeType
	Text    string
	Source  types.SourceAttribution

	// ConsensusScore is required for consensus selections.
	ConsensusScore *float64
	// UserID is required for manual overrides.
	UserID string
	Reason string
	// TriggerBlockID is required for recalculations.
	TriggerBlockID string
	// Merged lists the contributing sources of a merge result.
	Merged            []types.SourceAttribution
	Alternatives      []types.SourceAttribution
	AffectedNeighbors []string
}

// Record appends a change to a block's history and mirrors the history into
// the graph.
func (s *Service) Record(ctx context.Context, req RecordRequest) (types.BlockChange, error) {
	if req.BlockID == "" {
		return types.BlockChange{}, fmt.Errorf("record: block id: %w", ErrMissingField)
	}
	if req.Source.EngineName == "" {
		return types.BlockChange{}, fmt.Errorf("record %q: engine name: %w", req.BlockID, ErrMissingField)
	}

	var opts []tracker.ChangeOption
	if len(req.Alternatives) > 0 {
		opts = append(opts, tracker.WithAlternatives(req.Alternatives...))
	}
	if len(req.AffectedNeighbors) > 0 {
		opts = append(opts, tracker.WithAffectedNeighbors(req.AffectedNeighbors...))
	}

	t := s.tracker
	var (
		change types.BlockChange
		err    error
	)
	switch req.Type {
	case types.ChangeInitialExtract:
		change, err = t.RecordInitialExtract(req.BlockID, req.Text, req.Source, opts...)
	case types.ChangeConsensusSelection:
		if req.ConsensusScore == nil {
			return types.BlockChange{}, fmt.Errorf("record %q: consensus score: %w", req.BlockID, ErrMissingField)
		}
		change, err = t.RecordConsensusSelection(req.BlockID, req.Text, req.Source, *req.ConsensusScore, opts...)
	case types.ChangeManualOverride:
		if req.UserID == "" {
			return types.BlockChange{}, fmt.Errorf("record %q: user id: %w", req.BlockID, ErrMissingField)
		}
		change, err = t.RecordManualOverride(req.BlockID, req.Text, req.Source, req.UserID, req.Reason, opts...)
	case types.ChangeRecalculation:
		if req.TriggerBlockID == "" {
			return types.BlockChange{}, fmt.Errorf("record %q: trigger block id: %w", req.BlockID, ErrMissingField)
		}
		change, err = t.RecordRecalculation(req.BlockID, req.Text, req.Source, req.TriggerBlockID, opts...)
	case types.ChangeMergeResult:
		change, err = t.RecordMergeResult(req.BlockID, req.Text, req.Source, req.Merged, opts...)
	case types.ChangeCorrection:
		change, err = t.RecordCorrection(req.BlockID, req.Text, req.Source, req.Reason, opts...)
	default:
		return types.BlockChange{}, fmt.Errorf("record %q: unsupported change type %s", req.BlockID, req.Type)
	}
	if err != nil {
		return types.BlockChange{}, err
	}

	if s.db != nil {
		if h, ok := t.History(req.BlockID); ok {
			if err := s.db.IndexHistories(ctx, map[string]types.ChangeHistory{h.BlockID: h}); err != nil {
				s.logger.Warn("index history failed", "block", req.BlockID, "error", err)
			}
		}
	}
	return change, nil
}
