package tracker

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/zeebo/blake3"

	"github.com/boblangley/blockrecon/internal/types"
)

// NewSourceAttribution builds an attribution stamped with the current time.
// The configuration hash is derived from params.
func NewSourceAttribution(engine string, params map[string]any, confidence float64) types.SourceAttribution {
	now := time.Now().UTC().Round(0)
	return normalizeSource(types.SourceAttribution{
		EngineName:          engine,
		ConfigurationHash:   ConfigurationHash(params),
		ConfigurationParams: params,
		ConfidenceScore:     confidence,
		ProcessingTimestamp: &now,
	})
}

// ConfigurationHash returns the first 16 hex characters of the BLAKE3 digest
// of the canonical JSON encoding of params, or "" when there are none.
// encoding/json sorts map keys, which makes the encoding canonical.
func ConfigurationHash(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	data, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}
