package idempotency

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/statlinehq/props-engine/internal/model"
)

// OutputReader is the slice of the store the gate needs: the previously
// persisted output for an (entity, date, stage), or nil if none exists.
type OutputReader interface {
	GetStageOutput(ctx context.Context, entityID string, date model.Date, stage string) (*model.StageOutput, error)
}

// Gate compares a candidate payload's canonical hash against the stored hash
// from the previous run. It only answers the question; persisting the new
// hash alongside the output is the caller's job.
type Gate struct {
	hasher  *Hasher
	outputs OutputReader
}

// NewGate creates a Gate over the given hasher and output reader.
func NewGate(hasher *Hasher, outputs OutputReader) *Gate {
	return &Gate{hasher: hasher, outputs: outputs}
}

// Hash exposes the underlying canonical hash for callers that persist it.
func (g *Gate) Hash(stage string, payload map[string]float64) string {
	return g.hasher.Hash(stage, payload)
}

// ShouldSkip reports whether recomputation can be skipped because the
// candidate payload hashes identically to the stored output. It always
// returns the candidate hash so the caller can persist it on compute. No
// previous output means never skip.
func (g *Gate) ShouldSkip(ctx context.Context, stage, entityID string, date model.Date, payload map[string]float64) (bool, string, error) {
	hash := g.hasher.Hash(stage, payload)

	prev, err := g.outputs.GetStageOutput(ctx, entityID, date, stage)
	if err != nil {
		return false, hash, eris.Wrapf(err, "idempotency: load previous output %s/%s@%s", stage, entityID, date)
	}
	if prev == nil {
		return false, hash, nil
	}
	return prev.ContentHash == hash, hash, nil
}
