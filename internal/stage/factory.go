package stage

import (
	"github.com/rotisserie/eris"

	"github.com/statlinehq/props-engine/internal/cascade"
)

// ComputeSources bundles the data dependencies a compute function can draw
// from.
type ComputeSources struct {
	Observations ObservationSource
	Slate        SlateSource
	Outputs      OutputReader
}

// BuildCompute constructs the ComputeFunc a stage spec's compute section
// describes.
func BuildCompute(spec cascade.StageSpec, src ComputeSources) (ComputeFunc, error) {
	switch spec.Compute.Kind {
	case "aggregate":
		return AggregateCompute(spec.Name, src.Observations, src.Slate), nil
	case "feature":
		if spec.Compute.SourceStage == "" || spec.Compute.StatField == "" {
			return nil, eris.Errorf("stage %s: feature compute requires source_stage and stat_field", spec.Name)
		}
		return FeatureCompute(spec.Name, spec.Compute.SourceStage, spec.Compute.StatField,
			spec.Compute.OpponentStage, src.Observations, src.Slate, src.Outputs), nil
	case "":
		return nil, eris.Errorf("stage %s: no compute configured", spec.Name)
	default:
		return nil, eris.Errorf("stage %s: unknown compute kind %q", spec.Name, spec.Compute.Kind)
	}
}
