package stage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statlinehq/props-engine/internal/cascade"
	"github.com/statlinehq/props-engine/internal/model"
)

func factorySources() ComputeSources {
	return ComputeSources{
		Observations: &fakeObservations{
			byDate: map[string][]model.Observation{
				key("luka-doncic", "2025-11-14", "rawstats"): {obsWith(30)},
			},
			history: []model.Observation{obsWith(30), obsWith(24)},
		},
		Slate: &fakeSlate{entries: map[string]*model.SlateEntry{
			"luka-doncic|2025-11-14": {
				Entity:    model.Entity{ID: "luka-doncic"},
				Date:      "2025-11-14",
				GameCount: 1,
			},
		}},
		Outputs: newFakeStore(),
	}
}

func TestBuildCompute_Aggregate(t *testing.T) {
	compute, err := BuildCompute(cascade.StageSpec{
		Name:    "rawstats",
		Compute: cascade.ComputeSpec{Kind: "aggregate"},
	}, factorySources())
	require.NoError(t, err)

	payload, expected, actual, err := compute(context.Background(), "luka-doncic", "2025-11-14")
	require.NoError(t, err)
	assert.Equal(t, 1, expected)
	assert.Equal(t, 1, actual)
	assert.Equal(t, 30.0, payload["points"])
}

func TestBuildCompute_Feature(t *testing.T) {
	compute, err := BuildCompute(cascade.StageSpec{
		Name: "precompute",
		Compute: cascade.ComputeSpec{
			Kind:        "feature",
			SourceStage: "rawstats",
			StatField:   "points",
		},
	}, factorySources())
	require.NoError(t, err)

	payload, _, _, err := compute(context.Background(), "luka-doncic", "2025-11-14")
	require.NoError(t, err)
	assert.Equal(t, 27.0, payload["season_avg"])
}

func TestBuildCompute_FeatureRequiresSourceAndField(t *testing.T) {
	_, err := BuildCompute(cascade.StageSpec{
		Name:    "precompute",
		Compute: cascade.ComputeSpec{Kind: "feature", SourceStage: "rawstats"},
	}, factorySources())
	assert.ErrorContains(t, err, "stat_field")
}

func TestBuildCompute_RejectsUnknownAndMissingKinds(t *testing.T) {
	_, err := BuildCompute(cascade.StageSpec{Name: "mystery", Compute: cascade.ComputeSpec{Kind: "regress"}}, factorySources())
	assert.ErrorContains(t, err, "unknown compute kind")

	_, err = BuildCompute(cascade.StageSpec{Name: "bare"}, factorySources())
	assert.ErrorContains(t, err, "no compute configured")
}
