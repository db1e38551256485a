package model

import "testing"

func TestPredictionResult_Hit(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	line := f(27.5)

	tests := []struct {
		name   string
		result PredictionResult
		want   bool
	}{
		{"over hit", PredictionResult{Recommendation: RecommendOver, Line: line, ActualValue: f(31.0)}, true},
		{"over miss", PredictionResult{Recommendation: RecommendOver, Line: line, ActualValue: f(22.0)}, false},
		{"under hit", PredictionResult{Recommendation: RecommendUnder, Line: line, ActualValue: f(22.0)}, true},
		{"under miss", PredictionResult{Recommendation: RecommendUnder, Line: line, ActualValue: f(31.0)}, false},
		{"pass never hits", PredictionResult{Recommendation: RecommendPass, Line: line, ActualValue: f(31.0)}, false},
		{"ungraded", PredictionResult{Recommendation: RecommendOver, Line: line}, false},
		{"no line", PredictionResult{Recommendation: RecommendOver, ActualValue: f(31.0)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.Hit(); got != tt.want {
				t.Errorf("Hit() = %v, want %v", got, tt.want)
			}
		})
	}
}
