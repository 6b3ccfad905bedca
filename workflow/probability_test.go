package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/dealflow/entity"
)

func TestProbabilityResolver(t *testing.T) {
	tests := []struct {
		name       string
		manual     *float64
		stepID     string
		wantValue  *float64
		wantSource Source
	}{
		{"manual override", entity.Float64(0.25), "won", entity.Float64(0.25), SourceManual},
		{"manual zero is an override", entity.Float64(0), "won", entity.Float64(0), SourceManual},
		{"step probability", nil, "proposal", entity.Float64(0.6), SourceStep},
		{"string step probability", nil, "qualified", entity.Float64(0.3), SourceStep},
		{"step without probability", nil, "lost", nil, SourceNone},
		{"no step", nil, "", nil, SourceNone},
		{"unknown step", nil, "retired-step", nil, SourceNone},
	}

	resolver := NewProbabilityResolver(NewStepGraph(newTestStore(t)))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deal := testDeal()
			deal.ManualProbability = tt.manual
			deal.CurrentStepID = tt.stepID

			got, err := resolver.Resolve(context.Background(), deal)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSource, got.Source)
			if tt.wantValue == nil {
				assert.Nil(t, got.Value)
				return
			}
			require.NotNil(t, got.Value)
			assert.InDelta(t, *tt.wantValue, *got.Value, 1e-9)
		})
	}
}

func TestProbabilityResolver_ManualValueIsCopied(t *testing.T) {
	resolver := NewProbabilityResolver(NewStepGraph(newTestStore(t)))
	deal := testDeal()
	deal.ManualProbability = entity.Float64(0.4)

	got, err := resolver.Resolve(context.Background(), deal)
	require.NoError(t, err)
	*got.Value = 0.9
	assert.Equal(t, 0.4, *deal.ManualProbability)
}
