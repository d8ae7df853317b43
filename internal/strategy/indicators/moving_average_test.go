package indicators

import (
	"context"
	"testing"
)

func TestMovingAverage_Calculate(t *testing.T) {
	bars := closes(100, 102, 101, 103, 104)
	for i := range bars {
		bars[i].Volume = float64(10 * (i + 1))
	}

	tests := []struct {
		name          string
		config        MovingAverageConfig
		expectedValue float64
		expectError   bool
	}{
		{
			name: "SMA with sufficient data",
			config: MovingAverageConfig{
				IndicatorConfig: IndicatorConfig{Period: 3},
				Type:            SimpleMovingAverage,
			},
			expectedValue: 102.666667, // (101 + 103 + 104) / 3
		},
		{
			name: "EMA with sufficient data",
			config: MovingAverageConfig{
				IndicatorConfig: IndicatorConfig{Period: 3},
				Type:            ExponentialMovingAverage,
			},
			expectedValue: 103.0,
		},
		{
			name: "SMA over volume",
			config: MovingAverageConfig{
				IndicatorConfig: IndicatorConfig{Period: 2},
				Type:            SimpleMovingAverage,
				Field:           FieldVolume,
			},
			expectedValue: 45.0, // (40 + 50) / 2
		},
		{
			name: "Insufficient data",
			config: MovingAverageConfig{
				IndicatorConfig: IndicatorConfig{Period: 6},
				Type:            SimpleMovingAverage,
			},
			expectError: true,
		},
		{
			name: "Invalid MA type",
			config: MovingAverageConfig{
				IndicatorConfig: IndicatorConfig{Period: 3},
				Type:            "INVALID",
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ma := NewMovingAverage(tt.config)
			value, err := ma.Calculate(context.Background(), bars)

			if tt.expectError {
				if err == nil {
					t.Error("Expected error but got none")
				}
				return
			}

			if err != nil {
				t.Errorf("Unexpected error: %v", err)
				return
			}

			if value-tt.expectedValue > 0.0001 || value-tt.expectedValue < -0.0001 {
				t.Errorf("Expected value %f, got %f", tt.expectedValue, value)
			}
		})
	}
}

func TestMovingAverage_Name(t *testing.T) {
	if name := NewMovingAverage(MovingAverageConfig{Type: SimpleMovingAverage}).Name(); name != "SMA" {
		t.Errorf("Expected name SMA, got %s", name)
	}
	if name := NewMovingAverage(MovingAverageConfig{Type: ExponentialMovingAverage}).Name(); name != "EMA" {
		t.Errorf("Expected name EMA, got %s", name)
	}
}
