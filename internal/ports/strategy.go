package ports

import "donchianbot/internal/domain"

// Scorer is an optional signal-augmentation plugin. It maps an indicator
// snapshot to a confidence in [0, 1] that an entry is worth taking.
type Scorer interface {
	Score(snapshot domain.IndicatorSnapshot) (float64, error)
	Name() string
}
