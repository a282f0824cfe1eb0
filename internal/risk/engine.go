// Package risk derives a bounded risk score from portfolio exposure, day
// loss and position count against configured limits.
package risk

import (
	"fmt"
	"math"
)

// Limits are the externally configured risk limits.
type Limits struct {
	MaxPositionSize  float64 `yaml:"max_position_size" json:"max_position_size"`
	StopLossPercent  float64 `yaml:"stop_loss_percent" json:"stop_loss_percent"`
	MaxDayLoss       float64 `yaml:"max_day_loss" json:"max_day_loss"`
	MaxOpenPositions int     `yaml:"max_open_positions" json:"max_open_positions"`
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionSize:  50000,
		StopLossPercent:  20,
		MaxDayLoss:       10000,
		MaxOpenPositions: 5,
	}
}

func (l Limits) Validate() error {
	if l.MaxPositionSize <= 0 {
		return fmt.Errorf("max_position_size must be positive, got %v", l.MaxPositionSize)
	}
	if l.StopLossPercent <= 0 || l.StopLossPercent > 100 {
		return fmt.Errorf("stop_loss_percent must be in (0,100], got %v", l.StopLossPercent)
	}
	if l.MaxDayLoss <= 0 {
		return fmt.Errorf("max_day_loss must be positive, got %v", l.MaxDayLoss)
	}
	if l.MaxOpenPositions <= 0 {
		return fmt.Errorf("max_open_positions must be positive, got %d", l.MaxOpenPositions)
	}
	return nil
}

type Level string

const (
	LevelLow    Level = "Low"
	LevelMedium Level = "Medium"
	LevelHigh   Level = "High"
)

const (
	exposureWeight = 0.4
	dayLossWeight  = 0.4
	countWeight    = 0.2

	// AlertFraction of MaxDayLoss above which the day-loss alert fires.
	AlertFraction = 0.7
)

// Assessment is the derived risk view. It is recomputed on every update
// and never stored.
type Assessment struct {
	Limits                Limits   `json:"limits"`
	CurrentExposure       float64  `json:"current_exposure"`
	DayLoss               float64  `json:"day_loss"`
	OpenPositionCount     int      `json:"open_position_count"`
	ExposureRatio         float64  `json:"exposure_ratio"`
	DayLossRatio          float64  `json:"day_loss_ratio"`
	PositionCountRatio    float64  `json:"position_count_ratio"`
	RiskScore             float64  `json:"risk_score"`
	Level                 Level    `json:"level"`
	SuggestedPositionSize float64  `json:"suggested_position_size"`
	Alert                 bool     `json:"alert"`
	Breaches              []string `json:"breaches,omitempty"`
}

// Evaluate computes the assessment. Each ratio is clamped to [0,1] and the
// weighted sum is scaled to [0,100].
func Evaluate(l Limits, exposure, dayLoss float64, openPositions int) Assessment {
	a := Assessment{
		Limits:             l,
		CurrentExposure:    exposure,
		DayLoss:            dayLoss,
		OpenPositionCount:  openPositions,
		ExposureRatio:      ratio(exposure, l.MaxPositionSize),
		DayLossRatio:       ratio(dayLoss, l.MaxDayLoss),
		PositionCountRatio: ratio(float64(openPositions), float64(l.MaxOpenPositions)),
	}
	score := exposureWeight*a.ExposureRatio + dayLossWeight*a.DayLossRatio + countWeight*a.PositionCountRatio
	a.RiskScore = math.Min(100, 100*score)
	a.Level = LevelFor(a.RiskScore)
	a.SuggestedPositionSize = SuggestedPositionSize(l)
	a.Alert = DayLossAlert(l, dayLoss)

	if l.MaxPositionSize > 0 && exposure > l.MaxPositionSize {
		a.Breaches = append(a.Breaches, "max_position_size")
	}
	if l.MaxDayLoss > 0 && dayLoss >= l.MaxDayLoss {
		a.Breaches = append(a.Breaches, "max_day_loss")
	}
	if l.MaxOpenPositions > 0 && openPositions >= l.MaxOpenPositions {
		a.Breaches = append(a.Breaches, "max_open_positions")
	}
	return a
}

// LevelFor maps a score to Low (<30), Medium (<70) or High.
func LevelFor(score float64) Level {
	switch {
	case score < 30:
		return LevelLow
	case score < 70:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// SuggestedPositionSize is the capital to risk per trade:
// maxPositionSize * stopLossPercent / 100.
func SuggestedPositionSize(l Limits) float64 {
	return math.Round(l.MaxPositionSize*l.StopLossPercent) / 100
}

// DayLossAlert reports whether the day loss is past AlertFraction of the
// daily limit.
func DayLossAlert(l Limits, dayLoss float64) bool {
	return dayLoss > l.MaxDayLoss*AlertFraction
}

// ratio clamps v/limit to [0,1]. A non-positive limit counts as fully used
// once v is positive.
func ratio(v, limit float64) float64 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if limit <= 0 {
		return 1
	}
	return math.Min(v/limit, 1)
}
