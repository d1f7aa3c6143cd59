package service

import (
	"math"

	"github.com/montanaflynn/stats"
	"github.com/sirupsen/logrus"

	"github.com/lims-autoverify-server/internal/domain"
)

// QCStatisticsEngine maintains rolling control statistics per QC level and
// evaluates new control points against the Westgard multi-rule set. The
// engine performs no I/O: the caller supplies the bounded history window
// (ordered oldest to newest) and is responsible for serializing concurrent
// appends to the same (qcTestID, levelID) series.
type QCStatisticsEngine struct {
	logger        *logrus.Logger
	windowSize    int
	minSeedPoints int
}

// QCEvaluation bundles the recomputed statistics snapshot with the frozen
// violations for the new point.
type QCEvaluation struct {
	Statistics domain.QCStatistics   `json:"statistics"`
	Violations []domain.WestgardCode `json:"violations"`
}

// NewQCStatisticsEngine creates a QC statistics engine. Zero or negative
// config values fall back to the standard defaults (window 20, seed 5).
func NewQCStatisticsEngine(logger *logrus.Logger, cfg domain.QCConfig) *QCStatisticsEngine {
	window := cfg.WindowSize
	if window <= 0 {
		window = 20
	}
	seed := cfg.MinSeedPoints
	if seed <= 0 {
		seed = 5
	}
	return &QCStatisticsEngine{
		logger:        logger,
		windowSize:    window,
		minSeedPoints: seed,
	}
}

// RecordQCPoint evaluates a new control point against the supplied history.
// Statistics cover the most recent window including the new point; Westgard
// rules are checked against the prior mean/SD (history only), so the new
// point cannot inflate its own control limits. level carries optional seed
// targets used until enough history has accumulated.
func (e *QCStatisticsEngine) RecordQCPoint(point *domain.QCResult, history []domain.QCResult, level *domain.QCLevel) *QCEvaluation {
	window := e.window(history, e.windowSize-1)
	values := make([]float64, 0, len(window)+1)
	for _, h := range window {
		values = append(values, h.Value)
	}
	values = append(values, point.Value)

	statistics := e.computeStatistics(values)
	statistics.PeriodEnd = point.Timestamp
	if len(window) > 0 {
		statistics.PeriodStart = window[0].Timestamp
	} else {
		statistics.PeriodStart = point.Timestamp
	}

	violations := e.evaluateWestgard(point, e.window(history, e.windowSize), level)

	e.logger.WithFields(logrus.Fields{
		"qc_test_id": point.QCTestID,
		"level_id":   point.LevelID,
		"value":      point.Value,
		"n":          statistics.N,
		"mean":       statistics.Mean,
		"sd":         statistics.SD,
		"violations": len(violations),
	}).Info("Recorded QC point")

	return &QCEvaluation{
		Statistics: *statistics,
		Violations: violations,
	}
}

// window returns the most recent n points of history.
func (e *QCStatisticsEngine) window(history []domain.QCResult, n int) []domain.QCResult {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// computeStatistics derives a fresh snapshot from the window values. Fewer
// than two points is not an error — QC programs legitimately start with no
// history — so SD and CV degrade to zero.
func (e *QCStatisticsEngine) computeStatistics(values []float64) *domain.QCStatistics {
	s := &domain.QCStatistics{N: len(values)}
	if len(values) == 0 {
		return s
	}

	s.Mean, _ = stats.Mean(values)
	s.Min, _ = stats.Min(values)
	s.Max, _ = stats.Max(values)

	if len(values) >= 2 {
		s.SD, _ = stats.StandardDeviationSample(values)
		if s.Mean != 0 {
			s.CV = s.SD / s.Mean * 100
		}
	}
	return s
}

// controlLimits resolves the mean/SD the new point is judged against: the
// running statistics of the prior window, or the level's seed targets while
// the series is still too short.
func (e *QCStatisticsEngine) controlLimits(history []domain.QCResult, level *domain.QCLevel) (mean, sd float64, ok bool) {
	if len(history) < e.minSeedPoints {
		if level != nil && level.TargetMean != nil && level.TargetSD != nil && *level.TargetSD > 0 {
			return *level.TargetMean, *level.TargetSD, true
		}
	}
	if len(history) < 2 {
		return 0, 0, false
	}

	values := make([]float64, len(history))
	for i, h := range history {
		values[i] = h.Value
	}
	mean, _ = stats.Mean(values)
	sd, _ = stats.StandardDeviationSample(values)
	if sd <= 0 {
		return 0, 0, false
	}
	return mean, sd, true
}

// evaluateWestgard checks the fixed rule sequence 1-2s, 1-3s, 2-2s, R-4s,
// 4-1s, 10x and reports every applicable violation, not just the first.
func (e *QCStatisticsEngine) evaluateWestgard(point *domain.QCResult, history []domain.QCResult, level *domain.QCLevel) []domain.WestgardCode {
	violations := []domain.WestgardCode{}

	mean, sd, ok := e.controlLimits(history, level)
	if !ok {
		return violations
	}

	dev := point.Value - mean
	absDev := math.Abs(dev)

	// 1-2s: warning only, never rejects alone.
	if absDev > 2*sd {
		violations = append(violations, domain.WESTGARD_1_2S)
	}

	// 1-3s
	if absDev > 3*sd {
		violations = append(violations, domain.WESTGARD_1_3S)
	}

	if len(history) >= 1 {
		prev := history[len(history)-1]
		prevDev := prev.Value - mean

		// 2-2s: two consecutive points beyond 2SD on the same side.
		if absDev > 2*sd && math.Abs(prevDev) > 2*sd && sameSide(dev, prevDev) {
			violations = append(violations, domain.WESTGARD_2_2S)
		}

		// R-4s: consecutive points on opposite sides spanning more than 4SD.
		if !sameSide(dev, prevDev) && math.Abs(point.Value-prev.Value) > 4*sd {
			violations = append(violations, domain.WESTGARD_R_4S)
		}
	}

	// 4-1s: four consecutive points beyond 1SD on the same side.
	if e.consecutiveBeyond(point, history, mean, sd, 1, 4) {
		violations = append(violations, domain.WESTGARD_4_1S)
	}

	// 10x: ten consecutive points on the same side, any magnitude.
	if e.consecutiveBeyond(point, history, mean, sd, 0, 10) {
		violations = append(violations, domain.WESTGARD_10X)
	}

	return violations
}

// consecutiveBeyond reports whether the new point and the (count-1)
// immediately preceding points all deviate more than limit·SD from the mean
// on the same side. limit 0 requires only a consistent nonzero side.
func (e *QCStatisticsEngine) consecutiveBeyond(point *domain.QCResult, history []domain.QCResult, mean, sd, limit float64, count int) bool {
	if len(history) < count-1 {
		return false
	}

	dev := point.Value - mean
	if dev == 0 || math.Abs(dev) <= limit*sd {
		return false
	}

	for i := 0; i < count-1; i++ {
		prevDev := history[len(history)-1-i].Value - mean
		if prevDev == 0 || !sameSide(dev, prevDev) || math.Abs(prevDev) <= limit*sd {
			return false
		}
	}
	return true
}

func sameSide(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
