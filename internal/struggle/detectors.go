package struggle

import (
	"time"

	"github.com/abhisek/codecoach/internal/signal"
)

// Detector scores one behavioral symptom. Detect returns a confidence in
// [0,1]; zero means the detector did not fire.
type Detector interface {
	Reason() Reason
	Detect(in *Input) float64
}

// DefaultDetectors returns the four detectors configured from cfg.
func DefaultDetectors(cfg Config) []Detector {
	return []Detector{
		&PauseDetector{Threshold: cfg.PauseThreshold},
		&DeleteBurstDetector{Window: cfg.DeleteWindow, Threshold: cfg.DeleteThreshold},
		&RepeatedErrorDetector{Threshold: cfg.RepeatThreshold, Increment: cfg.RepeatIncrement},
		&CircularEditDetector{Confidence: cfg.CircularConfidence},
	}
}

// PauseDetector fires when the learner has not edited for longer than
// Threshold. Confidence grows linearly to 1 at three times the threshold.
type PauseDetector struct {
	Threshold time.Duration
}

func (d *PauseDetector) Reason() Reason { return ReasonLongPause }

func (d *PauseDetector) Detect(in *Input) float64 {
	if in.LastEditAt.IsZero() || d.Threshold <= 0 {
		return 0
	}
	idle := in.Now.Sub(in.LastEditAt)
	if idle <= d.Threshold {
		return 0
	}
	conf := float64(idle-d.Threshold) / float64(2*d.Threshold)
	if conf > 1 {
		return 1
	}
	return conf
}

// DeleteBurstDetector fires when Threshold or more deletions land in the
// trailing Window. Exactly Threshold deletions score 0.5.
type DeleteBurstDetector struct {
	Window    time.Duration
	Threshold int
}

func (d *DeleteBurstDetector) Reason() Reason { return ReasonRapidDeletes }

func (d *DeleteBurstDetector) Detect(in *Input) float64 {
	if d.Threshold <= 0 {
		return 0
	}
	cutoff := in.Now.Add(-d.Window)
	count := 0
	for _, ts := range in.Deletes {
		if !ts.Before(cutoff) && !ts.After(in.Now) {
			count++
		}
	}
	if count < d.Threshold {
		return 0
	}
	conf := float64(count)/float64(d.Threshold) - 1 + 0.5
	if conf > 1 {
		return 1
	}
	return conf
}

// RepeatedErrorDetector fires when the same diagnostic code is raised
// Threshold or more times in one context. Each further repeat adds
// Increment.
type RepeatedErrorDetector struct {
	Threshold int
	Increment float64
}

func (d *RepeatedErrorDetector) Reason() Reason { return ReasonRepeatedError }

func (d *RepeatedErrorDetector) Detect(in *Input) float64 {
	if in.Event == nil || in.Event.Kind != signal.KindDiagnosticRaised {
		return 0
	}
	if in.ErrorCount < d.Threshold {
		return 0
	}
	conf := 0.5 + d.Increment*float64(in.ErrorCount-d.Threshold)
	if conf > 1 {
		return 1
	}
	return conf
}

// CircularEditDetector fires with a fixed confidence when an edit restores
// content seen earlier in the document's history.
type CircularEditDetector struct {
	Confidence float64
}

func (d *CircularEditDetector) Reason() Reason { return ReasonCircularEdit }

func (d *CircularEditDetector) Detect(in *Input) float64 {
	if in.Reverted {
		return d.Confidence
	}
	return 0
}
