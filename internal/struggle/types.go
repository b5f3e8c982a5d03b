package struggle

import (
	"time"

	"github.com/abhisek/codecoach/internal/signal"
)

// Reason names the detector that contributed to a signal.
type Reason string

const (
	ReasonLongPause     Reason = "longPause"
	ReasonRapidDeletes  Reason = "rapidDeletes"
	ReasonRepeatedError Reason = "repeatedError"
	ReasonCircularEdit  Reason = "circularEdit"
	ReasonManual        Reason = "manual"
)

// Signal is an assessment that the learner is stuck on a context.
type Signal struct {
	Timestamp  time.Time
	DocumentID string
	ContextKey string
	Confidence float64  // 0.0–1.0
	Reasons    []Reason // Detectors that fired, strongest first
}

// Has reports whether r contributed to the signal.
func (s *Signal) Has(r Reason) bool {
	for _, x := range s.Reasons {
		if x == r {
			return true
		}
	}
	return false
}

// Input is the view of a document's recent activity handed to detectors.
// Event is nil when the classifier is evaluated by a clock tick.
type Input struct {
	Now        time.Time
	Event      *signal.EditorEvent
	LastEditAt time.Time // Zero if the document has not been edited yet
	Deletes    []time.Time
	ErrorCount int  // Occurrences of Event's diagnostic code in its context
	Reverted   bool // Event returned the document to an earlier state
}
