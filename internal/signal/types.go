package signal

import "time"

// Kind is the type of a normalized editor event.
type Kind string

const (
	KindInsert            Kind = "insert"
	KindDelete            Kind = "delete"
	KindCursorMove        Kind = "cursorMove"
	KindDiagnosticRaised  Kind = "diagnosticRaised"
	KindDiagnosticCleared Kind = "diagnosticCleared"
	KindRevert            Kind = "revert"
)

// Valid reports whether k is one of the recognized event kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindInsert, KindDelete, KindCursorMove,
		KindDiagnosticRaised, KindDiagnosticCleared, KindRevert:
		return true
	}
	return false
}

// IsEdit reports whether the event changes document content.
func (k Kind) IsEdit() bool {
	return k == KindInsert || k == KindDelete || k == KindRevert
}

// Span is a half-open character range within a document.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Diagnostic is a compiler or linter finding attached to an event.
type Diagnostic struct {
	Code     string `json:"code"`
	Message  string `json:"message,omitempty"`
	Severity string `json:"severity,omitempty"`
}

// RawEvent is what the editor host sends. Everything is optional until
// validated by the collector.
type RawEvent struct {
	Timestamp   time.Time   `json:"timestamp,omitempty"`
	Kind        string      `json:"kind"`
	DocumentID  string      `json:"documentId"`
	ContextKey  string      `json:"contextKey,omitempty"`
	Span        *Span       `json:"span,omitempty"`
	Diagnostic  *Diagnostic `json:"diagnostic,omitempty"`
	Content     string      `json:"content,omitempty"`     // Full block text after the edit
	ContentHash string      `json:"contentHash,omitempty"` // Used when Content is absent
}

// EditorEvent is an immutable, validated editor event.
type EditorEvent struct {
	Timestamp   time.Time
	Kind        Kind
	DocumentID  string
	ContextKey  string
	Span        Span
	Diagnostic  *Diagnostic
	ContentHash string
}
