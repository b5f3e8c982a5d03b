package hints

import (
	"fmt"
	"time"

	"github.com/abhisek/codecoach/internal/struggle"
)

// Trigger says why a hint was requested.
type Trigger string

const (
	TriggerAuto         Trigger = "auto"
	TriggerManual       Trigger = "manual"
	TriggerNextLevel    Trigger = "nextLevel"
	TriggerShowSolution Trigger = "showSolution"
	TriggerNewProblem   Trigger = "newProblem"
)

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerAuto, TriggerManual, TriggerNextLevel, TriggerShowSolution, TriggerNewProblem:
		return true
	}
	return false
}

// Hint levels. Level 4 is the full solution.
const (
	MinLevel      = 1
	MaxLevel      = 4
	SolutionLevel = MaxLevel
)

// Source records where hint content came from.
type Source string

const (
	SourceCache     Source = "cache"
	SourceGenerator Source = "generator"
	SourceFallback  Source = "fallback"
	SourceNone      Source = "none"
)

// NoHintContent is served when neither the generator nor the fallback
// library can produce a hint.
const NoHintContent = "No hint available right now, try again in a moment."

// Request asks the controller for the next hint on a context.
type Request struct {
	ContextKey string
	UserID     string
	Language   string
	Code       string
	ErrorKind  string
	Trigger    Trigger
	Reasons    []struggle.Reason // struggle reasons behind an auto trigger
}

// Hint is the controller's answer.
type Hint struct {
	ContextKey         string
	Level              int
	Content            string
	RelatedDocs        []string
	NextLevelAvailable bool
	Source             Source
	// Gated is set on level-4 hints whose content is withheld until the
	// caller confirms with TriggerShowSolution.
	Gated     bool
	Episode   uint64
	CreatedAt time.Time
}

// CacheKey addresses a cached hint.
type CacheKey struct {
	Language  string
	CodeHash  string
	ErrorKind string
	Level     int
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%d", k.Language, k.CodeHash, k.ErrorKind, k.Level)
}

// Entry is the cached part of a generated hint.
type Entry struct {
	Content            string   `json:"content"`
	RelatedDocs        []string `json:"related_docs,omitempty"`
	NextLevelAvailable bool     `json:"next_level_available"`
}

// Context is the per-ContextKey state of a struggle episode.
type Context struct {
	Key              string
	Language         string
	CodeHash         string
	ErrorKind        string
	Level            int
	LevelRequestedAt time.Time
}
