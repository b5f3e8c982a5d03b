package hints

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// anyLanguage matches entries that apply to every language.
const anyLanguage = "*"

// FallbackEntry is one locally stored generic hint.
type FallbackEntry struct {
	Language  string `koanf:"language"`
	ErrorKind string `koanf:"error_kind"`
	Level     int    `koanf:"level"`
	Content   string `koanf:"content"`
}

type fallbackKey struct {
	language  string
	errorKind string
	level     int
}

// FallbackLibrary holds generic hints keyed by (language, errorKind,
// level). It never holds level-4 content.
type FallbackLibrary struct {
	entries map[fallbackKey]string
}

// NewFallbackLibrary builds a library from entries. Entries at the
// solution level are rejected.
func NewFallbackLibrary(entries []FallbackEntry) (*FallbackLibrary, error) {
	lib := &FallbackLibrary{entries: make(map[fallbackKey]string, len(entries))}
	for i, e := range entries {
		if e.Level < MinLevel || e.Level >= SolutionLevel {
			return nil, fmt.Errorf("fallback entry %d: level %d out of range [1,3]", i, e.Level)
		}
		if e.ErrorKind == "" || e.Content == "" {
			return nil, fmt.Errorf("fallback entry %d: error_kind and content are required", i)
		}
		lang := strings.ToLower(e.Language)
		if lang == "" {
			lang = anyLanguage
		}
		lib.entries[fallbackKey{lang, e.ErrorKind, e.Level}] = e.Content
	}
	return lib, nil
}

// LoadFallbackYAML parses a YAML document with a top-level "hints" list.
func LoadFallbackYAML(b []byte) (*FallbackLibrary, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(b), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parse fallback hints: %w", err)
	}
	var entries []FallbackEntry
	if err := k.Unmarshal("hints", &entries); err != nil {
		return nil, fmt.Errorf("decode fallback hints: %w", err)
	}
	return NewFallbackLibrary(entries)
}

// Lookup returns the generic hint for the tuple, preferring a
// language-specific entry. Level 4 always misses.
func (l *FallbackLibrary) Lookup(language, errorKind string, level int) (string, bool) {
	if l == nil || level >= SolutionLevel || errorKind == "" {
		return "", false
	}
	if s, ok := l.entries[fallbackKey{strings.ToLower(language), errorKind, level}]; ok {
		return s, true
	}
	s, ok := l.entries[fallbackKey{anyLanguage, errorKind, level}]
	return s, ok
}

// Merge adds other's entries, overriding existing keys.
func (l *FallbackLibrary) Merge(other *FallbackLibrary) {
	if other == nil {
		return
	}
	for k, v := range other.entries {
		l.entries[k] = v
	}
}

// Len returns the number of entries.
func (l *FallbackLibrary) Len() int {
	if l == nil {
		return 0
	}
	return len(l.entries)
}

// DefaultFallbackLibrary returns the built-in generic hints.
func DefaultFallbackLibrary() *FallbackLibrary {
	lib, err := NewFallbackLibrary(defaultFallbacks)
	if err != nil {
		panic(err)
	}
	return lib
}

var defaultFallbacks = []FallbackEntry{
	{"python", "IndentationError", 1, "Look at how the lines in this block line up. Python uses indentation to decide which lines belong together."},
	{"python", "IndentationError", 2, "Every line in the same block needs the same indentation. Check whether tabs and spaces are mixed, or a line after a colon is not indented."},
	{"python", "IndentationError", 3, "Find the line the error points to and the block it should belong to. Re-indent it with the same number of spaces as its neighbours (4 is conventional) and make sure every line ending in ':' is followed by an indented line."},
	{"python", "NameError", 1, "Python does not recognise one of the names you used. Check its spelling and where it is defined."},
	{"python", "NameError", 2, "A name must be assigned or imported before the line that uses it runs. Is the variable defined inside a different function or after this line?"},
	{"python", "NameError", 3, "Search for the name in your file. If it is misspelt, fix the spelling; if it lives in a module, import it; if it is set later, move the assignment above its first use."},
	{"python", "TypeError", 1, "One of the values in this expression is not the type the operation expects."},
	{"python", "TypeError", 2, "Print the type of each operand. Mixing str and int, or calling something that is not a function, are the usual causes."},
	{"*", "SyntaxError", 1, "The code cannot be parsed near the line reported. Look just before it, too."},
	{"*", "SyntaxError", 2, "Check for unbalanced brackets, quotes or a missing separator such as ':' or ';' on the line above the error."},
	{"*", "SyntaxError", 3, "Read the line the error points to from left to right and pair every opening bracket and quote with its closing one. The missing piece is usually at the end of the previous line."},
	{"*", "TypeError", 1, "One of the values here has a different type than the operation expects."},
	{"javascript", "ReferenceError", 1, "A variable is used before it exists in this scope. Check the spelling and where it is declared."},
	{"javascript", "ReferenceError", 2, "let and const are not available before their declaration line, and names declared inside a block are not visible outside it."},
	{"go", "undefined", 1, "The compiler cannot find one of the names you used. Check its spelling and capitalisation."},
	{"go", "undefined", 2, "Names from another package must be exported (start with a capital letter) and the package must be imported."},
	{"go", "nil pointer", 1, "Something you dereference has not been initialised yet."},
	{"go", "nil pointer", 2, "Trace where the pointer, map or interface gets its value. A struct field or map that was never assigned with make or & is still nil."},
	{"*", "off-by-one", 1, "Look closely at where your loop starts and where it stops."},
	{"*", "off-by-one", 2, "Walk through the first and the last iteration by hand. Does the loop touch one element too many or too few?"},
}
