// Package codeshape reduces source snippets to comparable forms: a
// whitespace-insensitive normalization used for hashing, a structural shape
// that erases identifiers and literals, and token shingles for fuzzy
// similarity between two versions of the same block.
package codeshape

import (
	"strings"
	"unicode"
)

// TokenKind classifies a lexical token.
type TokenKind int

const (
	TokenIdent TokenKind = iota
	TokenKeyword
	TokenNumber
	TokenString
	TokenPunct
	TokenNewline
	TokenIndent
	TokenDedent
)

// Token is a single lexical unit of a snippet.
type Token struct {
	Kind TokenKind
	Text string
}

// keywords is the union of reserved words of the languages the editor
// integration sees most. Keywords survive shape erasure.
var keywords = map[string]bool{}

func init() {
	for _, w := range strings.Fields(`
		and as assert async await break case catch class const continue def
		default defer del do elif else enum except export extends false final
		finally fn for from func function go goto if impl import in interface
		is lambda let loop match mod mut new nil none not null or package pass
		pub raise range return select self static struct super switch this
		throw true try type typeof use var void while with yield`) {
		keywords[w] = true
	}
}

// hashComments reports whether '#' starts a line comment in language.
func hashComments(language string) bool {
	switch strings.ToLower(language) {
	case "python", "ruby", "shell", "bash", "sh", "r", "yaml", "perl":
		return true
	}
	return false
}

// Tokenize splits src into tokens, dropping comments and insignificant
// whitespace. Leading indentation changes are reported as Indent/Dedent
// tokens so block structure survives normalization.
func Tokenize(language, src string) []Token {
	var (
		tokens  []Token
		indents = []int{0}
		hash    = hashComments(language)
	)

	lines := strings.Split(strings.ReplaceAll(src, "\r\n", "\n"), "\n")
	inBlockComment := false

	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}

		if !inBlockComment {
			width := indentWidth(line)
			top := indents[len(indents)-1]
			switch {
			case width > top:
				indents = append(indents, width)
				tokens = append(tokens, Token{Kind: TokenIndent})
			case width < top:
				for len(indents) > 1 && indents[len(indents)-1] > width {
					indents = indents[:len(indents)-1]
					tokens = append(tokens, Token{Kind: TokenDedent})
				}
			}
		}

		before := len(tokens)
		tokens, inBlockComment = lexLine(tokens, line, hash, inBlockComment)
		if len(tokens) > before {
			tokens = append(tokens, Token{Kind: TokenNewline})
		}
	}
	return tokens
}

func indentWidth(line string) int {
	w := 0
	for _, r := range line {
		switch r {
		case ' ':
			w++
		case '\t':
			w += 4
		default:
			return w
		}
	}
	return w
}

func lexLine(tokens []Token, line string, hash, inBlock bool) ([]Token, bool) {
	rs := []rune(line)
	i := 0
	for i < len(rs) {
		r := rs[i]

		if inBlock {
			if r == '*' && i+1 < len(rs) && rs[i+1] == '/' {
				inBlock = false
				i += 2
				continue
			}
			i++
			continue
		}

		switch {
		case unicode.IsSpace(r):
			i++
		case r == '/' && i+1 < len(rs) && rs[i+1] == '/':
			return tokens, false
		case r == '/' && i+1 < len(rs) && rs[i+1] == '*':
			inBlock = true
			i += 2
		case r == '#' && hash:
			return tokens, false
		case r == '"' || r == '\'' || r == '`':
			j := i + 1
			for j < len(rs) && rs[j] != r {
				if rs[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(rs) {
				j = len(rs) - 1
			}
			tokens = append(tokens, Token{Kind: TokenString, Text: string(rs[i : j+1])})
			i = j + 1
		case unicode.IsDigit(r):
			j := i
			for j < len(rs) && (unicode.IsDigit(rs[j]) || unicode.IsLetter(rs[j]) || rs[j] == '.' || rs[j] == '_') {
				j++
			}
			tokens = append(tokens, Token{Kind: TokenNumber, Text: string(rs[i:j])})
			i = j
		case unicode.IsLetter(r) || r == '_' || r == '$':
			j := i
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_' || rs[j] == '$') {
				j++
			}
			word := string(rs[i:j])
			kind := TokenIdent
			if keywords[strings.ToLower(word)] {
				kind = TokenKeyword
			}
			tokens = append(tokens, Token{Kind: kind, Text: word})
			i = j
		default:
			tokens = append(tokens, Token{Kind: TokenPunct, Text: string(r)})
			i++
		}
	}
	return tokens, inBlock
}
