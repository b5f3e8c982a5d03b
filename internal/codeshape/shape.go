package codeshape

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"strings"
)

// DefaultShingleSize is the token n-gram width used for similarity.
const DefaultShingleSize = 3

// Normalize renders tokens back to a canonical string. Comments and
// formatting are gone; identifiers and literals are kept.
func Normalize(language, src string) string {
	return render(Tokenize(language, src), false)
}

// Shape renders the structural skeleton of src: identifiers become ID,
// numbers NUM and strings STR, so two snippets that differ only in naming
// share a shape.
func Shape(language, src string) string {
	return render(Tokenize(language, src), true)
}

func render(tokens []Token, erase bool) string {
	var b strings.Builder
	for i, t := range tokens {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(tokenText(t, erase))
	}
	return b.String()
}

func tokenText(t Token, erase bool) string {
	switch t.Kind {
	case TokenNewline:
		return "NL"
	case TokenIndent:
		return "IN"
	case TokenDedent:
		return "DE"
	case TokenKeyword:
		return strings.ToLower(t.Text)
	}
	if !erase {
		return t.Text
	}
	switch t.Kind {
	case TokenIdent:
		return "ID"
	case TokenNumber:
		return "NUM"
	case TokenString:
		return "STR"
	}
	return t.Text
}

// Hash returns a short stable digest of the normalized snippet.
func Hash(language, src string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(language) + "\x00" + Normalize(language, src)))
	return hex.EncodeToString(sum[:16])
}

// Fingerprint identifies a mistake class: same language, same error kind,
// same structural shape.
func Fingerprint(language, errorKind, snippet string) string {
	key := strings.ToLower(strings.TrimSpace(language)) + "\x00" +
		strings.TrimSpace(errorKind) + "\x00" +
		Shape(language, snippet)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:12])
}

// Shingles is a set of hashed token n-grams.
type Shingles map[uint64]struct{}

// ShinglesOf computes the n-gram set of src using tokens of width k.
// Snippets shorter than k tokens yield a single shingle of all tokens.
func ShinglesOf(language, src string, k int) Shingles {
	if k <= 0 {
		k = DefaultShingleSize
	}
	tokens := Tokenize(language, src)
	out := make(Shingles)
	if len(tokens) == 0 {
		return out
	}
	if len(tokens) < k {
		k = len(tokens)
	}
	for i := 0; i+k <= len(tokens); i++ {
		h := fnv.New64a()
		for _, t := range tokens[i : i+k] {
			h.Write([]byte(tokenText(t, false)))
			h.Write([]byte{0})
		}
		out[h.Sum64()] = struct{}{}
	}
	return out
}

// Similarity is the Jaccard index of two shingle sets. Two empty sets are
// identical.
func Similarity(a, b Shingles) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	for k := range small {
		if _, ok := large[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
