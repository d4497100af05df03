// Package tokenizer turns raw text into normalized tokens for indexing and
// querying. It lower-cases input, splits on non-alphanumeric boundaries,
// segments Han runs into overlapping bigrams, removes stop-words, and applies
// a simple suffix-based stemmer to Latin words.
package tokenizer

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Mode selects how a token stream is post-processed.
type Mode string

const (
	// ModeIndex keeps every occurrence in order, so positions and term
	// frequencies can be derived from the result.
	ModeIndex Mode = "index"
	// ModeSearch deduplicates tokens, keeping first-occurrence order.
	ModeSearch Mode = "search"
)

// ParseMode accepts "index" or "search"; the empty string means index.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case ModeIndex, "":
		return ModeIndex, nil
	case ModeSearch:
		return ModeSearch, nil
	default:
		return "", fmt.Errorf("unknown tokenize mode %q", s)
	}
}

const defaultMaxTokenLength = 64

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "for": {}, "from": {}, "has": {}, "he": {},
	"in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {}, "this": {}, "but": {}, "they": {},
	"have": {}, "had": {}, "what": {}, "when": {}, "where": {},
	"who": {}, "which": {}, "their": {}, "if": {}, "each": {},
	"do": {}, "not": {}, "no": {}, "so": {}, "can": {},
}

// Options tunes a Tokenizer. The zero value enables stemming with the
// default maximum token length.
type Options struct {
	DisableStemming bool
	MaxTokenLength  int
}

// Tokenizer is safe for concurrent use.
type Tokenizer struct {
	stem   bool
	maxLen int
}

func New(opts Options) *Tokenizer {
	maxLen := opts.MaxTokenLength
	if maxLen <= 0 {
		maxLen = defaultMaxTokenLength
	}
	return &Tokenizer{stem: !opts.DisableStemming, maxLen: maxLen}
}

// Tokenize breaks text into normalized tokens. An empty or all-separator
// input yields an empty, non-nil slice.
func (t *Tokenizer) Tokenize(text string, mode Mode) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]string, 0, len(words))
	var seen map[string]struct{}
	if mode == ModeSearch {
		seen = make(map[string]struct{}, len(words))
	}
	emit := func(tok string) {
		if seen != nil {
			if _, dup := seen[tok]; dup {
				return
			}
			seen[tok] = struct{}{}
		}
		tokens = append(tokens, tok)
	}

	for _, word := range words {
		for _, seg := range splitScripts(word) {
			if seg.han {
				for _, gram := range bigrams(seg.text) {
					emit(gram)
				}
				continue
			}
			if tok, ok := t.normalize(seg.text); ok {
				emit(tok)
			}
		}
	}
	return tokens
}

func (t *Tokenizer) normalize(word string) (string, bool) {
	n := utf8.RuneCountInString(word)
	if n < 2 || n > t.maxLen {
		return "", false
	}
	if _, isStop := stopWords[word]; isStop {
		return "", false
	}
	if t.stem {
		word = stem(word)
	}
	return word, word != ""
}

type segment struct {
	text string
	han  bool
}

// splitScripts cuts a word into maximal runs of Han and non-Han runes.
func splitScripts(word string) []segment {
	var segs []segment
	start := 0
	inHan := false
	for i, r := range word {
		isHan := unicode.Is(unicode.Han, r)
		if i == 0 {
			inHan = isHan
			continue
		}
		if isHan != inHan {
			segs = append(segs, segment{text: word[start:i], han: inHan})
			start = i
			inHan = isHan
		}
	}
	if start < len(word) {
		segs = append(segs, segment{text: word[start:], han: inHan})
	}
	return segs
}

// bigrams returns overlapping two-rune windows; a single rune is returned
// as-is.
func bigrams(run string) []string {
	runes := []rune(run)
	if len(runes) < 2 {
		return []string{run}
	}
	grams := make([]string, 0, len(runes)-1)
	for i := 0; i+1 < len(runes); i++ {
		grams = append(grams, string(runes[i:i+2]))
	}
	return grams
}

var suffixes = []struct {
	suffix      string
	replacement string
	minLen      int
}{
	{"ational", "ate", 2},
	{"tional", "tion", 2},
	{"encies", "ence", 2},
	{"ances", "ance", 2},
	{"ments", "ment", 2},
	{"izing", "ize", 2},
	{"ating", "ate", 2},
	{"iness", "y", 2},
	{"ously", "ous", 2},
	{"ively", "ive", 2},
	{"eness", "ene", 2},
	{"tion", "t", 3},
	{"sion", "s", 3},
	{"ying", "y", 2},
	{"ling", "l", 3},
	{"ies", "y", 2},
	{"ing", "", 3},
	{"ers", "er", 2},
	{"est", "", 3},
	{"ful", "", 3},
	{"ous", "", 3},
	{"ess", "", 3},
	{"ble", "", 3},
	{"ed", "", 3},
	{"er", "", 3},
	{"ly", "", 3},
	{"es", "", 3},
	{"ss", "ss", 2},
	{"s", "", 3},
}

// stem applies the first matching suffix rule whose result is long enough.
func stem(word string) string {
	for _, rule := range suffixes {
		if strings.HasSuffix(word, rule.suffix) {
			newWord := word[:len(word)-len(rule.suffix)] + rule.replacement
			if len(newWord) >= rule.minLen {
				return newWord
			}
		}
	}
	return word
}
