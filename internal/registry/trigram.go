package registry

import (
	"regexp"
	"strings"
)

var (
	punctRe = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	wsRe    = regexp.MustCompile(`\s+`)
)

// stopwords dropped during prompt normalization: articles plus filler verbs
// that carry no signal about what the app does.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "this": true, "that": true,
	"some": true, "please": true, "make": true, "build": true,
	"create": true, "can": true, "you": true, "me": true, "i": true,
	"want": true, "need": true, "would": true, "like": true,
}

// NormalizePrompt lowercases, strips punctuation, collapses whitespace and
// drops articles and filler words.
func NormalizePrompt(prompt string) string {
	s := strings.ToLower(prompt)
	s = punctRe.ReplaceAllString(s, " ")
	s = wsRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)

	words := strings.Split(s, " ")
	kept := words[:0]
	for _, w := range words {
		if w == "" || stopwords[w] {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

// trigrams returns the space-padded 3-gram set of s.
func trigrams(s string) map[string]bool {
	if s == "" {
		return nil
	}
	padded := "  " + s + "  "
	grams := make(map[string]bool)
	for i := 0; i+3 <= len(padded); i++ {
		grams[padded[i:i+3]] = true
	}
	return grams
}

// Similarity is the Dice coefficient over the trigram sets of two
// normalized strings. 1.0 means identical sets, 0.0 no overlap.
func Similarity(a, b string) float64 {
	ga, gb := trigrams(a), trigrams(b)
	if len(ga) == 0 || len(gb) == 0 {
		return 0
	}
	shared := 0
	for g := range ga {
		if gb[g] {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(ga)+len(gb))
}
