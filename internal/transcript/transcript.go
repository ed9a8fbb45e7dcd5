// Package transcript normalizes raw speech-to-text output before it
// reaches the agents. The corrector aligns misheard words against a
// configured keyword vocabulary (product names, commands, jargon the
// ASR model was never trained on) using Double Metaphone codes for
// candidate filtering and Jaro-Winkler similarity for ranking.
package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Correction records one replacement the corrector made.
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
}

// Result is a corrected transcript with its applied corrections.
type Result struct {
	Text        string
	Corrections []Correction
}

// Option configures a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score a
// phonetically matched keyword must reach.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for the pure
// string-similarity fallback used when no phonetic candidate exists.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = threshold }
}

// keyword is one vocabulary entry with its precomputed phonetic codes.
type keyword struct {
	display string
	lower   string
	tokens  []string
	codes   map[string]struct{}
}

// Corrector aligns transcript words against a fixed keyword
// vocabulary. Read-only after construction, safe for concurrent use.
type Corrector struct {
	phoneticThreshold float64
	fuzzyThreshold    float64

	keywords []keyword
	maxWords int
}

// NewCorrector precomputes phonetic codes for every keyword. Empty
// keywords are skipped.
func NewCorrector(keywords []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	for _, k := range keywords {
		lower := strings.ToLower(strings.TrimSpace(k))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		c.keywords = append(c.keywords, keyword{
			display: strings.TrimSpace(k),
			lower:   lower,
			tokens:  tokens,
			codes:   codesFor(tokens),
		})
		if len(tokens) > c.maxWords {
			c.maxWords = len(tokens)
		}
	}
	return c
}

// Correct trims the transcript and replaces misheard keyword
// occurrences. Multi-word keywords are matched on n-gram windows, the
// longest window first, so "tower of whispers" beats a partial
// single-word match.
func (c *Corrector) Correct(text string) Result {
	text = strings.TrimSpace(text)
	result := Result{Text: text}
	if len(c.keywords) == 0 || text == "" {
		return result
	}

	tokens := strings.Fields(text)
	var output []string

	i := 0
	for i < len(tokens) {
		maxN := min(c.maxWords, len(tokens)-i)

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			kw, score, ok := c.match(window)
			if !ok {
				continue
			}
			if strings.EqualFold(window, kw.display) {
				// Already spelled right; keep the speaker's casing.
				output = append(output, tokens[i:i+n]...)
			} else {
				output = append(output, strings.Fields(kw.display)...)
				result.Corrections = append(result.Corrections, Correction{
					Original:   window,
					Corrected:  kw.display,
					Confidence: score,
				})
			}
			i += n
			matched = true
			break
		}
		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	result.Text = strings.Join(output, " ")
	return result
}

// match finds the best keyword for one window. Phonetic candidates
// compete at the lower threshold; everything else needs the stricter
// fuzzy threshold.
func (c *Corrector) match(window string) (keyword, float64, bool) {
	lower := strings.ToLower(window)
	tokens := strings.Fields(lower)
	codes := codesFor(tokens)

	var (
		best         keyword
		bestScore    float64
		bestPhonetic bool
		found        bool
	)
	for _, kw := range c.keywords {
		phonetic := codesOverlap(codes, kw.codes)
		score := similarity(tokens, kw.tokens, lower, kw.lower)

		switch {
		case phonetic && score >= c.phoneticThreshold:
			if !bestPhonetic || score > bestScore {
				best, bestScore, bestPhonetic, found = kw, score, true, true
			}
		case !phonetic && !bestPhonetic && score >= c.fuzzyThreshold && score > bestScore:
			best, bestScore, found = kw, score, true
		}
	}
	return best, bestScore, found
}

// codesFor unions the Double Metaphone codes of all tokens. Codes come
// back empty for very short or vowel-only words and are skipped.
func codesFor(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// similarity takes the best Jaro-Winkler score across full strings,
// space-stripped strings, and all token pairs. The stripped comparison
// handles word-boundary drift ("elder nacks" vs "eldrinax").
func similarity(aTokens, bTokens []string, aFull, bFull string) float64 {
	score := matchr.JaroWinkler(aFull, bFull, false)

	if len(aTokens) > 1 || len(bTokens) > 1 {
		a := strings.Join(aTokens, "")
		b := strings.Join(bTokens, "")
		if s := matchr.JaroWinkler(a, b, false); s > score {
			score = s
		}
	}
	for _, at := range aTokens {
		for _, bt := range bTokens {
			if s := matchr.JaroWinkler(at, bt, false); s > score {
				score = s
			}
		}
	}
	return score
}
