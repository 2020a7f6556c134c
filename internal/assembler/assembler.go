// Package assembler implements the Transcript Assembler (spec-level
// component C5): it joins per-chunk transcripts into one normalized
// document, removing the duplicated overlap text that best-quality mode's
// overlapping chunks introduce.
package assembler

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agext/levenshtein"
	"github.com/book-expert/transcript-engine/internal/chunker"
	"github.com/book-expert/transcript-engine/internal/core"
	"github.com/book-expert/transcript-engine/internal/mode"
)

const (
	wordsPerMinute          = 150
	slidingWindowThreshold  = 0.7
	similarDistanceFraction = 0.2
	substringWindowRatio    = 0.6
	prevWordsCapRatio       = 0.5
)

// Assembler joins chunk transcripts into a normalized document. Its regex
// patterns are precompiled once, following the same setup-upfront style as
// the TTS preprocessor this package is adapted from.
type Assembler struct {
	whitespacePattern      *regexp.Regexp
	spaceBeforePunctuation *regexp.Regexp
	spaceAfterPunctuation  *regexp.Regexp
	periodBeforeLetter     *regexp.Regexp
	capitalizeAfterEnd     *regexp.Regexp
}

// New builds an Assembler with its normalization patterns precompiled.
func New() *Assembler {
	return &Assembler{
		whitespacePattern:      regexp.MustCompile(`\s+`),
		spaceBeforePunctuation: regexp.MustCompile(`\s+([!?;:])`),
		spaceAfterPunctuation:  regexp.MustCompile(`([!?;:])(\S)`),
		periodBeforeLetter:     regexp.MustCompile(`\.([A-Za-z])`),
		capitalizeAfterEnd:     regexp.MustCompile(`([.!?])(\s+)([a-z])`),
	}
}

// Assemble joins chunks' texts per spec §4.5, returning a single normalized
// transcript. texts must have the same length as chunks.
func (a *Assembler) Assemble(chunks []chunker.Chunk, texts []string, activeMode mode.Mode) (string, error) {
	if len(chunks) != len(texts) {
		return "", fmt.Errorf("%w: %d chunks, %d texts", core.ErrChunkCountMismatch, len(chunks), len(texts))
	}

	if len(chunks) == 0 {
		return "", nil
	}

	if len(chunks) == 1 {
		return a.normalize(texts[0]), nil
	}

	if activeMode != mode.BestQuality {
		return a.normalize(strings.Join(texts, " ")), nil
	}

	processed := make([]string, len(texts))
	processed[0] = texts[0]

	for i := 1; i < len(texts); i++ {
		processed[i] = a.stripOverlap(chunks[i-1], processed[i-1], texts[i])
	}

	return a.normalize(strings.Join(processed, " ")), nil
}

// stripOverlap removes the duplicated opening segment of current that
// repeats the tail of prev, when prevChunk.HasOverlap indicates the two
// chunks were extracted with an overlapping window.
func (a *Assembler) stripOverlap(prevChunk chunker.Chunk, prev, current string) string {
	if !prevChunk.HasOverlap {
		return current
	}

	overlapSeconds := prevChunk.EndS - prevChunk.OverlapStartS
	if overlapSeconds <= 0 {
		return current
	}

	prevWords := strings.Fields(prev)
	if len(prevWords) == 0 {
		return current
	}

	w1 := int(math.Ceil(overlapSeconds / 60 * wordsPerMinute))
	if w1 < 1 {
		w1 = 1
	}

	w := w1
	if cap := int(math.Floor(float64(len(prevWords)) * prevWordsCapRatio)); cap < w {
		w = cap
	}

	if w <= 0 {
		return current
	}

	overlapWords := prevWords[len(prevWords)-w:]
	currentWords := strings.Fields(current)

	if len(currentWords) == 0 {
		return current
	}

	pos, ok := a.locateOverlap(overlapWords, currentWords, w)
	if !ok {
		return current
	}

	return strings.Join(currentWords[pos:], " ")
}

// locateOverlap tries, in order, sliding-window fuzzy match over the first
// half of currentWords, fuzzy match over all of currentWords, then a
// literal substring match, per spec §4.5. The returned position is the
// word index immediately AFTER the matched overlap window, i.e. where the
// non-duplicated remainder of currentWords begins.
func (a *Assembler) locateOverlap(overlapWords, currentWords []string, w int) (int, bool) {
	half := len(currentWords) / 2
	if pos, ok := slidingWindowFuzzyMatch(overlapWords, currentWords[:half], slidingWindowThreshold); ok {
		return pos, true
	}

	if pos, ok := slidingWindowFuzzyMatch(overlapWords, currentWords, slidingWindowThreshold); ok {
		return pos, true
	}

	return substringMatch(overlapWords, currentWords, w)
}

// slidingWindowFuzzyMatch returns the word position just past the end of
// the matched window, so the caller can drop the duplicated overlap text
// entirely rather than keeping it in the remainder.
func slidingWindowFuzzyMatch(overlapWords, haystack []string, threshold float64) (int, bool) {
	wlen := len(overlapWords)
	if wlen == 0 || wlen > len(haystack) {
		return 0, false
	}

	for start := 0; start+wlen <= len(haystack); start++ {
		score := wordSimilarityScore(overlapWords, haystack[start:start+wlen])
		if score >= threshold {
			return start + wlen, true
		}
	}

	return 0, false
}

// wordSimilarityScore scores two equal-length word lists per spec §4.5:
// exact case-insensitive matches count fully, near matches (Levenshtein
// distance over max word length <= 0.2) count half.
func wordSimilarityScore(a, b []string) float64 {
	if len(a) == 0 {
		return 0
	}

	exact := 0.0
	similar := 0.0

	for i := range a {
		wa, wb := strings.ToLower(a[i]), strings.ToLower(b[i])
		if wa == wb {
			exact++

			continue
		}

		maxLen := len(wa)
		if len(wb) > maxLen {
			maxLen = len(wb)
		}

		if maxLen == 0 {
			continue
		}

		dist := levenshtein.Distance(wa, wb, nil)
		if float64(dist)/float64(maxLen) <= similarDistanceFraction {
			similar++
		}
	}

	return (exact + 0.5*similar) / float64(len(a))
}

// substringMatch slides a floor(w*0.6)-word window across overlapWords and
// looks for it as a case-insensitive literal substring in currentWords,
// returning the estimated word position just past the overlap's end in
// currentWords. The first hit wins.
func substringMatch(overlapWords, currentWords []string, w int) (int, bool) {
	subLen := int(math.Floor(float64(w) * substringWindowRatio))
	if subLen <= 0 || subLen > len(overlapWords) {
		return 0, false
	}

	currentLower := make([]string, len(currentWords))
	for i, word := range currentWords {
		currentLower[i] = strings.ToLower(word)
	}

	haystack := strings.Join(currentLower, " ")

	for start := 0; start+subLen <= len(overlapWords); start++ {
		phrase := strings.ToLower(strings.Join(overlapWords[start:start+subLen], " "))

		idx := strings.Index(haystack, phrase)
		if idx < 0 {
			continue
		}

		wordPos := len(strings.Fields(haystack[:idx]))

		overlapStart := wordPos - start
		if overlapStart < 0 {
			overlapStart = 0
		}

		endPos := overlapStart + w
		if endPos > len(currentWords) {
			endPos = len(currentWords)
		}

		return endPos, true
	}

	return 0, false
}

// normalize applies the punctuation and spacing rules from spec §4.5.
func (a *Assembler) normalize(text string) string {
	out := strings.TrimSpace(a.whitespacePattern.ReplaceAllString(text, " "))
	if out == "" {
		return out
	}

	out = a.spaceBeforePunctuation.ReplaceAllString(out, "$1")
	out = a.spaceAfterPunctuation.ReplaceAllString(out, "$1 $2")
	out = a.periodBeforeLetter.ReplaceAllString(out, ". $1")

	out = a.capitalizeAfterEnd.ReplaceAllStringFunc(out, func(match string) string {
		groups := a.capitalizeAfterEnd.FindStringSubmatch(match)
		if len(groups) != 4 { //nolint:mnd // full match + 3 capture groups
			return match
		}

		return groups[1] + groups[2] + strings.ToUpper(groups[3])
	})

	return uppercaseFirstRune(out)
}

func uppercaseFirstRune(s string) string {
	if s == "" {
		return s
	}

	r, size := utf8.DecodeRuneInString(s)

	return string(unicode.ToUpper(r)) + s[size:]
}
