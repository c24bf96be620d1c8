package spam

import (
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var urlPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"']+`)

func countURLs(content string) int {
	return len(urlPattern.FindAllStringIndex(content, -1))
}

// words splits content into lowercased letter/digit runs.
func words(content string) []string {
	return strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func uniqueRatio(ws []string) float64 {
	if len(ws) == 0 {
		return 1
	}
	seen := make(map[string]struct{}, len(ws))
	for _, w := range ws {
		seen[w] = struct{}{}
	}
	return float64(len(seen)) / float64(len(ws))
}

// longestRun is the length of the longest run of one repeated rune,
// ignoring whitespace.
func longestRun(content string) int {
	best, run := 0, 0
	var prev rune = -1
	for _, r := range content {
		if unicode.IsSpace(r) {
			prev, run = -1, 0
			continue
		}
		if r == prev {
			run++
		} else {
			prev, run = r, 1
		}
		if run > best {
			best = run
		}
	}
	return best
}

// entropy is the Shannon entropy of the rune distribution, in bits.
func entropy(content string) float64 {
	counts := make(map[rune]int)
	total := 0
	for _, r := range content {
		counts[r]++
		total++
	}
	if total == 0 {
		return 0
	}
	var h float64
	for _, c := range counts {
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}

func capsRatio(content string) (ratio float64, letters int) {
	upper := 0
	for _, r := range content {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.IsUpper(r) {
			upper++
		}
	}
	if letters == 0 {
		return 0, 0
	}
	return float64(upper) / float64(letters), letters
}

func keywordHits(content string, keywords []string) (int, []string) {
	lower := strings.ToLower(content)
	hits := 0
	var matched []string
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if n := strings.Count(lower, kw); n > 0 {
			hits += n
			matched = append(matched, kw)
		}
	}
	return hits, matched
}

func runeLen(s string) int {
	return utf8.RuneCountInString(strings.TrimSpace(s))
}
