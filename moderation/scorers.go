package moderation

import (
	"slices"
	"strings"
	"unicode"

	"github.com/berserk3142-max/trust-guard/config"
	"github.com/berserk3142-max/trust-guard/models"
	"github.com/cespare/xxhash/v2"
)

func tokenize(content string) []string {
	return strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// lexicon holds the word lists used by the toxicity and sentiment scorers.
type lexicon struct {
	toxic        map[string]float64
	phrases      map[string]float64
	intensifiers map[string]struct{}
	positive     map[string]struct{}
	negative     map[string]struct{}
}

func newLexicon(cfg config.ModerationConfig) *lexicon {
	lx := &lexicon{
		toxic:        map[string]float64{},
		phrases:      map[string]float64{},
		intensifiers: set(cfg.Intensifiers),
		positive:     set(cfg.PositiveWords),
		negative:     set(cfg.NegativeWords),
	}
	for term, w := range cfg.ToxicTerms {
		term = strings.ToLower(strings.TrimSpace(term))
		if strings.Contains(term, " ") {
			lx.phrases[term] = w
		} else {
			lx.toxic[term] = w
		}
	}
	return lx
}

func set(words []string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[strings.ToLower(w)] = struct{}{}
	}
	return m
}

func (lx *lexicon) lookup(m map[string]float64, tok string) (float64, bool) {
	if w, ok := m[tok]; ok {
		return w, true
	}
	if strings.HasSuffix(tok, "s") {
		w, ok := m[strings.TrimSuffix(tok, "s")]
		return w, ok
	}
	return 0, false
}

// toxicity sums term weights, boosting a term that follows an intensifier
// and content that is shouted.
func (lx *lexicon) toxicity(content string) models.Score {
	toks := tokenize(content)
	var total float64
	for i, tok := range toks {
		w, ok := lx.lookup(lx.toxic, tok)
		if !ok {
			continue
		}
		if i > 0 {
			if _, ok := lx.intensifiers[toks[i-1]]; ok {
				w *= 1.5
			}
		}
		total += w
	}
	joined := " " + strings.Join(toks, " ") + " "
	for phrase, w := range lx.phrases {
		total += float64(strings.Count(joined, " "+phrase+" ")) * w
	}

	if total > 0 {
		if shouting(content) {
			total *= 1.2
		}
		if strings.Count(content, "!") >= 3 {
			total *= 1.1
		}
	}
	return models.Scored(total)
}

func shouting(content string) bool {
	letters, upper := 0, 0
	for _, r := range content {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return letters >= 10 && float64(upper)/float64(letters) > 0.5
}

// sentiment is a negativity score: the negative share of polar words,
// scaled down while there are fewer than three of them.
func (lx *lexicon) sentiment(content string) models.Score {
	var pos, neg int
	for _, tok := range tokenize(content) {
		if _, ok := lx.positive[tok]; ok {
			pos++
		}
		if _, ok := lx.negative[tok]; ok {
			neg++
		}
	}
	polar := pos + neg
	if polar == 0 {
		return models.Scored(0)
	}
	coverage := float64(polar) / 3
	if coverage > 1 {
		coverage = 1
	}
	return models.Scored(100 * float64(neg) / float64(polar) * coverage)
}

// shingles hashes every run of size consecutive tokens. Content shorter than
// size yields one shingle of all its tokens.
func shingles(content string, size int) []uint64 {
	toks := tokenize(content)
	if len(toks) == 0 {
		return nil
	}
	if size < 1 {
		size = 1
	}
	if len(toks) < size {
		size = len(toks)
	}
	seen := map[uint64]struct{}{}
	for i := 0; i+size <= len(toks); i++ {
		seen[xxhash.Sum64String(strings.Join(toks[i:i+size], " "))] = struct{}{}
	}
	out := make([]uint64, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// jaccard compares two sorted shingle sets.
func jaccard(a, b []uint64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	i, j, inter := 0, 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			inter++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
