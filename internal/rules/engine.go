// Package rules implements the local keyword-scoring classifier and template
// describer used when every external provider has failed.
package rules

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/enrich-cli/internal/model"
)

const (
	// negativeWeight is subtracted per exclusion keyword hit.
	negativeWeight = 2
	// scoreDivisor maps a raw score onto [0,1] before clamping.
	scoreDivisor = 3.0
	// targetThreshold is the confidence above which a record is in category.
	targetThreshold = 0.3
)

// Lexicon holds the keyword lists the engine scores against.
type Lexicon struct {
	Positive []string          `yaml:"positive" mapstructure:"positive_keywords"`
	Negative []string          `yaml:"negative" mapstructure:"negative_keywords"`
	TagMap   map[string]string `yaml:"tags" mapstructure:"tag_map"`
	// Category is the human label used in synthesized descriptions.
	Category string `yaml:"category" mapstructure:"category"`
}

// DefaultLexicon targets phone and device repair shops.
func DefaultLexicon() Lexicon {
	return Lexicon{
		Positive: []string{
			"repair", "fix", "screen", "phone", "broken", "cracked", "battery",
			"smartphone", "mobile", "iphone", "samsung", "tablet", "ipad",
			"laptop", "unlock", "replacement", "technician", "charging port",
		},
		Negative: []string{
			"restaurant", "cafe", "salon", "barber", "dentist", "dental",
			"bakery", "plumbing", "car wash", "auto body", "tyre", "tire",
		},
		TagMap: map[string]string{
			"screen":        "screen_repair",
			"cracked":       "screen_repair",
			"phone":         "phone_repair",
			"smartphone":    "phone_repair",
			"iphone":        "phone_repair",
			"samsung":       "phone_repair",
			"mobile":        "phone_repair",
			"battery":       "battery_replacement",
			"charging port": "battery_replacement",
			"tablet":        "tablet_repair",
			"ipad":          "tablet_repair",
			"laptop":        "computer_repair",
			"unlock":        "unlocking",
		},
		Category: "device repair specialist",
	}
}

// Engine scores records against a Lexicon. It performs no I/O and never fails.
type Engine struct {
	positive []string
	negative []string
	tagMap   map[string]string
	category string
}

// New builds an Engine, normalizing every keyword once up front.
func New(lex Lexicon) *Engine {
	e := &Engine{
		tagMap:   make(map[string]string, len(lex.TagMap)),
		category: lex.Category,
	}
	if e.category == "" {
		e.category = DefaultLexicon().Category
	}
	e.positive = normalizeAll(lex.Positive)
	e.negative = normalizeAll(lex.Negative)
	for k, v := range lex.TagMap {
		e.tagMap[Normalize(k)] = v
	}
	return e
}

// Score is the raw outcome of lexical scoring.
type Score struct {
	Positive   []string
	Negative   []string
	Raw        int
	Confidence float64
}

// Score computes keyword hits over name and description. Keywords match
// whole words, optionally inflected ("screen" matches "screens"), so
// "tire" does not fire inside "entire".
func (e *Engine) Score(rec model.Record) Score {
	doc := tokenize(Normalize(rec.Name + " " + rec.Description))

	var s Score
	for _, kw := range e.positive {
		if doc.has(kw) {
			s.Positive = append(s.Positive, kw)
		}
	}
	for _, kw := range e.negative {
		if doc.has(kw) {
			s.Negative = append(s.Negative, kw)
		}
	}
	s.Raw = len(s.Positive) - negativeWeight*len(s.Negative)
	s.Confidence = Clamp(float64(s.Raw)/scoreDivisor, 0, 1)
	return s
}

// inflections are the suffixes a word may carry and still match a keyword.
var inflections = []string{"s", "es", "ed", "ing", "er", "ers"}

// tokens is a document split into alphanumeric words. Words mixing letters
// and digits ("fix4phone") also contribute their letter and digit parts to
// parts, which single-word keywords match against.
type tokens struct {
	words []string
	parts map[string]bool
}

func tokenize(text string) tokens {
	t := tokens{parts: make(map[string]bool)}
	for _, w := range words(text) {
		t.words = append(t.words, w)
		t.parts[w] = true
		for _, p := range splitDigits(w) {
			t.parts[p] = true
		}
	}
	return t
}

func words(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// splitDigits cuts w wherever it switches between letters and digits.
func splitDigits(w string) []string {
	var out []string
	start := 0
	r := []rune(w)
	for i := 1; i < len(r); i++ {
		if unicode.IsDigit(r[i]) != unicode.IsDigit(r[i-1]) {
			out = append(out, string(r[start:i]))
			start = i
		}
	}
	if start == 0 {
		return nil
	}
	return append(out, string(r[start:]))
}

// has reports whether kw occurs as a word, or as a run of consecutive
// words for multi-word keywords.
func (t tokens) has(kw string) bool {
	want := words(kw)
	switch len(want) {
	case 0:
		return false
	case 1:
		for p := range t.parts {
			if wordMatches(p, want[0]) {
				return true
			}
		}
		return false
	}
	for i := 0; i+len(want) <= len(t.words); i++ {
		ok := true
		for j, w := range want {
			if !wordMatches(t.words[i+j], w) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func wordMatches(word, kw string) bool {
	if word == kw {
		return true
	}
	rest, ok := strings.CutPrefix(word, kw)
	if !ok {
		return false
	}
	for _, suf := range inflections {
		if rest == suf {
			return true
		}
	}
	return false
}

// Classify returns a lexical classification of the record.
func (e *Engine) Classify(rec model.Record) model.ClassificationResult {
	s := e.Score(rec)
	return model.ClassificationResult{
		IsTargetCategory: s.Confidence > targetThreshold,
		Confidence:       s.Confidence,
		Tags:             e.tags(s.Positive),
		Rationale: fmt.Sprintf("rule engine: %d positive keyword(s) [%s], %d exclusion keyword(s) [%s], score %d",
			len(s.Positive), strings.Join(s.Positive, ", "),
			len(s.Negative), strings.Join(s.Negative, ", "), s.Raw),
	}
}

// Enhance synthesizes a description from a fixed template. The output is
// never empty.
func (e *Engine) Enhance(rec model.Record) model.EnhancementResult {
	s := e.Score(rec)

	name := strings.TrimSpace(rec.Name)
	if name == "" {
		name = "This business"
	}
	kind := "local business"
	if s.Confidence > targetThreshold {
		kind = e.category
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s is a %s", name, kind)
	if addr := strings.TrimSpace(rec.Address); addr != "" {
		fmt.Fprintf(&b, " located at %s", addr)
	}
	b.WriteString(".")
	if desc := sentence(rec.Description); desc != "" {
		b.WriteString(" ")
		b.WriteString(desc)
	}
	if len(s.Positive) > 0 {
		fmt.Fprintf(&b, " Customers turn to %s for %s.", name, strings.Join(s.Positive, ", "))
	} else {
		fmt.Fprintf(&b, " Customers can rely on %s for friendly, professional service.", name)
	}

	return model.EnhancementResult{
		EnhancedDescription: b.String(),
		Keywords:            append([]string(nil), s.Positive...),
		SuggestedTags:       e.tags(s.Positive),
	}
}

func (e *Engine) tags(hits []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, kw := range hits {
		tag, ok := e.tagMap[kw]
		if !ok || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// sentence trims s and makes sure it starts upper-case and ends with punctuation.
func sentence(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	s = string(r)
	if !strings.ContainsRune(".!?", r[len(r)-1]) {
		s += "."
	}
	return s
}

// Normalize strips diacritics and case-folds text for keyword matching.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(cases.Fold().String(out)), " ")
}

func normalizeAll(words []string) []string {
	seen := make(map[string]bool, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		n := Normalize(w)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
