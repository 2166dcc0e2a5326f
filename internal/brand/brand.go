// Package brand derives name variations from a company name and finds them in
// free text.
package brand

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var parenthetical = regexp.MustCompile(`\(([^()]+)\)`)

var legalSuffixes = map[string]bool{
	"ltd": true, "limited": true, "llc": true, "llp": true, "plc": true,
	"inc": true, "incorporated": true, "corp": true, "corporation": true,
	"pvt": true, "private": true, "co": true, "company": true,
	"gmbh": true, "ag": true, "sa": true, "infocomm": true,
}

// Fold lowercases s with Unicode case folding after NFC normalization. Both
// variations and searched text go through it so offsets stay comparable.
func Fold(s string) string {
	return cases.Fold().String(norm.NFC.String(s))
}

// ExtractVariations returns the names a brand is likely to appear under, most
// specific first: the parenthetical segment, the full name, the first word,
// the first two words, then the name with legal suffixes removed. The result
// is folded and deduplicated. Blank input yields an empty slice.
func ExtractVariations(name string) []string {
	name = strings.TrimSpace(name)
	if name == "" {
		return []string{}
	}

	var out []string
	seen := make(map[string]bool)
	add := func(v string) {
		v = strings.Join(strings.Fields(Fold(v)), " ")
		if v == "" || seen[v] {
			return
		}
		seen[v] = true
		out = append(out, v)
	}

	if m := parenthetical.FindStringSubmatch(name); m != nil {
		add(m[1])
	}

	base := strings.TrimSpace(parenthetical.ReplaceAllString(name, " "))
	words := strings.Fields(base)
	add(base)
	if len(words) > 0 {
		add(trimPunct(words[0]))
	}
	if len(words) > 1 {
		add(trimPunct(words[0]) + " " + trimPunct(words[1]))
	}
	add(stripSuffixes(words))

	if out == nil {
		return []string{}
	}
	return out
}

func trimPunct(w string) string {
	return strings.Trim(w, ".,;:&")
}

func stripSuffixes(words []string) string {
	end := len(words)
	for end > 1 && legalSuffixes[Fold(trimPunct(words[end-1]))] {
		end--
	}
	kept := make([]string, 0, end)
	for _, w := range words[:end] {
		kept = append(kept, trimPunct(w))
	}
	return strings.Join(kept, " ")
}

// Mention is the result of scanning one text for a set of variations.
type Mention struct {
	Mentioned bool
	// Count sums occurrences of every variation.
	Count int
	// FirstOffset is the byte offset in the folded text of the earliest
	// match, or -1.
	FirstOffset int
	// Variation is the variation found at FirstOffset. When several start
	// there, the longest wins, then the lexically smallest.
	Variation string
	// TextLen is the byte length of the folded text.
	TextLen int
}

// DetectMention searches text case-insensitively for every variation.
func DetectMention(text string, variations []string) Mention {
	folded := Fold(text)
	m := Mention{FirstOffset: -1, TextLen: len(folded)}
	for _, v := range variations {
		v = Fold(v)
		if v == "" {
			continue
		}
		n := strings.Count(folded, v)
		if n == 0 {
			continue
		}
		m.Count += n
		off := strings.Index(folded, v)
		if m.FirstOffset < 0 || off < m.FirstOffset || (off == m.FirstOffset && preferred(v, m.Variation)) {
			m.FirstOffset = off
			m.Variation = v
		}
	}
	m.Mentioned = m.Count > 0
	return m
}

func preferred(a, b string) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a < b
}

// Matcher holds the variations of one brand.
type Matcher struct {
	Name       string
	Variations []string
}

// NewMatcher builds a Matcher for name.
func NewMatcher(name string) *Matcher {
	return &Matcher{Name: name, Variations: ExtractVariations(name)}
}

// Detect scans text for the brand.
func (m *Matcher) Detect(text string) Mention {
	return DetectMention(text, m.Variations)
}

// MentionedNames returns, in input order, the names from names whose full
// or suffix-stripped form appears in text. It is used for competitor lists,
// where matching on a bare first word would be too loose.
func MentionedNames(text string, names []string) []string {
	folded := Fold(text)
	out := []string{}
	for _, n := range names {
		base := Fold(strings.TrimSpace(n))
		if base == "" {
			continue
		}
		stripped := Fold(stripSuffixes(strings.Fields(n)))
		if strings.Contains(folded, base) || (stripped != "" && strings.Contains(folded, stripped)) {
			out = append(out, n)
		}
	}
	return out
}
