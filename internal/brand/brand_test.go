package brand

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractVariations(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "parenthetical wins",
			in:   "Imagine Marketing Limited (boAt)",
			want: []string{"boat", "imagine marketing limited", "imagine", "imagine marketing"},
		},
		{
			name: "suffix stripped",
			in:   "Acme Widgets Pvt. Ltd.",
			want: []string{"acme widgets pvt. ltd.", "acme", "acme widgets"},
		},
		{
			name: "single word",
			in:   "Zomato",
			want: []string{"zomato"},
		},
		{
			name: "three words with suffix",
			in:   "Blue Star Infocomm Corp",
			want: []string{"blue star infocomm corp", "blue", "blue star"},
		},
		{
			name: "whitespace collapsed",
			in:   "  Open   Door  LLC ",
			want: []string{"open door llc", "open", "open door"},
		},
		{name: "empty", in: "", want: []string{}},
		{name: "blank", in: "   ", want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractVariations(tt.in)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractVariations_ParentheticalFirst(t *testing.T) {
	assert.Equal(t, "boat", ExtractVariations("Imagine Marketing Limited (boAt)")[0])
}

func TestDetectMention_ConsumerName(t *testing.T) {
	m := NewMatcher("Imagine Marketing Limited (boAt)")
	got := m.Detect("For budget earbuds, BoAt Airdopes are popular. boAt also sells speakers.")
	assert.True(t, got.Mentioned)
	assert.Equal(t, 2, got.Count)
	assert.Equal(t, 20, got.FirstOffset)
	assert.Equal(t, "boat", got.Variation)
}

func TestDetectMention_SumsAcrossVariations(t *testing.T) {
	got := DetectMention("Imagine Marketing, maker of boat headphones", ExtractVariations("Imagine Marketing Limited (boAt)"))
	// "boat", "imagine" and "imagine marketing" each occur once.
	assert.Equal(t, 3, got.Count)
	assert.Equal(t, 0, got.FirstOffset)
}

func TestDetectMention_None(t *testing.T) {
	got := DetectMention("JBL and Sony dominate this segment.", []string{"boat"})
	assert.False(t, got.Mentioned)
	assert.Equal(t, 0, got.Count)
	assert.Equal(t, -1, got.FirstOffset)
	assert.Empty(t, got.Variation)
}

func TestDetectMention_EmptyVariations(t *testing.T) {
	got := DetectMention("anything", nil)
	assert.False(t, got.Mentioned)
	assert.Equal(t, -1, got.FirstOffset)
}

func TestDetectMention_SameOffsetPrefersLongest(t *testing.T) {
	got := DetectMention("imagine marketing leads", []string{"imagine", "imagine marketing"})
	assert.Equal(t, 0, got.FirstOffset)
	assert.Equal(t, "imagine marketing", got.Variation)

	// Order of variations does not matter.
	got = DetectMention("imagine marketing leads", []string{"imagine marketing", "imagine"})
	assert.Equal(t, "imagine marketing", got.Variation)
}

func TestDetectMention_SameOffsetSameLengthLexical(t *testing.T) {
	got := DetectMention("abcd", []string{"abcd", "ABCD"})
	assert.Equal(t, "abcd", got.Variation)
	assert.Equal(t, 2, got.Count)
}

func TestFold_Unicode(t *testing.T) {
	assert.Equal(t, Fold("CAFÉ"), Fold("café"))
	assert.True(t, DetectMention("Visit CAFÉ Noir", []string{"café noir"}).Mentioned)
}

func TestMentionedNames(t *testing.T) {
	text := "Alternatives include Noise, JBL and Sony headphones."
	got := MentionedNames(text, []string{"Sony Corporation", "Noise", "Bose", "JBL"})
	assert.Equal(t, []string{"Sony Corporation", "Noise", "JBL"}, got)
	assert.Empty(t, MentionedNames("nothing here", []string{"Bose"}))
}
