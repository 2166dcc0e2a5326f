package validate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name   string
		in     any
		want   float64
		defect DefectKind
	}{
		{"in range", 42.5, 42.5, ""},
		{"int", 70, 70, ""},
		{"numeric string", "88", 88, ""},
		{"percent string", " 12% ", 12, ""},
		{"nil", nil, 0, DefectMissing},
		{"nan", math.NaN(), 0, DefectNonNumeric},
		{"plus inf", math.Inf(1), 100, DefectOutOfRange},
		{"minus inf", math.Inf(-1), 0, DefectOutOfRange},
		{"too high", 140.0, 100, DefectOutOfRange},
		{"negative", -3, 0, DefectOutOfRange},
		{"word", "high", 0, DefectNonNumeric},
		{"bool", true, 0, DefectNonNumeric},
		{"map", map[string]any{"x": 1}, 0, DefectNonNumeric},
		{"gjson number", gjson.Get(`{"s":77}`, "s"), 77, ""},
		{"gjson string number", gjson.Get(`{"s":"61"}`, "s"), 61, ""},
		{"gjson null", gjson.Get(`{"s":null}`, "s"), 0, DefectMissing},
		{"gjson absent", gjson.Get(`{}`, "s"), 0, DefectMissing},
		{"gjson object", gjson.Get(`{"s":{"a":1}}`, "s"), 0, DefectNonNumeric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, d := Score(tt.in, Percent)
			assert.Equal(t, tt.want, got)
			if tt.defect == "" {
				assert.Nil(t, d)
			} else {
				require.NotNil(t, d)
				assert.Equal(t, tt.defect, d.Kind)
			}
		})
	}
}

func TestScore_CustomBounds(t *testing.T) {
	got, d := Score(0.5, Bounds{Min: 1, Max: 5})
	assert.Equal(t, 1.0, got)
	require.NotNil(t, d)

	got, d = Score(nil, Bounds{Min: 1, Max: 5})
	assert.Equal(t, 1.0, got)
	require.NotNil(t, d)
}

func FuzzScore(f *testing.F) {
	f.Add(50.0, "50")
	f.Add(math.NaN(), "NaN")
	f.Add(1e308, "-1e308")
	f.Add(-0.0, "abc")
	f.Fuzz(func(t *testing.T, n float64, s string) {
		for _, in := range []any{n, s, gjson.Parse(s)} {
			got, _ := Score(in, Percent)
			if math.IsNaN(got) || got < 0 || got > 100 {
				t.Fatalf("Score(%v) = %v out of [0,100]", in, got)
			}
		}
	})
}

func TestList(t *testing.T) {
	got, d := List(nil)
	assert.Empty(t, got)
	assert.NotNil(t, got)
	assert.Nil(t, d)

	got, d = List("solo")
	assert.Equal(t, []any{"solo"}, got)
	assert.Nil(t, d)

	got, d = List([]any{"a", 1.0})
	assert.Equal(t, []any{"a", 1.0}, got)
	assert.Nil(t, d)

	got, d = List(gjson.Get(`{"l":["x","y"]}`, "l"))
	assert.Equal(t, []any{"x", "y"}, got)
	assert.Nil(t, d)

	got, d = List(gjson.Get(`{"l":{"k":"v"}}`, "l"))
	assert.Empty(t, got)
	require.NotNil(t, d)
	assert.Equal(t, DefectWrongType, d.Kind)

	got, d = List(struct{}{})
	assert.Empty(t, got)
	require.NotNil(t, d)
}

func TestStrings(t *testing.T) {
	got, d := Strings(gjson.Get(`{"c":["Noise"," ",{"a":1},"JBL"]}`, "c"))
	assert.Equal(t, []string{"Noise", "JBL"}, got)
	require.NotNil(t, d)

	got, d = Strings(gjson.Get(`{"c":"Sony"}`, "c"))
	assert.Equal(t, []string{"Sony"}, got)
	assert.Nil(t, d)

	got, d = Strings(gjson.Get(`{}`, "c"))
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Nil(t, d)
}

func TestStructureQuality(t *testing.T) {
	for label, want := range map[string]int{
		"good": 85, "Excellent": 85, " HIGH ": 85,
		"fair": 50, "Average": 50, "medium": 50,
		"poor": 20, "BAD": 20, "low": 20,
	} {
		got, d := StructureQuality(label)
		assert.Equal(t, want, got, label)
		assert.Nil(t, d, label)
	}

	got, d := StructureQuality("stellar")
	assert.Equal(t, 50, got)
	require.NotNil(t, d)
	assert.Equal(t, DefectUnknownLabel, d.Kind)

	got, d = StructureQuality(gjson.Get(`{"q":3}`, "q"))
	assert.Equal(t, 50, got)
	assert.NotNil(t, d)
}

func TestRecorder_Counts(t *testing.T) {
	r := NewRecorder("audit-1")
	assert.Equal(t, 42.0, r.Percent("geo.citation_quality", 42))
	assert.Equal(t, 100.0, r.Percent("geo.authority_signal", 250))
	assert.Equal(t, 50, r.StructureQuality("context_quality", "weird"))
	r.Missing("brand_analysis")

	assert.Equal(t, 3, r.Total())
	kinds := r.ByKind()
	assert.Equal(t, 1, kinds[DefectOutOfRange])
	assert.Equal(t, 1, kinds[DefectUnknownLabel])
	assert.Equal(t, 1, kinds[DefectMissing])
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	assert.Equal(t, 0.0, r.Percent("x", "nope"))
	assert.Equal(t, 0, r.Total())
	assert.Empty(t, r.ByKind())
}
