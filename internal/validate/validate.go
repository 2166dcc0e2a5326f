// Package validate coerces untrusted model output into range-valid values.
// Nothing here returns an error: every function yields a usable value and,
// when the input had to be corrected, a Defect describing what was wrong.
package validate

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// DefectKind classifies a correction applied to untrusted input.
type DefectKind string

const (
	DefectMissing      DefectKind = "missing"
	DefectNonNumeric   DefectKind = "non_numeric"
	DefectOutOfRange   DefectKind = "out_of_range"
	DefectWrongType    DefectKind = "wrong_type"
	DefectUnknownLabel DefectKind = "unknown_label"
)

// Defect records one correction. It is a value, not an error.
type Defect struct {
	Kind   DefectKind
	Field  string
	Detail string
}

func (d Defect) String() string {
	if d.Field == "" {
		return fmt.Sprintf("%s: %s", d.Kind, d.Detail)
	}
	return fmt.Sprintf("%s %s: %s", d.Field, d.Kind, d.Detail)
}

// Bounds is an inclusive numeric range.
type Bounds struct {
	Min, Max float64
}

// Percent is the default [0,100] range.
var Percent = Bounds{Min: 0, Max: 100}

// Score coerces v into b. Nil, NaN and non-numeric input become 0 (or b.Min
// when 0 is outside b) with a defect. Out-of-range input is clamped.
func Score(v any, b Bounds) (float64, *Defect) {
	f, ok, present := toFloat(v)
	if !present {
		return b.fallback(), &Defect{Kind: DefectMissing, Detail: "null score"}
	}
	if !ok || math.IsNaN(f) {
		return b.fallback(), &Defect{Kind: DefectNonNumeric, Detail: fmt.Sprintf("%v", describe(v))}
	}
	switch {
	case f < b.Min:
		return b.Min, &Defect{Kind: DefectOutOfRange, Detail: fmt.Sprintf("%g below %g", f, b.Min)}
	case f > b.Max:
		return b.Max, &Defect{Kind: DefectOutOfRange, Detail: fmt.Sprintf("%g above %g", f, b.Max)}
	}
	return f, nil
}

func (b Bounds) fallback() float64 {
	if b.Min <= 0 && b.Max >= 0 {
		return 0
	}
	return b.Min
}

// toFloat returns the numeric value of v, whether it was numeric, and whether
// anything was present at all.
func toFloat(v any) (f float64, ok bool, present bool) {
	switch x := v.(type) {
	case nil:
		return 0, false, false
	case gjson.Result:
		switch x.Type {
		case gjson.Null:
			return 0, false, false
		case gjson.Number:
			return x.Num, true, true
		case gjson.String:
			return toFloat(x.Str)
		default:
			return 0, false, true
		}
	case float64:
		return x, true, true
	case float32:
		return float64(x), true, true
	case int:
		return float64(x), true, true
	case int32:
		return float64(x), true, true
	case int64:
		return float64(x), true, true
	case uint:
		return float64(x), true, true
	case uint64:
		return float64(x), true, true
	case string:
		s := strings.TrimSuffix(strings.TrimSpace(x), "%")
		if s == "" {
			return 0, false, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false, true
		}
		return f, true, true
	}
	return 0, false, true
}

// List normalizes v into a slice: nil becomes empty, a scalar becomes a
// one-element slice and a slice passes through. Objects and other shapes
// become empty with a defect.
func List(v any) ([]any, *Defect) {
	switch x := v.(type) {
	case nil:
		return []any{}, nil
	case gjson.Result:
		switch {
		case !x.Exists() || x.Type == gjson.Null:
			return []any{}, nil
		case x.IsArray():
			arr := x.Array()
			out := make([]any, 0, len(arr))
			for _, el := range arr {
				out = append(out, el.Value())
			}
			return out, nil
		case x.IsObject():
			return []any{}, &Defect{Kind: DefectWrongType, Detail: "object where list expected"}
		default:
			return []any{x.Value()}, nil
		}
	case []any:
		return x, nil
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, nil
	case string, float64, int, int64, bool:
		return []any{x}, nil
	}
	return []any{}, &Defect{Kind: DefectWrongType, Detail: fmt.Sprintf("%T where list expected", v)}
}

// Strings is List restricted to non-empty scalar elements rendered as text.
func Strings(v any) ([]string, *Defect) {
	items, d := List(v)
	out := make([]string, 0, len(items))
	dropped := 0
	for _, it := range items {
		switch x := it.(type) {
		case string:
			if s := strings.TrimSpace(x); s != "" {
				out = append(out, s)
			}
		case float64, int, int64, bool:
			out = append(out, fmt.Sprint(x))
		case nil:
		default:
			dropped++
		}
	}
	if d == nil && dropped > 0 {
		d = &Defect{Kind: DefectWrongType, Detail: fmt.Sprintf("dropped %d non-scalar elements", dropped)}
	}
	return out, d
}

var qualityLabels = map[string]int{
	"excellent": 85,
	"good":      85,
	"high":      85,
	"fair":      50,
	"average":   50,
	"medium":    50,
	"poor":      20,
	"bad":       20,
	"low":       20,
}

// StructureQuality maps a quality label to 85, 50 or 20. Anything else is 50
// with a defect.
func StructureQuality(v any) (int, *Defect) {
	var label string
	switch x := v.(type) {
	case string:
		label = x
	case gjson.Result:
		if x.Type == gjson.String {
			label = x.Str
		}
	}
	if score, ok := qualityLabels[strings.ToLower(strings.TrimSpace(label))]; ok {
		return score, nil
	}
	return 50, &Defect{Kind: DefectUnknownLabel, Detail: fmt.Sprintf("%v", describe(v))}
}

func describe(v any) any {
	if r, ok := v.(gjson.Result); ok {
		if r.Raw == "" {
			return "<absent>"
		}
		return r.Raw
	}
	return v
}
