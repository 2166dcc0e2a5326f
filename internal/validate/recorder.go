package validate

import (
	"sync"

	"go.uber.org/zap"
)

// Recorder counts defects for one audit and logs each one. A nil *Recorder
// discards defects, so pure callers can pass nil.
type Recorder struct {
	auditID string
	log     *zap.Logger

	mu     sync.Mutex
	total  int
	byKind map[DefectKind]int
}

// NewRecorder returns a Recorder for auditID that logs through zap.L().
func NewRecorder(auditID string) *Recorder {
	return &Recorder{
		auditID: auditID,
		log:     zap.L().With(zap.String("audit_id", auditID)),
		byKind:  make(map[DefectKind]int),
	}
}

// Record counts d and logs it at Warn. A nil defect is ignored.
func (r *Recorder) Record(field string, d *Defect) {
	if r == nil || d == nil {
		return
	}
	if d.Field == "" {
		d.Field = field
	}
	r.mu.Lock()
	r.total++
	r.byKind[d.Kind]++
	r.mu.Unlock()
	r.log.Warn("validation defect",
		zap.String("field", d.Field),
		zap.String("kind", string(d.Kind)),
		zap.String("detail", d.Detail),
	)
}

// Total returns the number of defects recorded so far.
func (r *Recorder) Total() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// ByKind returns a copy of the per-kind counts.
func (r *Recorder) ByKind() map[DefectKind]int {
	out := make(map[DefectKind]int)
	if r == nil {
		return out
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range r.byKind {
		out[k] = v
	}
	return out
}

// Score is the package-level Score with the defect recorded.
func (r *Recorder) Score(field string, v any, b Bounds) float64 {
	f, d := Score(v, b)
	r.Record(field, d)
	return f
}

// Percent validates v against [0,100].
func (r *Recorder) Percent(field string, v any) float64 {
	return r.Score(field, v, Percent)
}

// Strings is the package-level Strings with the defect recorded.
func (r *Recorder) Strings(field string, v any) []string {
	s, d := Strings(v)
	r.Record(field, d)
	return s
}

// StructureQuality is the package-level StructureQuality with the defect recorded.
func (r *Recorder) StructureQuality(field string, v any) int {
	q, d := StructureQuality(v)
	r.Record(field, d)
	return q
}

// Missing records that a required structure was absent.
func (r *Recorder) Missing(field string) {
	r.Record(field, &Defect{Kind: DefectMissing, Detail: "required structure absent"})
}
