package finalize

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/analyzer"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/audit"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/funnel"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/gateway/mocks"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/resilience"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/store"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/store/storetest"
)

type recordingProjector struct {
	calls []*model.ExecutiveSummary
	err   error
}

func (p *recordingProjector) Project(_ context.Context, _ *model.Audit, s *model.ExecutiveSummary) error {
	p.calls = append(p.calls, s)
	return p.err
}

type harness struct {
	st        store.Store
	gw        *mocks.Scripted
	funnel    *funnel.Funnel
	projector *recordingProjector
	fin       *Finalizer
}

// newHarness seeds n responses, analyzes them and leaves the audit in the
// aggregating phase.
func newHarness(t *testing.T, n int, text func(int) string) *harness {
	t.Helper()
	ctx := context.Background()
	st := storetest.NewSQLite(t)
	storetest.Seed(t, st, storetest.Fixture{Responses: n, Text: text})

	m := audit.NewMachine(st, nil)
	_, err := m.Claim(ctx, "audit-1")
	require.NoError(t, err)
	_, err = m.Advance(ctx, "audit-1", model.PhaseAnalyzing)
	require.NoError(t, err)
	_, err = analyzer.New(st).AnalyzeAudit(ctx, "audit-1", analyzer.NewContext(storetest.BoatCompany(), nil), nil)
	require.NoError(t, err)
	_, err = m.Advance(ctx, "audit-1", model.PhaseAggregating)
	require.NoError(t, err)

	gw := mocks.NewScripted(t)
	f, err := funnel.New(st, gw, nil, funnel.Config{BatchSize: 16, Concurrency: 4})
	require.NoError(t, err)
	p := &recordingProjector{}
	return &harness{st: st, gw: gw, funnel: f, projector: p, fin: New(st, m, f, p, DefaultThresholds())}
}

func (h *harness) runFunnel(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	company := storetest.BoatCompany()
	require.NoError(t, h.funnel.StageA(ctx, "audit-1"))
	require.NoError(t, h.funnel.StageB(ctx, "audit-1", company))
	require.NoError(t, h.funnel.StageC(ctx, "audit-1", company))
}

func mostlyBoat(i int) string {
	if i%10 == 0 {
		return "JBL and Sony lead this segment for bass-heavy earbuds."
	}
	return "boAt Airdopes are a popular budget pick, often compared with JBL."
}

func TestFinalize_HighConfidence(t *testing.T) {
	h := newHarness(t, 144, mostlyBoat)
	h.runFunnel(t)

	a, err := h.fin.Finalize(context.Background(), "audit-1")
	require.NoError(t, err)

	assert.True(t, a.State.Is(model.StateCompleted))
	assert.Equal(t, model.TierHighConfidence, a.DataQualityStatus)
	require.NotNil(t, a.VisibilityRate)
	assert.InDelta(t, 90, *a.VisibilityRate, 1)
	require.NotNil(t, a.OverallScore)
	assert.Greater(t, *a.OverallScore, 0.0)
	require.NotNil(t, a.DataQualityScore)
	assert.Equal(t, 100.0, *a.DataQualityScore)

	summary, err := h.st.GetExecutiveSummary(context.Background(), "audit-1")
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, model.TierHighConfidence, summary.Scores.DataQualityTier)
	assert.Equal(t, 1, h.gw.Count("summary"))
	assert.Len(t, h.projector.calls, 1)
}

func TestFinalize_DetectorRegressionFailsAudit(t *testing.T) {
	h := newHarness(t, 140, func(int) string {
		return "JBL and Sony lead this segment for bass-heavy earbuds."
	})

	a, err := h.fin.Finalize(context.Background(), "audit-1")

	var dq *resilience.DataQualityError
	require.True(t, errors.As(err, &dq))
	assert.Contains(t, dq.Checks, CheckBrandDetection)
	assert.Equal(t, resilience.KindDataQuality, resilience.Classify(err))

	require.NotNil(t, a)
	assert.True(t, a.State.Is(model.StateFailed))
	assert.Contains(t, a.ErrorMessage, "brand_detection")
	assert.Equal(t, model.TierInvalid, a.DataQualityStatus)

	summary, err := h.st.GetExecutiveSummary(context.Background(), "audit-1")
	require.NoError(t, err)
	assert.Nil(t, summary)
	assert.Zero(t, h.gw.Total())
	assert.Empty(t, h.projector.calls)
}

func TestFinalize_Idempotent(t *testing.T) {
	h := newHarness(t, 24, mostlyBoat)
	h.runFunnel(t)
	ctx := context.Background()

	first, err := h.fin.Finalize(ctx, "audit-1")
	require.NoError(t, err)
	calls := h.gw.Total()

	second, err := h.fin.Finalize(ctx, "audit-1")
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, calls, h.gw.Total())
	assert.Len(t, h.projector.calls, 1)
}

func TestFinalize_SummaryExistsBeforeCrash(t *testing.T) {
	h := newHarness(t, 24, mostlyBoat)
	h.runFunnel(t)
	ctx := context.Background()

	// Stage D committed but the worker died before completing the audit.
	_, err := h.funnel.StageD(ctx, "audit-1", storetest.BoatCompany(), model.Scores{})
	require.NoError(t, err)
	require.Equal(t, 1, h.gw.Count("summary"))

	a, err := h.fin.Finalize(ctx, "audit-1")
	require.NoError(t, err)
	assert.True(t, a.State.Is(model.StateCompleted))
	assert.Equal(t, 1, h.gw.Count("summary"))
}

func TestFinalize_MissingPrioritiesIsStageDependency(t *testing.T) {
	h := newHarness(t, 24, mostlyBoat)

	_, err := h.fin.Finalize(context.Background(), "audit-1")
	assert.Equal(t, resilience.KindStageDependency, resilience.Classify(err))

	a, err := h.st.GetAudit(context.Background(), "audit-1")
	require.NoError(t, err)
	assert.Equal(t, "processing:finalizing", a.State.String())
}

func TestFinalize_ProjectionErrorDoesNotFail(t *testing.T) {
	h := newHarness(t, 24, mostlyBoat)
	h.runFunnel(t)
	h.projector.err = errors.New("dashboard down")

	a, err := h.fin.Finalize(context.Background(), "audit-1")
	require.NoError(t, err)
	assert.True(t, a.State.Is(model.StateCompleted))
}

func TestFinalize_FailedAuditIsRejected(t *testing.T) {
	h := newHarness(t, 12, mostlyBoat)
	ctx := context.Background()
	_, err := h.fin.machine.Fail(ctx, "audit-1", "stopped by request")
	require.NoError(t, err)

	_, err = h.fin.Finalize(ctx, "audit-1")
	assert.ErrorContains(t, err, "already failed")
}

func TestFinalize_AuditDefectsCountTowardGate(t *testing.T) {
	h := newHarness(t, 24, mostlyBoat)
	h.runFunnel(t)
	ctx := context.Background()

	before, report, err := h.fin.Preview(ctx, "audit-1")
	require.NoError(t, err)
	assert.NotContains(t, report.Names(), CheckDefectRate)

	require.NoError(t, h.st.AddAuditDefects(ctx, "audit-1", "company", 20))
	after, report, err := h.fin.Preview(ctx, "audit-1")
	require.NoError(t, err)
	assert.Equal(t, before.Defects+20, after.Defects)
	assert.Contains(t, report.Names(), CheckDefectRate)

	a, err := h.fin.Finalize(ctx, "audit-1")
	require.NoError(t, err)
	require.NotNil(t, a.DataQualityScore)
	assert.Equal(t, report.Score, *a.DataQualityScore)
}
