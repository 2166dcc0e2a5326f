package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/audit"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/monitoring"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/queue"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/store"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/store/storetest"
)

type harness struct {
	st      *store.SQLiteStore
	queue   *queue.SQLite
	hub     *audit.Hub
	machine *audit.Machine
	handler http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := storetest.NewSQLite(t)
	storetest.Seed(t, st, storetest.Fixture{Responses: 6})
	q := queue.NewSQLite(st.DB(), queue.Options{PollInterval: 5 * time.Millisecond})
	require.NoError(t, q.Migrate(context.Background()))
	hub := audit.NewHub(8)
	srv := New(Deps{Store: st, Queue: q, Hub: hub, Collector: monitoring.NewCollector(st)})
	srv.keepAlive = 20 * time.Millisecond
	return &harness{st: st, queue: q, hub: hub, machine: audit.NewMachine(st, hub), handler: srv.Routes()}
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (h *harness) pending(t *testing.T) int {
	t.Helper()
	n, err := h.queue.Pending(context.Background())
	require.NoError(t, err)
	return n
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	rec = h.do(t, http.MethodGet, "/health?metrics=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	metrics, ok := decode(t, rec)["metrics"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 24, metrics["lookback_hours"])
}

func TestEnqueue_CreatesAudit(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/jobs", `{"audit_id":"audit-2","company_id":"co-boat","query_count":48,"providers":["openai"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "audit-2", body["audit_id"])
	assert.NotEmpty(t, body["job_id"])

	a, err := h.st.GetAudit(context.Background(), "audit-2")
	require.NoError(t, err)
	assert.True(t, a.State.Is(model.StatePending))
	assert.Equal(t, 48, a.QueryCount)
	assert.Equal(t, 1, h.pending(t))

	d, err := h.queue.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "api", d.Job.Source)
	assert.Equal(t, []string{"openai"}, d.Job.Providers)
}

func TestEnqueue_ExistingAudit(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/jobs", `{"audit_id":"audit-1","company_id":"co-boat","source":"onboarding"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, h.pending(t))
}

func TestEnqueue_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"missing company", `{"audit_id":"audit-9"}`, http.StatusBadRequest},
		{"unknown company", `{"audit_id":"audit-9","company_id":"co-none"}`, http.StatusNotFound},
		{"company mismatch", `{"audit_id":"audit-1","company_id":"co-other"}`, http.StatusConflict},
		{"bad phase", `{"audit_id":"audit-1","company_id":"co-boat","resume_from_phase":"polishing"}`, http.StatusBadRequest},
		{"resume of unknown audit", `{"audit_id":"audit-9","company_id":"co-boat","resume_from_phase":"analyzing"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			rec := h.do(t, http.MethodPost, "/jobs", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			assert.Zero(t, h.pending(t))
		})
	}
}

func TestGetAudit(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/audits/audit-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 0, body["percent_complete"])
	assert.Nil(t, body["summary"])
	state := body["audit"].(map[string]any)["state"].(map[string]any)
	assert.Equal(t, "pending", state["status"])

	rec = h.do(t, http.MethodGet, "/audits/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAudits(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/audits?kind=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["audits"], 1)

	rec = h.do(t, http.MethodGet, "/audits?kind=completed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["audits"])
}

func TestStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.machine.Claim(ctx, "audit-1")
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/audits/audit-1/stop", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	a, err := h.st.GetAudit(ctx, "audit-1")
	require.NoError(t, err)
	assert.True(t, a.StopRequested)

	_, err = h.machine.Fail(ctx, "audit-1", "stopped by request")
	require.NoError(t, err)
	rec = h.do(t, http.MethodPost, "/audits/audit-1/stop", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/audits/missing/stop", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.machine.Claim(ctx, "audit-1")
	require.NoError(t, err)
	_, err = h.machine.Advance(ctx, "audit-1", model.PhaseAnalyzing)
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/audits/audit-1/resume", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "analyzing", decode(t, rec)["resume_from_phase"])

	d, err := h.queue.Next(ctx)
	require.NoError(t, err)
	assert.True(t, d.Job.IsResume())
	assert.Equal(t, "manual", d.Job.Source)

	entries, err := h.st.ListReprocessLog(ctx, "audit-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.TriggerManual, entries[0].TriggeredBy)
	assert.Equal(t, "processing:analyzing", entries[0].StateBefore)

	rec = h.do(t, http.MethodGet, "/audits/audit-1/reprocess-log", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["entries"], 1)
}

func TestResume_TerminalAudit(t *testing.T) {
	h := newHarness(t)
	_, err := h.machine.Fail(context.Background(), "audit-1", "gave up")
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/audits/audit-1/resume", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Zero(t, h.pending(t))
}

func TestReport(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/audits/audit-1/report", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "<h1>Imagine Marketing Limited (boAt)</h1>")

	rec = h.do(t, http.MethodGet, "/audits/audit-1/report?format=markdown", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "# Imagine Marketing Limited (boAt)"))

	rec = h.do(t, http.MethodGet, "/audits/missing/report", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExport(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/audits/audit-1/export.xlsx", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "audit-audit-1.xlsx")

	f, err := xlsx.OpenBinary(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Len(t, f.Sheets, 3)
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodOptions, "/jobs", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func readEvent(t *testing.T, r *bufio.Reader) model.ProgressEvent {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var ev model.ProgressEvent
			require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(data)), &ev))
			return ev
		}
	}
}

func TestEvents_StreamsUntilTerminal(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/audits/audit-1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	first := readEvent(t, r)
	assert.Equal(t, "pending", first.NewState)
	require.Eventually(t, func() bool { return h.hub.Subscribers("audit-1") == 1 }, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	_, err = h.machine.Claim(ctx, "audit-1")
	require.NoError(t, err)
	ev := readEvent(t, r)
	assert.Equal(t, "processing:queries", ev.NewState)
	assert.Equal(t, 10, ev.PercentComplete)

	_, err = h.machine.Fail(ctx, "audit-1", "stopped by request")
	require.NoError(t, err)
	ev = readEvent(t, r)
	assert.Equal(t, "failed", ev.NewState)
	assert.Equal(t, 100, ev.PercentComplete)

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.NotContains(t, string(rest), "data:")
	require.Eventually(t, func() bool { return h.hub.Subscribers("audit-1") == 0 }, time.Second, 5*time.Millisecond)
}

func TestEvents_TerminalAuditClosesImmediately(t *testing.T) {
	h := newHarness(t)
	_, err := h.machine.Fail(context.Background(), "audit-1", "gave up")
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/audits/audit-1/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, bytes.Count(rec.Body.Bytes(), []byte("event: progress")))
	assert.Contains(t, rec.Body.String(), `"new_state":"failed"`)
}

func TestEvents_UnknownAudit(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/audits/missing/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, h.hub.Subscribers("missing"))
}
