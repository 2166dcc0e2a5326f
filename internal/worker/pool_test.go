package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/config"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/monitoring"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/queue"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/resilience"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/store/storetest"
)

func newQueue(t *testing.T, e *env) *queue.SQLite {
	t.Helper()
	q := queue.NewSQLite(e.st.DB(), queue.Options{PollInterval: 5 * time.Millisecond})
	require.NoError(t, q.Migrate(context.Background()))
	return q
}

func runPool(t *testing.T, p *Pool) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

func TestPool_ProcessesJob(t *testing.T) {
	e := newEnv(t, 24, mostlyBoat)
	q := newQueue(t, e)
	_, err := q.Enqueue(context.Background(), job())
	require.NoError(t, err)

	p := NewPool(q, e.proc, 2)
	stop := runPool(t, p)
	require.Eventually(t, func() bool {
		succeeded, _, _ := p.Stats()
		return succeeded == 1
	}, 10*time.Second, 10*time.Millisecond)
	stop()

	assert.True(t, e.audit(t).State.Is(model.StateCompleted))
	n, err := q.Pending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

type handlerFunc func(ctx context.Context, job model.AuditJob) error

func (f handlerFunc) Handle(ctx context.Context, job model.AuditJob) error { return f(ctx, job) }

func TestPool_TransientClaimFailureIsRequeued(t *testing.T) {
	e := newEnv(t, 1, nil)
	q := newQueue(t, e)
	_, err := q.Enqueue(context.Background(), job())
	require.NoError(t, err)

	p := NewPool(q, handlerFunc(func(_ context.Context, j model.AuditJob) error {
		return &ClaimError{AuditID: j.AuditID, Err: resilience.NewTransientError(errors.New("db restarting"), 0)}
	}), 1)
	p.nackDelay = time.Hour
	stop := runPool(t, p)
	require.Eventually(t, func() bool {
		_, _, requeued := p.Stats()
		return requeued == 1
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	n, err := q.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPool_FailedJobIsAcked(t *testing.T) {
	e := newEnv(t, 1, nil)
	q := newQueue(t, e)
	_, err := q.Enqueue(context.Background(), job())
	require.NoError(t, err)

	p := NewPool(q, handlerFunc(func(context.Context, model.AuditJob) error {
		return &resilience.DataQualityError{Checks: []string{"brand_detection"}}
	}), 1)
	stop := runPool(t, p)
	require.Eventually(t, func() bool {
		_, failed, _ := p.Stats()
		return failed == 1
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	n, err := q.Pending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// collectResponses writes n responses for audit-1, standing in for the
// upstream collector.
func collectResponses(t *testing.T, e *env, n int) {
	t.Helper()
	ctx := context.Background()
	queries := make([]model.Query, 0, n)
	responses := make([]model.Response, 0, n)
	for i := 0; i < n; i++ {
		cat := storetest.DefaultCategories[i%len(storetest.DefaultCategories)]
		qid := fmt.Sprintf("late-q%03d", i)
		queries = append(queries, model.Query{ID: qid, AuditID: "audit-1", Category: cat, Text: "best earbuds?"})
		responses = append(responses, model.Response{
			ID:       fmt.Sprintf("late-r%03d", i),
			AuditID:  "audit-1",
			QueryID:  qid,
			Category: cat,
			Provider: storetest.DefaultProviders[i%len(storetest.DefaultProviders)],
			Text:     mostlyBoat(i),
			Payload:  storetest.DefaultPayload(i),
		})
	}
	require.NoError(t, e.st.CreateQueries(ctx, queries))
	require.NoError(t, e.st.CreateResponses(ctx, responses))
}

func TestPool_AuditStalledBeforeAnalysisIsRecovered(t *testing.T) {
	e := newEnv(t, 0, nil)
	clock := &testClock{now: storetest.Epoch}
	e.machine.SetClock(clock.Now)
	q := newQueue(t, e)
	checker := monitoring.NewChecker(e.st, e.machine, q, nil, nil,
		config.MonitorConfig{StaleTimeoutSecs: 600, MaxReprocess: 3})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job())
	require.NoError(t, err)
	p := NewPool(q, e.proc, 1)
	stop := runPool(t, p)
	require.Eventually(t, func() bool {
		_, failed, _ := p.Stats()
		return failed == 1
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	// The job is gone and no response was analyzed.
	n, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, "processing:collecting", e.audit(t).State.String())

	clock.Advance(11 * time.Minute)
	res, err := checker.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stalled)
	assert.Equal(t, []string{"audit-1"}, res.Requeued)
	assert.Equal(t, 1, e.audit(t).ReprocessCount)

	entries, err := e.st.ListReprocessLog(ctx, "audit-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Reason, "stalled before analysis"), entries[0].Reason)

	collectResponses(t, e, 24)
	p = NewPool(q, e.proc, 1)
	stop = runPool(t, p)
	require.Eventually(t, func() bool {
		succeeded, _, _ := p.Stats()
		return succeeded == 1
	}, 10*time.Second, 10*time.Millisecond)
	stop()

	assert.True(t, e.audit(t).State.Is(model.StateCompleted))
}
