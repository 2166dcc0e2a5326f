package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalmocks "go.temporal.io/sdk/mocks"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/resilience"
)

type fakeStarter struct {
	mock.Mock
}

func (f *fakeStarter) ExecuteWorkflow(ctx context.Context, opts client.StartWorkflowOptions, wf interface{}, args ...interface{}) (client.WorkflowRun, error) {
	ret := f.Called(opts.TaskQueue, wf, args[0])
	return ret.Get(0).(client.WorkflowRun), ret.Error(1)
}

func TestTemporal_Enqueue(t *testing.T) {
	job := model.AuditJob{AuditID: "a-1", Source: "api"}
	run := &temporalmocks.WorkflowRun{}
	run.On("GetID").Return("audit-a-1-1234abcd")
	starter := &fakeStarter{}
	starter.On("ExecuteWorkflow", "audits", WorkflowName, job).Return(run, nil)

	id, err := NewTemporal(starter, "audits").Enqueue(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "audit-a-1-1234abcd", id)
	starter.AssertExpectations(t)
}

type handlerFunc func(ctx context.Context, job model.AuditJob) error

func (f handlerFunc) Handle(ctx context.Context, job model.AuditJob) error { return f(ctx, job) }

func runWorkflow(t *testing.T, h Handler) (*testsuite.TestWorkflowEnvironment, error) {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterWorkflowWithOptions(func(ctx workflow.Context, job model.AuditJob) error {
		return AuditWorkflow(ctx, job, time.Minute, 3)
	}, workflow.RegisterOptions{Name: WorkflowName})
	env.RegisterActivityWithOptions((&Activities{Handler: h}).ProcessAudit, activity.RegisterOptions{Name: ActivityName})
	env.ExecuteWorkflow(WorkflowName, model.AuditJob{AuditID: "a-1"})
	require.True(t, env.IsWorkflowCompleted())
	return env, env.GetWorkflowError()
}

func TestAuditWorkflow_Succeeds(t *testing.T) {
	var got string
	_, err := runWorkflow(t, handlerFunc(func(_ context.Context, job model.AuditJob) error {
		got = job.AuditID
		return nil
	}))
	require.NoError(t, err)
	assert.Equal(t, "a-1", got)
}

func TestAuditWorkflow_RetriesTransient(t *testing.T) {
	calls := 0
	_, err := runWorkflow(t, handlerFunc(func(context.Context, model.AuditJob) error {
		calls++
		if calls < 3 {
			return resilience.NewTransientError(errors.New("provider 503"), 503)
		}
		return nil
	}))
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestAuditWorkflow_TerminalIsNotRetried(t *testing.T) {
	calls := 0
	_, err := runWorkflow(t, handlerFunc(func(context.Context, model.AuditJob) error {
		calls++
		return &resilience.DataQualityError{Score: 0, Checks: []string{"brand_detection"}}
	}))
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
