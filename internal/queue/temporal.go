package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/resilience"
)

// Temporal names.
const (
	WorkflowName = "AuditWorkflow"
	ActivityName = "ProcessAudit"
)

// TemporalConfig locates the Temporal frontend.
type TemporalConfig struct {
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
	// ActivityTimeout bounds one processing attempt.
	ActivityTimeout time.Duration `mapstructure:"activity_timeout"`
	MaxAttempts     int32         `mapstructure:"max_attempts"`
}

// WorkflowStarter is the subset of client.Client used to enqueue.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Temporal enqueues each job as one workflow execution. Workers run the
// processor inside an activity, so Temporal owns leasing and retries.
type Temporal struct {
	starter   WorkflowStarter
	taskQueue string
}

// DialTemporal connects to Temporal.
func DialTemporal(cfg TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{HostPort: cfg.HostPort, Namespace: cfg.Namespace})
	if err != nil {
		return nil, eris.Wrap(err, "queue: dial temporal")
	}
	return c, nil
}

// NewTemporal returns a Queue that starts workflows on taskQueue.
func NewTemporal(starter WorkflowStarter, taskQueue string) *Temporal {
	return &Temporal{starter: starter, taskQueue: taskQueue}
}

// Enqueue implements Queue. The returned id is the workflow id.
func (q *Temporal) Enqueue(ctx context.Context, job model.AuditJob) (string, error) {
	if job.AuditID == "" {
		return "", eris.New("queue: job has no audit id")
	}
	opts := client.StartWorkflowOptions{
		ID:        "audit-" + job.AuditID + "-" + uuid.New().String()[:8],
		TaskQueue: q.taskQueue,
	}
	run, err := q.starter.ExecuteWorkflow(ctx, opts, WorkflowName, job)
	if err != nil {
		return "", eris.Wrapf(err, "queue: start workflow for audit %s", job.AuditID)
	}
	return run.GetID(), nil
}

// AuditWorkflow runs one job as a single activity.
func AuditWorkflow(ctx workflow.Context, job model.AuditJob, timeout time.Duration, maxAttempts int32) error {
	if timeout <= 0 {
		timeout = 2 * time.Hour
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    30 * time.Second,
			BackoffCoefficient: 2,
			MaximumAttempts:    maxAttempts,
		},
	})
	return workflow.ExecuteActivity(ctx, ActivityName, job).Get(ctx, nil)
}

// activityHeartbeat must stay well under the workflow's HeartbeatTimeout.
const activityHeartbeat = time.Minute

// Activities adapts a Handler to a Temporal activity.
type Activities struct {
	Handler Handler
}

// ProcessAudit runs the handler. Terminal failures are marked non-retryable
// so Temporal does not re-run an audit that can never succeed.
func (a *Activities) ProcessAudit(ctx context.Context, job model.AuditJob) error {
	activity.RecordHeartbeat(ctx, job.AuditID)
	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(activityHeartbeat)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				activity.RecordHeartbeat(ctx, job.AuditID)
			}
		}
	}()

	err := a.Handler.Handle(ctx, job)
	if err == nil {
		return nil
	}
	if resilience.IsTerminal(err) || resilience.IsNotFound(err) {
		return temporal.NewNonRetryableApplicationError(err.Error(), resilience.Classify(err).String(), err)
	}
	return err
}

// RunTemporalWorker registers the workflow and activity and blocks until
// ctx is done.
func RunTemporalWorker(ctx context.Context, c client.Client, cfg TemporalConfig, h Handler) error {
	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(func(ctx workflow.Context, job model.AuditJob) error {
		return AuditWorkflow(ctx, job, cfg.ActivityTimeout, cfg.MaxAttempts)
	}, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterActivityWithOptions((&Activities{Handler: h}).ProcessAudit, activity.RegisterOptions{Name: ActivityName})

	if err := w.Start(); err != nil {
		return eris.Wrap(err, "queue: start temporal worker")
	}
	zap.L().Info("temporal worker started", zap.String("task_queue", cfg.TaskQueue))
	<-ctx.Done()
	w.Stop()
	return nil
}
