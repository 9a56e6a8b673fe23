package cli

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/jobs"
)

type stubEnqueuer struct {
	tasks  []*asynq.Task
	closed bool
}

func (s *stubEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	s.tasks = append(s.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

func (s *stubEnqueuer) Close() error {
	s.closed = true
	return nil
}

type stubInspector struct {
	info      *asynq.QueueInfo
	scheduled []*asynq.TaskInfo
}

func (s *stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return s.info, nil
}

func (s *stubInspector) ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return s.scheduled, nil
}

func (s *stubInspector) Close() error { return nil }

func TestTriggerReconcile(t *testing.T) {
	enq := &stubEnqueuer{}
	c := &JobsCLI{client: enq, inspector: &stubInspector{}}
	var out bytes.Buffer

	require.NoError(t, c.Run(context.Background(), []string{"trigger", "reconcile", "-tenant", "acme"}, &out))
	require.Len(t, enq.tasks, 1)
	require.Equal(t, jobs.TaskStockReconcile, enq.tasks[0].Type())
	require.JSONEq(t, `{"tenant_id":"acme"}`, string(enq.tasks[0].Payload()))
	require.Contains(t, out.String(), "enqueued stock:reconcile id=task-1")

	require.NoError(t, c.Run(context.Background(), []string{"trigger", jobs.TaskStockReconcile}, &out))
	require.JSONEq(t, `{"tenant_id":"all"}`, string(enq.tasks[1].Payload()))

	require.Error(t, c.Run(context.Background(), []string{"trigger", "gl:close"}, &out))
	require.Error(t, c.Run(context.Background(), []string{"trigger"}, &out))
	require.NoError(t, c.Close())
	require.True(t, enq.closed)
}

func TestStatsAndScheduled(t *testing.T) {
	next := time.Date(2025, 1, 2, 2, 30, 0, 0, time.UTC)
	c := &JobsCLI{
		client: &stubEnqueuer{},
		inspector: &stubInspector{
			info:      &asynq.QueueInfo{Queue: jobs.QueueDefault, Pending: 3, Retry: 1},
			scheduled: []*asynq.TaskInfo{{ID: "s1", Type: jobs.TaskStockReconcile, NextProcessAt: next}},
		},
	}
	var out bytes.Buffer
	require.NoError(t, c.Run(context.Background(), []string{"stats"}, &out))
	require.Contains(t, out.String(), "pending=3")
	require.Contains(t, out.String(), "retry=1")

	out.Reset()
	require.NoError(t, c.Run(context.Background(), []string{"scheduled", "-n", "5"}, &out))
	require.Equal(t, "s1 stock:reconcile next=2025-01-02T02:30:00Z\n", out.String())

	require.Error(t, c.Run(context.Background(), nil, &out))
	require.Error(t, c.Run(context.Background(), []string{"purge"}, &out))
}

func TestNilCLI(t *testing.T) {
	var c *JobsCLI
	_, err := c.Trigger(context.Background(), jobs.TaskStockReconcile, "")
	require.Error(t, err)
	_, err = c.InspectQueue(context.Background())
	require.Error(t, err)
}
