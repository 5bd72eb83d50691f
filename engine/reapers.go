package engine

import (
	"context"
	"errors"
	"time"

	"github.com/forgeline/forgeline/envelope"
	"github.com/forgeline/forgeline/store"
	"github.com/forgeline/forgeline/substrate"
	"github.com/forgeline/forgeline/workflow"
)

// pendingReaperLoop re-publishes tasks that were persisted but never made it
// onto the wire (crash or publish failure between persist and publish).
// Re-publishing the stored envelope verbatim keeps dispatch at-least-once;
// agents deduplicate on message_id.
func (e *Engine) pendingReaperLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.PendingReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reapPending(ctx)
		}
	}
}

func (e *Engine) reapPending(ctx context.Context) {
	cutoff := e.now().Add(-e.config.PendingAge)
	tasks, err := e.store.ListTasksByStatus(ctx, workflow.TaskPending, cutoff, e.config.ReaperBatchSize)
	if err != nil {
		e.logger.Error("list pending tasks", "error", err)
		return
	}
	for _, task := range tasks {
		err := e.bus.Publish(ctx, workflow.TaskChannel(task.AgentType), task.Envelope, substrate.PublishOptions{
			Key:            task.WorkflowID,
			MirrorToStream: true,
		})
		if err != nil {
			e.logger.Error("republish pending task",
				"task_id", task.TaskID, "workflow_id", task.WorkflowID, "error", err)
			continue
		}
		if err := e.store.UpdateTaskStatus(ctx, task.TaskID, workflow.TaskDispatched); err != nil {
			e.logger.Error("mark reaped task dispatched", "task_id", task.TaskID, "error", err)
			continue
		}
		tasksReaped.WithLabelValues("pending").Inc()
		e.logger.Info("pending task re-published",
			"task_id", task.TaskID, "workflow_id", task.WorkflowID, "stage", task.Stage)
	}
}

// timeoutReaperLoop fails tasks whose envelope timeout elapsed without a
// result. It does not touch the workflow directly: it synthesizes a failed
// AgentResult onto the result channel, so timeouts flow through the same
// ordered, deduplicated path as real results.
func (e *Engine) timeoutReaperLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.TimeoutReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reapTimeouts(ctx)
		}
	}
}

func (e *Engine) reapTimeouts(ctx context.Context) {
	now := e.now()
	for _, status := range []workflow.TaskStatus{workflow.TaskDispatched, workflow.TaskRunning} {
		tasks, err := e.store.ListTasksByStatus(ctx, status, now, e.config.ReaperBatchSize)
		if err != nil {
			e.logger.Error("list tasks for timeout scan", "status", status, "error", err)
			continue
		}
		for _, task := range tasks {
			if !taskTimedOut(task, now) {
				continue
			}
			e.synthesizeTimeout(ctx, task)
		}
	}
}

func taskTimedOut(task *workflow.AgentTask, now time.Time) bool {
	started := task.UpdatedAt
	if task.DispatchedAt != nil {
		started = *task.DispatchedAt
	}
	deadline := started.Add(time.Duration(task.TimeoutMS) * time.Millisecond)
	return now.After(deadline)
}

func (e *Engine) synthesizeTimeout(ctx context.Context, task *workflow.AgentTask) {
	res := &envelope.AgentResult{
		MessageID:  task.MessageID,
		TaskID:     task.TaskID,
		WorkflowID: task.WorkflowID,
		AgentID:    "timeout-reaper",
		AgentType:  task.AgentType,
		Stage:      task.Stage,
		Success:    false,
		Status:     envelope.ResultFailed,
		Errors: []envelope.ResultError{{
			Code:        "TIMEOUT",
			Message:     "no result within constraints.timeout_ms",
			Recoverable: false,
		}},
		Trace: envelope.Trace{
			TraceID: task.TraceID,
			SpanID:  task.SpanID,
		},
		Timestamp: e.now().UTC(),
		Version:   envelope.Version,
	}
	raw, err := res.Marshal()
	if err != nil {
		e.logger.Error("marshal timeout result", "task_id", task.TaskID, "error", err)
		return
	}

	// Close the task first so the next scan does not synthesize again.
	if err := e.store.UpdateTaskStatus(ctx, task.TaskID, workflow.TaskFailed); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		e.logger.Error("mark timed-out task failed", "task_id", task.TaskID, "error", err)
		return
	}

	err = e.bus.Publish(ctx, workflow.ResultChannel, raw, substrate.PublishOptions{
		Key:            task.WorkflowID,
		MirrorToStream: true,
	})
	if err != nil {
		e.logger.Error("publish timeout result", "task_id", task.TaskID, "error", err)
		return
	}
	tasksReaped.WithLabelValues("timeout").Inc()
	e.logger.Warn("task timed out, failure result synthesized",
		"task_id", task.TaskID, "workflow_id", task.WorkflowID,
		"stage", task.Stage, "timeout_ms", task.TimeoutMS)
}
