package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/forgeline/envelope"
	"github.com/forgeline/forgeline/registry"
	"github.com/forgeline/forgeline/router"
	"github.com/forgeline/forgeline/store"
	"github.com/forgeline/forgeline/substrate"
	"github.com/forgeline/forgeline/workflow"
)

// ErrWorkflowTerminal is returned when an operation targets a workflow that
// already reached a terminal status.
var ErrWorkflowTerminal = errors.New("workflow already terminal")

// Config tunes the engine's consumer and recovery loops.
type Config struct {
	// ConsumerName identifies this engine instance in the orchestrator
	// consumer group.
	ConsumerName string
	// CASRetries bounds reload-and-retry attempts on version conflicts.
	CASRetries int
	// PendingReaperInterval is how often pending tasks are re-published.
	PendingReaperInterval time.Duration
	// PendingAge is how long a task may sit pending before the reaper
	// re-publishes it.
	PendingAge time.Duration
	// TimeoutReaperInterval is how often dispatched and running tasks are
	// checked against their envelope timeout.
	TimeoutReaperInterval time.Duration
	// ReaperBatchSize caps rows scanned per reaper pass.
	ReaperBatchSize int
}

func (c *Config) withDefaults() {
	if c.ConsumerName == "" {
		c.ConsumerName = "engine-1"
	}
	if c.CASRetries <= 0 {
		c.CASRetries = 3
	}
	if c.PendingReaperInterval <= 0 {
		c.PendingReaperInterval = 15 * time.Second
	}
	if c.PendingAge <= 0 {
		c.PendingAge = 30 * time.Second
	}
	if c.TimeoutReaperInterval <= 0 {
		c.TimeoutReaperInterval = 15 * time.Second
	}
	if c.ReaperBatchSize <= 0 {
		c.ReaperBatchSize = 100
	}
}

// Engine dispatches stage tasks, consumes agent results and applies the
// workflow state machine. One Engine per process; multiple processes share
// the orchestrator consumer group.
type Engine struct {
	store    store.Store
	bus      substrate.Bus
	router   *router.Router
	registry *registry.Registry
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
	sub     substrate.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an Engine. Start must be called before it consumes results.
func New(st store.Store, bus substrate.Bus, rt *router.Router, reg *registry.Registry, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.withDefaults()
	return &Engine{
		store:    st,
		bus:      bus,
		router:   rt,
		registry: reg,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Start subscribes the result consumer and launches the recovery loops.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine already started")
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	sub, err := e.bus.Subscribe(ctx, workflow.ResultChannel, e.handleResult, substrate.SubscribeOptions{
		ConsumerGroup: workflow.ResultConsumerGroup,
		ConsumerName:  e.config.ConsumerName,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe result channel: %w", err)
	}

	e.sub = sub
	e.cancel = cancel
	e.running = true

	e.wg.Add(2)
	go e.pendingReaperLoop(loopCtx)
	go e.timeoutReaperLoop(loopCtx)

	e.logger.Info("engine started",
		"consumer", e.config.ConsumerName,
		"result_channel", workflow.ResultChannel)
	return nil
}

// Stop halts result consumption and the recovery loops. In-flight unacked
// results remain pending for the next engine instance.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.sub.Stop()
	e.cancel()
	e.wg.Wait()
	e.running = false
	e.logger.Info("engine stopped")
}

// Begin moves a freshly persisted workflow into its first stage and
// dispatches the first task. A dispatch failure here fails the workflow: a
// running row with no task would never advance.
func (e *Engine) Begin(ctx context.Context, w *workflow.Workflow, route *router.Route) error {
	first, agentType, err := route.First()
	if err != nil {
		return err
	}
	_, timeoutMS, maxRetries, _ := route.Stage(first)

	parentSpan := w.CurrentSpanID
	w.CurrentSpanID = uuid.New().String()
	w.CurrentStage = first
	w.Status = workflow.StatusRunning
	if err := e.store.UpdateWorkflow(ctx, w); err != nil {
		return fmt.Errorf("advance workflow %s to first stage: %w", w.ID, err)
	}
	workflowsStarted.Inc()
	e.recordEvent(ctx, w.ID, workflow.EventWorkflowCreated, "", nil)
	e.recordEvent(ctx, w.ID, workflow.EventStageStarted, first, nil)

	if err := e.dispatchStage(ctx, w, first, agentType, timeoutMS, maxRetries, parentSpan); err != nil {
		e.logger.Error("first dispatch failed, failing workflow",
			"workflow_id", w.ID, "stage", first, "error", err)
		if ferr := e.failWorkflow(ctx, w.ID, err.Error()); ferr != nil {
			e.logger.Error("fail workflow", "workflow_id", w.ID, "error", ferr)
		}
		return err
	}
	return nil
}

// Cancel moves a non-terminal workflow to cancelled.
func (e *Engine) Cancel(ctx context.Context, workflowID string) (*workflow.Workflow, error) {
	for attempt := 0; attempt < e.config.CASRetries; attempt++ {
		w, err := e.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if w.Status.Terminal() {
			return w, fmt.Errorf("%w: %s is %s", ErrWorkflowTerminal, w.ID, w.Status)
		}
		w.Status = workflow.StatusCancelled
		err = e.store.UpdateWorkflow(ctx, w)
		if errors.Is(err, store.ErrVersionConflict) {
			casConflicts.Inc()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("cancel workflow %s: %w", workflowID, err)
		}
		workflowsFinished.WithLabelValues(string(workflow.StatusCancelled)).Inc()
		e.recordEvent(ctx, w.ID, workflow.EventWorkflowCancelled, w.CurrentStage, nil)
		e.logger.Info("workflow cancelled", "workflow_id", w.ID, "stage", w.CurrentStage)
		return w, nil
	}
	return nil, fmt.Errorf("cancel workflow %s: %w", workflowID, store.ErrVersionConflict)
}

// dispatchStage builds the envelope, persists the task record and publishes
// to the agent's task channel. The task is persisted before the publish: a
// crash between the two leaves a pending row the reaper re-publishes, giving
// at-least-once dispatch.
func (e *Engine) dispatchStage(ctx context.Context, w *workflow.Workflow, stage, agentType string, timeoutMS, maxRetries int, parentSpanID string) error {
	env, err := BuildEnvelope(w, stage, agentType, timeoutMS, maxRetries, parentSpanID)
	if err != nil {
		return err
	}
	raw, err := env.Marshal()
	if err != nil {
		return err
	}

	task := &workflow.AgentTask{
		TaskID:       env.TaskID,
		MessageID:    env.MessageID,
		WorkflowID:   w.ID,
		Stage:        stage,
		AgentType:    agentType,
		Status:       workflow.TaskPending,
		Priority:     env.Priority,
		Envelope:     raw,
		TimeoutMS:    env.Constraints.TimeoutMS,
		TraceID:      env.Trace.TraceID,
		SpanID:       env.Trace.SpanID,
		ParentSpanID: env.Trace.ParentSpanID,
	}
	err = e.store.CreateTask(ctx, task)
	switch {
	case errors.Is(err, store.ErrActiveTaskExists), errors.Is(err, store.ErrDuplicate):
		e.logger.Info("stage already has an active task, skipping dispatch",
			"workflow_id", w.ID, "stage", stage)
		return nil
	case err != nil:
		return fmt.Errorf("persist task for workflow %s stage %s: %w", w.ID, stage, err)
	}

	if err := e.registry.ValidateAgentExists(ctx, agentType); err != nil {
		if uerr := e.store.UpdateTaskStatus(ctx, task.TaskID, workflow.TaskFailed); uerr != nil {
			e.logger.Error("mark task failed", "task_id", task.TaskID, "error", uerr)
		}
		return fmt.Errorf("dispatch stage %s: %w", stage, err)
	}

	err = e.bus.Publish(ctx, workflow.TaskChannel(agentType), raw, substrate.PublishOptions{
		Key:            w.ID,
		MirrorToStream: true,
	})
	if err != nil {
		// The pending row survives; the reaper re-publishes it.
		e.logger.Error("publish task failed, leaving pending for reaper",
			"workflow_id", w.ID, "stage", stage, "error", err)
		return nil
	}

	if err := e.store.UpdateTaskStatus(ctx, task.TaskID, workflow.TaskDispatched); err != nil {
		e.logger.Error("mark task dispatched", "task_id", task.TaskID, "error", err)
	}
	tasksDispatched.Inc()
	e.logger.Info("task dispatched",
		"workflow_id", w.ID, "stage", stage, "agent_type", agentType,
		"task_id", task.TaskID, "message_id", task.MessageID)
	return nil
}

// handleResult is the result-channel handler. Returning nil acknowledges the
// message; invalid, stale and duplicate results are acknowledged and dropped
// so they never poison the channel, while transient store failures return an
// error and leave the result pending for redelivery.
func (e *Engine) handleResult(ctx context.Context, msg substrate.Message) error {
	res, err := envelope.ParseResult(msg.Data)
	if err != nil {
		resultsDiscarded.WithLabelValues("invalid").Inc()
		e.logger.Warn("discarding invalid result", "error", err, "message_id", msg.ID)
		e.quarantineResult(ctx, msg.Data)
		return nil
	}
	return e.applyResult(ctx, res)
}

// quarantineResult preserves a schema-invalid result payload as an audit
// event so the raw bytes survive the discard. Best effort: without a
// parseable workflow_id there is nothing to key the row on.
func (e *Engine) quarantineResult(ctx context.Context, raw []byte) {
	var partial struct {
		WorkflowID string `json:"workflow_id"`
	}
	if err := json.Unmarshal(raw, &partial); err != nil || partial.WorkflowID == "" {
		return
	}
	ev := &workflow.Event{
		WorkflowID: partial.WorkflowID,
		Type:       workflow.EventResultQuarantined,
		Detail:     json.RawMessage(raw),
		CreatedAt:  e.now().UTC(),
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		e.logger.Error("quarantine invalid result", "workflow_id", partial.WorkflowID, "error", err)
	}
}

func (e *Engine) applyResult(ctx context.Context, res *envelope.AgentResult) error {
	success := res.Status == envelope.ResultSuccess

	for attempt := 0; attempt < e.config.CASRetries; attempt++ {
		w, err := e.store.GetWorkflow(ctx, res.WorkflowID)
		if errors.Is(err, store.ErrNotFound) {
			resultsDiscarded.WithLabelValues("unknown_workflow").Inc()
			e.logger.Warn("result for unknown workflow discarded",
				"workflow_id", res.WorkflowID, "stage", res.Stage)
			return nil
		}
		if err != nil {
			return fmt.Errorf("load workflow %s: %w", res.WorkflowID, err)
		}

		if w.Status.Terminal() {
			resultsDiscarded.WithLabelValues("terminal").Inc()
			e.logger.Info("result for terminal workflow discarded",
				"workflow_id", w.ID, "status", w.Status, "stage", res.Stage)
			e.closeTask(ctx, res, success)
			return nil
		}
		if w.CurrentStage != res.Stage {
			resultsDiscarded.WithLabelValues("stale_stage").Inc()
			e.logger.Warn("late or duplicate result discarded",
				"workflow_id", w.ID, "current_stage", w.CurrentStage, "result_stage", res.Stage)
			e.closeTask(ctx, res, success)
			return nil
		}

		route, err := e.router.Resolve(ctx, w)
		if err != nil {
			return fmt.Errorf("resolve route for workflow %s: %w", w.ID, err)
		}
		decision, err := route.NextStage(res.Stage, success)
		if err != nil {
			e.logger.Error("routing failed, failing workflow", "workflow_id", w.ID, "error", err)
			return e.failWorkflow(ctx, w.ID, fmt.Sprintf("routing error at stage %s: %v", res.Stage, err))
		}

		outcome := StageOutcome{
			Stage:         res.Stage,
			Success:       success,
			Output:        res.Result.Data,
			FailureReason: failureReason(res),
			Decision:      decision,
			Progress:      route.Progress(res.Stage),
		}
		prevSpan := w.CurrentSpanID
		effect, err := Apply(w, outcome)
		if err != nil {
			resultsDiscarded.WithLabelValues("unapplicable").Inc()
			e.logger.Warn("result not applicable, discarded", "workflow_id", w.ID, "error", err)
			return nil
		}
		if effect == EffectDispatchNext {
			// Fresh span for the next stage, persisted with the snapshot.
			w.CurrentSpanID = uuid.New().String()
		}

		err = e.store.UpdateWorkflow(ctx, w)
		if errors.Is(err, store.ErrVersionConflict) {
			casConflicts.Inc()
			e.logger.Info("version conflict applying result, retrying",
				"workflow_id", w.ID, "stage", res.Stage, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return fmt.Errorf("write workflow %s: %w", w.ID, err)
		}

		e.closeTask(ctx, res, success)
		e.finishTransition(ctx, w, res, route, decision, effect, success, prevSpan)
		return nil
	}
	return fmt.Errorf("apply result for workflow %s: %w", res.WorkflowID, store.ErrVersionConflict)
}

func (e *Engine) finishTransition(ctx context.Context, w *workflow.Workflow, res *envelope.AgentResult, route *router.Route, decision router.Decision, effect Effect, success bool, parentSpanID string) {
	switch {
	case success:
		stageTransitions.WithLabelValues("completed").Inc()
		e.recordEvent(ctx, w.ID, workflow.EventStageCompleted, res.Stage, res.Result.Data)
	case decision.Skipped:
		stageTransitions.WithLabelValues("skipped").Inc()
		e.recordEvent(ctx, w.ID, workflow.EventStageSkipped, res.Stage, nil)
	default:
		stageTransitions.WithLabelValues("failed").Inc()
		e.recordEvent(ctx, w.ID, workflow.EventStageFailed, res.Stage, nil)
	}

	switch effect {
	case EffectDispatchNext:
		e.recordEvent(ctx, w.ID, workflow.EventStageStarted, decision.Next, nil)
		_, timeoutMS, maxRetries, _ := route.Stage(decision.Next)
		if err := e.dispatchStage(ctx, w, decision.Next, decision.AgentType, timeoutMS, maxRetries, parentSpanID); err != nil {
			e.logger.Error("dispatch next stage failed, failing workflow",
				"workflow_id", w.ID, "stage", decision.Next, "error", err)
			if ferr := e.failWorkflow(ctx, w.ID, err.Error()); ferr != nil {
				e.logger.Error("fail workflow", "workflow_id", w.ID, "error", ferr)
			}
		}
	case EffectCompleted:
		workflowsFinished.WithLabelValues(string(workflow.StatusCompleted)).Inc()
		e.recordEvent(ctx, w.ID, workflow.EventWorkflowCompleted, res.Stage, nil)
		e.logger.Info("workflow completed", "workflow_id", w.ID, "final_stage", res.Stage)
	case EffectFailed:
		workflowsFinished.WithLabelValues(string(workflow.StatusFailed)).Inc()
		e.recordEvent(ctx, w.ID, workflow.EventWorkflowFailed, res.Stage, nil)
		e.logger.Info("workflow failed",
			"workflow_id", w.ID, "stage", res.Stage, "reason", w.FailureReason)
	}
}

// failWorkflow moves a workflow to failed outside the normal result path,
// for routing and dispatch errors.
func (e *Engine) failWorkflow(ctx context.Context, workflowID, reason string) error {
	for attempt := 0; attempt < e.config.CASRetries; attempt++ {
		w, err := e.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if w.Status.Terminal() {
			return nil
		}
		w.Status = workflow.StatusFailed
		w.FailureReason = reason
		err = e.store.UpdateWorkflow(ctx, w)
		if errors.Is(err, store.ErrVersionConflict) {
			casConflicts.Inc()
			continue
		}
		if err != nil {
			return err
		}
		workflowsFinished.WithLabelValues(string(workflow.StatusFailed)).Inc()
		e.recordEvent(ctx, w.ID, workflow.EventWorkflowFailed, w.CurrentStage, nil)
		return nil
	}
	return fmt.Errorf("fail workflow %s: %w", workflowID, store.ErrVersionConflict)
}

// closeTask marks the task a result answers as terminal. Best effort: a
// missing row only means the result arrived for a task another instance
// already closed.
func (e *Engine) closeTask(ctx context.Context, res *envelope.AgentResult, success bool) {
	status := workflow.TaskFailed
	if success {
		status = workflow.TaskSucceeded
	}
	if err := e.store.UpdateTaskStatus(ctx, res.TaskID, status); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Error("close task", "task_id", res.TaskID, "error", err)
	}
}

// recordEvent appends an audit row and publishes the event on the lifecycle
// channel. Both are best effort; the workflow write is the source of truth.
func (e *Engine) recordEvent(ctx context.Context, workflowID, eventType, stage string, detail json.RawMessage) {
	ev := &workflow.Event{
		WorkflowID: workflowID,
		Type:       eventType,
		Stage:      stage,
		Detail:     detail,
		CreatedAt:  e.now().UTC(),
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		e.logger.Error("append event", "workflow_id", workflowID, "type", eventType, "error", err)
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	err = e.bus.Publish(ctx, workflow.EventChannel, raw, substrate.PublishOptions{
		Key:            workflowID,
		MirrorToStream: true,
	})
	if err != nil {
		e.logger.Error("publish event", "workflow_id", workflowID, "type", eventType, "error", err)
	}
}

func failureReason(res *envelope.AgentResult) string {
	if len(res.Errors) == 0 {
		return fmt.Sprintf("stage %s reported %s", res.Stage, res.Status)
	}
	first := res.Errors[0]
	return fmt.Sprintf("%s: %s", first.Code, first.Message)
}
