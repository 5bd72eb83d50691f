// Package agentrt is the reusable agent runtime: it registers the agent,
// consumes its task channel, validates envelopes, invokes the pluggable
// executor and always answers with a well-formed AgentResult. Agent business
// logic lives entirely behind the Executor interface.
package agentrt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/forgeline/envelope"
	"github.com/forgeline/forgeline/registry"
	"github.com/forgeline/forgeline/substrate"
	"github.com/forgeline/forgeline/workflow"
)

// Executor runs one task. It returns the stage output blob, or an error the
// runtime converts into a failed result. Executors never publish results
// themselves.
type Executor interface {
	Execute(ctx context.Context, env *envelope.AgentEnvelope) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, env *envelope.AgentEnvelope) (json.RawMessage, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, env *envelope.AgentEnvelope) (json.RawMessage, error) {
	return f(ctx, env)
}

// Config identifies and tunes one agent instance.
type Config struct {
	// AgentID is this instance's identity; generated when empty.
	AgentID string
	// AgentType selects the task channel and consumer group. Free text.
	AgentType string
	// PlatformID optionally scopes the agent to a platform.
	PlatformID string
	// Capabilities is advertised in the registry entry.
	Capabilities []string
	// HeartbeatInterval is how often the registry entry is refreshed.
	HeartbeatInterval time.Duration
	// DedupeWindow bounds the in-memory message_id dedupe set.
	DedupeWindow int
}

func (c *Config) withDefaults() error {
	if c.AgentType == "" {
		return fmt.Errorf("agent_type is required")
	}
	if c.AgentID == "" {
		c.AgentID = fmt.Sprintf("%s-%s", c.AgentType, uuid.New().String()[:8])
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = 1024
	}
	return nil
}

// Runtime is one running agent instance.
type Runtime struct {
	bus      substrate.Bus
	registry *registry.Registry
	executor Executor
	config   Config
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	sub     substrate.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	seenMu    sync.Mutex
	seen      map[string]bool
	seenOrder []string
}

// New creates an agent runtime.
func New(bus substrate.Bus, reg *registry.Registry, executor Executor, cfg Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}
	return &Runtime{
		bus:      bus,
		registry: reg,
		executor: executor,
		config:   cfg,
		logger:   logger.With("agent_id", cfg.AgentID, "agent_type", cfg.AgentType),
		seen:     make(map[string]bool),
	}, nil
}

// AgentID returns the instance identity.
func (r *Runtime) AgentID() string { return r.config.AgentID }

// Start registers the agent and begins consuming its task channel.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("agent runtime already started")
	}

	if err := r.registry.Register(ctx, r.agentEntry()); err != nil {
		return err
	}

	sub, err := r.bus.Subscribe(ctx, workflow.TaskChannel(r.config.AgentType), r.handleTask, substrate.SubscribeOptions{
		ConsumerGroup: workflow.TaskConsumerGroup(r.config.AgentType),
		ConsumerName:  r.config.AgentID,
	})
	if err != nil {
		return fmt.Errorf("subscribe task channel: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.sub = sub
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go r.heartbeatLoop(loopCtx)

	r.logger.Info("agent started", "channel", workflow.TaskChannel(r.config.AgentType))
	return nil
}

// Stop halts consumption and deregisters the agent. Unacked tasks remain
// pending in the consumer group for other instances.
func (r *Runtime) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.sub.Stop()
	r.cancel()
	r.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.registry.Deregister(ctx, r.config.AgentID); err != nil {
		r.logger.Error("deregister failed", "error", err)
	}
	r.running = false
	r.logger.Info("agent stopped")
}

func (r *Runtime) agentEntry() *workflow.Agent {
	return &workflow.Agent{
		AgentID:      r.config.AgentID,
		Type:         r.config.AgentType,
		PlatformID:   r.config.PlatformID,
		Status:       workflow.AgentOnline,
		Capabilities: r.config.Capabilities,
	}
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.registry.Heartbeat(ctx, r.agentEntry()); err != nil {
				r.logger.Error("heartbeat failed", "error", err)
			}
		}
	}
}

// handleTask processes one envelope. A malformed envelope is an error: the
// message stays unacked so an operator-visible redelivery loop surfaces the
// producer bug instead of silently losing the task. A valid envelope is
// always acked after the result is published, even when the executor fails;
// executor failure is a result, not a delivery problem.
func (r *Runtime) handleTask(ctx context.Context, msg substrate.Message) error {
	env, err := envelope.ParseEnvelope(msg.Data)
	if err != nil {
		r.logger.Error("invalid envelope, leaving unacked", "error", err, "message_id", msg.ID)
		return err
	}
	if r.seenBefore(env.MessageID) {
		r.logger.Info("duplicate envelope acked without re-execution", "message_id", env.MessageID)
		return nil
	}

	res := r.execute(ctx, env)
	raw, err := res.Marshal()
	if err != nil {
		r.logger.Error("marshal result", "task_id", env.TaskID, "error", err)
		return err
	}
	err = r.bus.Publish(ctx, workflow.ResultChannel, raw, substrate.PublishOptions{
		Key:            env.WorkflowID,
		MirrorToStream: true,
	})
	if err != nil {
		// Not acked and not marked seen: the redelivery re-executes and
		// publishes again, keeping the result path at-least-once.
		return fmt.Errorf("publish result: %w", err)
	}
	r.markSeen(env.MessageID)
	r.logger.Info("task handled",
		"workflow_id", env.WorkflowID, "stage", env.WorkflowContext.CurrentStage,
		"task_id", env.TaskID, "status", res.Status)
	return nil
}

func (r *Runtime) execute(ctx context.Context, env *envelope.AgentEnvelope) *envelope.AgentResult {
	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, time.Duration(env.Constraints.TimeoutMS)*time.Millisecond)
	defer cancel()

	data, err := r.executor.Execute(execCtx, env)
	res := &envelope.AgentResult{
		MessageID:  env.MessageID,
		TaskID:     env.TaskID,
		WorkflowID: env.WorkflowID,
		AgentID:    r.config.AgentID,
		AgentType:  r.config.AgentType,
		Stage:      env.WorkflowContext.CurrentStage,
		Result: envelope.ResultBody{
			Data:    data,
			Metrics: envelope.ResultMetrics{DurationMS: time.Since(start).Milliseconds()},
		},
		Trace: envelope.Trace{
			TraceID:      env.Trace.TraceID,
			SpanID:       uuid.New().String(),
			ParentSpanID: env.Trace.SpanID,
		},
		Timestamp: time.Now().UTC(),
		Version:   envelope.Version,
	}
	if err != nil {
		res.Success = false
		res.Status = envelope.ResultFailed
		res.Errors = []envelope.ResultError{{
			Code:        "EXECUTOR_ERROR",
			Message:     err.Error(),
			Recoverable: false,
		}}
		r.logger.Warn("executor failed",
			"workflow_id", env.WorkflowID, "stage", env.WorkflowContext.CurrentStage, "error", err)
	} else {
		res.Success = true
		res.Status = envelope.ResultSuccess
	}
	return res
}

// seenBefore reports whether a message id already produced a published
// result. A message id enters the set only via markSeen, after its result
// publish succeeded, so a failed publish never acks a later redelivery.
func (r *Runtime) seenBefore(messageID string) bool {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	return r.seen[messageID]
}

// markSeen records a fully handled message id. The set is bounded FIFO;
// eviction only weakens dedupe back to the substrate's at-least-once floor.
func (r *Runtime) markSeen(messageID string) {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	if r.seen[messageID] {
		return
	}
	r.seen[messageID] = true
	r.seenOrder = append(r.seenOrder, messageID)
	if len(r.seenOrder) > r.config.DedupeWindow {
		oldest := r.seenOrder[0]
		r.seenOrder = r.seenOrder[1:]
		delete(r.seen, oldest)
	}
}
