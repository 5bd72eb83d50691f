package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeline/forgeline/agentrt"
	"github.com/forgeline/forgeline/config"
	"github.com/forgeline/forgeline/envelope"
	"github.com/forgeline/forgeline/registry"
	"github.com/forgeline/forgeline/substrate"
)

func agentCmd(configPath *string) *cobra.Command {
	var agentType string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run one agent executor",
		Long: `Runs a single agent instance serving one agent type's task channel.

The built-in executor echoes the task payload back as the stage output; it
exists so the engine can be exercised end to end. Real agents embed the
agentrt runtime with their own executor.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewLoader(nil).Load(*configPath)
			if err != nil {
				return err
			}
			if agentType != "" {
				cfg.Agent.Type = agentType
			}
			if cfg.Agent.Type == "" {
				return fmt.Errorf("agent type is required (--type or agent.type in config)")
			}
			logger := newLogger(cfg.Log.Level, cfg.Log.Format)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, closeStore, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			bus, err := substrate.NewNATSBus(substrate.NATSBusConfig{
				URL:       cfg.NATS.URL,
				Namespace: cfg.NATS.Namespace,
			}, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := bus.Close(); err != nil {
					logger.Error("close bus", "error", err)
				}
			}()

			reg := registry.New(st, logger)
			rt, err := agentrt.New(bus, reg, echoExecutor(), agentrt.Config{
				AgentID:           cfg.Agent.ID,
				AgentType:         cfg.Agent.Type,
				HeartbeatInterval: cfg.Agent.HeartbeatInterval,
			}, logger)
			if err != nil {
				return err
			}
			if err := rt.Start(ctx); err != nil {
				return err
			}
			defer rt.Stop()

			<-ctx.Done()
			logger.Info("shutdown signal received")
			return nil
		},
	}

	cmd.Flags().StringVarP(&agentType, "type", "t", "", "agent type to serve")
	return cmd
}

// echoExecutor returns the demo executor: it reflects the envelope payload
// back as the stage output.
func echoExecutor() agentrt.Executor {
	return agentrt.ExecutorFunc(func(_ context.Context, env *envelope.AgentEnvelope) (json.RawMessage, error) {
		out := map[string]any{
			"echo":      json.RawMessage(payloadOrNull(env.Payload)),
			"stage":     env.WorkflowContext.CurrentStage,
			"handledAt": time.Now().UTC().Format(time.RFC3339),
		}
		return json.Marshal(out)
	})
}

func payloadOrNull(p json.RawMessage) []byte {
	if len(p) == 0 {
		return []byte("null")
	}
	return p
}
