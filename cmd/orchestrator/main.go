// Command orchestrator runs the agent swarm orchestrator: the webhook
// gateway, command router, state machine, and agent driver wired over Redis
// and the GitHub and Anthropic APIs.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentswarm/orchestrator/internal/agent"
	"github.com/agentswarm/orchestrator/internal/config"
	"github.com/agentswarm/orchestrator/internal/dispatch"
	"github.com/agentswarm/orchestrator/internal/gateway"
	"github.com/agentswarm/orchestrator/internal/ghclient"
	"github.com/agentswarm/orchestrator/internal/llm"
	"github.com/agentswarm/orchestrator/internal/locks"
	"github.com/agentswarm/orchestrator/internal/logging"
	"github.com/agentswarm/orchestrator/internal/metrics"
	"github.com/agentswarm/orchestrator/internal/router"
	"github.com/agentswarm/orchestrator/internal/store"
	"github.com/agentswarm/orchestrator/internal/task"
)

const (
	reconcileInterval = 5 * time.Minute
	stuckAfter        = 30 * time.Minute
	shutdownGrace     = 10 * time.Second
)

// dispatcherHandle breaks the construction cycle between the router (which
// needs a dispatcher) and the dispatcher (which needs the router's lock
// acquisition): the router gets the handle first, the real dispatcher is
// plugged in once both exist.
type dispatcherHandle struct {
	inner router.Dispatcher
}

func (h *dispatcherHandle) EnqueuePlanning(ctx context.Context, t *task.Task) error {
	return h.inner.EnqueuePlanning(ctx, t)
}

func (h *dispatcherHandle) EnqueueExecution(ctx context.Context, t *task.Task) error {
	return h.inner.EnqueueExecution(ctx, t)
}

func (h *dispatcherHandle) EnqueueReview(ctx context.Context, t *task.Task) error {
	return h.inner.EnqueueReview(ctx, t)
}

func (h *dispatcherHandle) EnqueueFix(ctx context.Context, t *task.Task) error {
	return h.inner.EnqueueFix(ctx, t)
}

func (h *dispatcherHandle) EnqueuePlanner(ctx context.Context, t *task.Task) error {
	return h.inner.EnqueuePlanner(ctx, t)
}

func (h *dispatcherHandle) EnqueuePM(ctx context.Context, t *task.Task, mode string) error {
	return h.inner.EnqueuePM(ctx, t, mode)
}

func main() {
	root := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Webhook-driven orchestrator for LLM-backed coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var envFile string
	var addr string

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook gateway and background agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			return run(cfg)
		},
	}
	serve.Flags().StringVar(&envFile, "env-file", "", "optional .env file overlaying process environment")
	serve.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	s, err := store.New(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	machine := task.New(s)
	lockReg := locks.New(s)

	auth, err := ghclient.NewAppAuthenticator(cfg.GitHubAppID, cfg.GitHubAppPrivateKey)
	if err != nil {
		return err
	}
	gh := ghclient.NewAppClient(auth)

	llmClient := llm.NewBreaker(llm.New(cfg.AnthropicAPIKey))
	models := agent.ModelPolicy{
		Haiku:  cfg.ModelHaiku,
		Sonnet: cfg.ModelSonnet,
		Opus:   cfg.ModelOpus,
	}
	pool := agent.NewPool(cfg.MaxConcurrentAgents)

	m := metrics.New()
	m.RegisterAgentPoolGauge(pool.InUse)

	handle := &dispatcherHandle{}
	cmdRouter := router.New(machine, lockReg, handle, gh, log).WithMetrics(m)
	handle.inner = dispatch.New(
		machine,
		lockReg,
		cmdRouter,
		gh,
		agent.NewPlanner(llmClient, models),
		agent.NewWorker(llmClient, models),
		agent.NewReviewer(llmClient, models),
		agent.NewFixer(llmClient, models),
		agent.NewProductManager(llmClient, models),
		pool,
		time.Duration(cfg.FileLockTTLSeconds)*time.Second,
		cfg.CostAlertThresholdUSD,
		log,
	).WithMetrics(m)

	server := gateway.New(cmdRouter, machine, []byte(cfg.GitHubWebhookSecret), m, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reconciler := gateway.NewReconciler(machine, lockReg, reconcileInterval, stuckAfter, log)
	go reconciler.Run(ctx)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("orchestrator listening", "addr", cfg.HTTPAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
