// Command orchestra runs the workflow orchestration server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/orchestra-go/agents"
	"github.com/dshills/orchestra-go/config"
	"github.com/dshills/orchestra-go/driver"
	"github.com/dshills/orchestra-go/driver/anthropic"
	"github.com/dshills/orchestra-go/driver/google"
	"github.com/dshills/orchestra-go/driver/openai"
	"github.com/dshills/orchestra-go/events"
	"github.com/dshills/orchestra-go/graph/emit"
	"github.com/dshills/orchestra-go/graph/store"
	"github.com/dshills/orchestra-go/pipeline"
	"github.com/dshills/orchestra-go/repo"
	"github.com/dshills/orchestra-go/server"
	"github.com/dshills/orchestra-go/shell"
	"github.com/dshills/orchestra-go/tracker"
	"github.com/dshills/orchestra-go/vcs"
	"github.com/dshills/orchestra-go/workflow"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "orchestra",
		Short:         "Durable human-in-the-loop orchestrator for code-change workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "orchestra.yaml", "path to the settings file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "orchestra "+version)
		},
	}

	root.AddCommand(serve, versionCmd)
	return root
}

func runServe(ctx context.Context, cfg *config.Settings) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := emit.NewLogEmitter(os.Stderr, true)

	rstore, err := repo.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer rstore.Close()

	checkpoints, err := newCheckpointStore(cfg)
	if err != nil {
		return err
	}

	sequencer := events.NewSequencer(func(id string) (int64, error) {
		return rstore.GetMaxEventSequence(context.Background(), id)
	})
	hub := events.NewHub()
	defer hub.Close()
	bus := events.NewBus(sequencer, hub, logger)
	// The event stream doubles as the server log; trace events stay off it.
	bus.Subscribe(func(ev events.WorkflowEvent) {
		if ev.Level == events.LevelTrace {
			return
		}
		logger.Emit(emit.Event{
			ThreadID: ev.WorkflowID,
			Msg:      string(ev.Type),
			Meta:     map[string]any{"agent": ev.Agent, "message": ev.Message},
		})
	})

	metrics := server.NewMetrics(nil)
	bridge := server.NewGraphEmitter(bus, metrics, logger)

	profile, err := cfg.Profile("")
	if err != nil {
		return err
	}
	recorder := func(u driver.Usage) {
		go func() {
			_ = rstore.SaveTokenUsage(context.Background(), repo.TokenUsage{
				Model:        u.Model,
				InputTokens:  u.InputTokens,
				OutputTokens: u.OutputTokens,
				RecordedAt:   time.Now().UTC(),
			})
		}()
	}
	drv, err := newDriver(ctx, profile, recorder)
	if err != nil {
		return err
	}

	git := vcs.New(nil)
	executor := &shell.Executor{
		Allowlist: profile.Allowlist,
		Timeout:   profile.CommandTimeout(),
	}

	deps := pipeline.Deps{
		Architect: &agents.Architect{Driver: drv, PlanPathPattern: profile.PlanPathPattern},
		Developer: &agents.Developer{
			Shell: executor,
			VCS:   git,
			Stream: func(ev events.StreamEvent) {
				_ = bus.EmitStream(ev)
			},
		},
		Reviewer:  &agents.Reviewer{Driver: drv, Diff: git.Diff},
		Evaluator: &agents.Evaluator{Driver: drv},
		VCS:       git,
		Store:     checkpoints,
		Emitter:   bridge,
	}
	registry, err := pipeline.NewDefaultRegistry(pipeline.Config{
		Trust:               profile.TrustLevel,
		BatchCheckpoint:     profile.BatchCheckpointEnabled(),
		MaxReviewIterations: profile.MaxReviewIterations,
		Interactive:         true,
	}, deps)
	if err != nil {
		return err
	}

	svc := server.NewService(rstore, bus, registry, tracker.Noop{}, git, metrics, logger, server.Options{
		MaxConcurrent:      cfg.MaxConcurrentWorkflows,
		TraceRetentionDays: cfg.TraceRetentionDays,
		IncludeToolResults: cfg.IncludeToolResults,
		EventRetentionDays: cfg.EventRetentionDays,
		Checkpoints:        checkpoints,
	})
	bridge.OnStage(svc.SetStage)

	if err := svc.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	go svc.RunRetention(ctx, config.DefaultRetentionSweepInterval)

	api := server.NewAPI(svc, server.NewSocketHandler(hub, svc, logger))
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Emit(emit.Event{Msg: "server_listening", Meta: map[string]any{"addr": cfg.Addr}})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return svc.Shutdown(shutdownCtx)
}

func newCheckpointStore(cfg *config.Settings) (store.Store[workflow.ExecutionState], error) {
	switch cfg.CheckpointDriver {
	case "mysql":
		return store.NewMySQLStore[workflow.ExecutionState](cfg.CheckpointDSN)
	default:
		path := cfg.CheckpointDSN
		if path == "" {
			path = filepath.Join(filepath.Dir(cfg.DatabasePath), "checkpoints.db")
		}
		return store.NewSQLiteStore[workflow.ExecutionState](path)
	}
}

func newDriver(ctx context.Context, profile config.Profile, recorder driver.Recorder) (driver.Driver, error) {
	apiKey := ""
	if profile.APIKeyEnv != "" {
		apiKey = os.Getenv(profile.APIKeyEnv)
	}
	switch profile.Driver {
	case "anthropic":
		return anthropic.New(apiKey, profile.Model, recorder)
	case "openai":
		return openai.New(apiKey, profile.Model, recorder)
	case "google":
		return google.New(ctx, apiKey, profile.Model, recorder)
	case "mock":
		return driver.NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown driver: %s", profile.Driver)
	}
}
