package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/asaproj/asa/internal/config"
	"github.com/asaproj/asa/internal/gateway"
	"github.com/asaproj/asa/internal/gitops"
	"github.com/asaproj/asa/internal/logging"
	"github.com/asaproj/asa/internal/metrics"
	"github.com/asaproj/asa/internal/prompt"
	"github.com/asaproj/asa/internal/queue"
	"github.com/asaproj/asa/internal/sandbox"
	"github.com/asaproj/asa/internal/store"
	"github.com/asaproj/asa/internal/web"
	"github.com/asaproj/asa/internal/worker"
)

// NewServeCmd creates the serve command: the HTTP API plus the in-process
// worker pool.
func NewServeCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(app.configPath)
			if err != nil {
				return err
			}
			return runServe(cfg, app.debug)
		},
	}
}

func runServe(cfg *config.Config, debug bool) error {
	var logger *zap.Logger
	if debug {
		logger = logging.NewDevelopment()
	} else {
		var err error
		if logger, err = logging.New(cfg.LogLevel); err != nil {
			return err
		}
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.WorkspaceBase, 0o755); err != nil {
		return fmt.Errorf("create workspace base: %w", err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	collector := metrics.NewCollector()
	q := queue.New(cfg.Queue)

	provider := gateway.NewOpenAIProvider(cfg.LLM.BaseURL, cfg.LLM.APIKey, nil)
	gw := gateway.New(provider, st, prompt.NewLoader(), cfg.Budget, cfg.Timeouts.LLMCall, collector, logger)

	var runner sandbox.Runner
	if cfg.Sandbox.UseDocker {
		runner = &sandbox.DockerRunner{
			Image:    cfg.Sandbox.Image,
			MemLimit: cfg.Sandbox.MemLimit,
			CPULimit: cfg.Sandbox.CPULimit,
			Network:  cfg.Sandbox.Network,
			Timeout:  cfg.Timeouts.TestRun,
		}
	} else {
		runner = &sandbox.LocalRunner{Timeout: cfg.Timeouts.TestRun}
	}

	deps := worker.Deps{
		Store:   st,
		Queue:   q,
		Gateway: gw,
		Sandbox: runner,
		Forge:   gitops.NewForge(cfg.Git.ForgeAPIBase, cfg.Git.Token, nil),
		Metrics: collector,
		Config:  cfg,
		Logger:  logger,
	}
	if cfg.LLM.EmbeddingModel != "" {
		deps.Embedder = gateway.NewEmbeddingsClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.EmbeddingModel, nil)
	}

	server := web.New(cfg, st, q, collector, logger)
	if err := server.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.NewPool(deps).Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	logger.Info("service started",
		zap.String("addr", server.Addr()),
		zap.Int("workers", cfg.Workers),
		zap.Bool("behavioral_verification", cfg.EnableBehavioralVerification),
		zap.Bool("guardian_review", cfg.EnableGuardianReview),
		zap.Bool("semantic_index", deps.Embedder != nil))

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	logger.Info("service stopped")
	return nil
}
