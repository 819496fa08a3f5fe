package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/exportcontrol/caseflow/common/logging"
	"github.com/exportcontrol/caseflow/common/messaging"
	"github.com/exportcontrol/caseflow/workflow/internal/handlers"
	"github.com/exportcontrol/caseflow/workflow/internal/notify"
	"github.com/exportcontrol/caseflow/workflow/internal/rules"
	"github.com/exportcontrol/caseflow/workflow/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workflow daemon",
	Long: `Runs migrations, then serves health and metrics endpoints, applies
chaser callbacks from the notifier and runs the nightly SLA jobs until
interrupted.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runMigrations(cmd); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if path := cfg.Routing.RulesFile; path != "" {
		f, err := rules.LoadFile(path)
		if err != nil {
			return err
		}
		if _, err := a.svc.ImportRules(ctx, f); err != nil {
			return fmt.Errorf("failed to import %s: %w", path, err)
		}
	}

	sub, err := notify.SubscribeChaserSent(a.broker, logger.Component("notify"), a.svc.MarkChaserSent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to chaser callbacks: %w", err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			logger.Warn("failed to unsubscribe", logging.Error(err))
		}
	}()

	daily, err := a.dailyScheduler()
	if err != nil {
		return err
	}

	h := handlers.NewHandler("workflow", logger).
		WithCheck("postgres", a.repo.Ping).
		WithCheck("broker", func(ctx context.Context) error {
			if status := messaging.CheckClientHealth(ctx, a.broker); !status.Connected {
				return errors.New(status.Error)
			}
			return nil
		})
	if a.redis != nil {
		h.WithCheck("redis", func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		})
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(h),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.InfoContext(gctx, "workflow service listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		daily.Start(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		daily.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("workflow service stopped")
	return nil
}
