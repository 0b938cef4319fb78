package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/ipc"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/policy"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the governance HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx)
		},
	}
}

// serve runs the HTTP API until ctx is done, then shuts down gracefully.
func (a *app) serve(ctx context.Context) error {
	if a.cfg.Policy.Watch {
		w, err := policy.NewWatcher(a.cfg.Policy.RulesFile, func(ctx context.Context, path string) error {
			return a.policy.LoadFile(ctx, a.cfg.Policy.SystemTenant, path)
		}, a.logger.Named("policy"))
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}

	handler := &ipc.Handler{
		Orchestrator: a.orchestrator,
		Ledger:       a.ledger,
		Policy:       a.policy,
		Classifier:   a.classifier,
		Logger:       a.logger.Named("http"),
	}
	srv := ipc.NewServer(handler, a.cfg.Server.ListenAddr, a.metrics.Handler())

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("governor listening", zap.String("addr", a.cfg.Server.ListenAddr))
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("server shutdown", zap.Error(err))
	}
	return <-errCh
}
