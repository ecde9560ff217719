package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/latentforge/comfyagent/internal/comfy"
	"github.com/latentforge/comfyagent/internal/experience"
	"github.com/latentforge/comfyagent/internal/gateway"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&flagAddr, "addr", "", "listen address (overrides config)")
	return cmd
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	addr := a.cfg.ListenAddr
	if flagAddr != "" {
		addr = flagAddr
	}

	listener := comfy.NewListener(a.comfy, a.bus, a.logger)
	go listener.Run(ctx)

	canvas := gateway.NewCanvas(a.bus)
	go canvas.Run(ctx)

	synthModel := a.cfg.IntentModel
	if synthModel == "" {
		synthModel = a.cfg.Model
	}
	synthesizer := experience.NewSynthesizer(a.llm, a.bus, a.cfg.ExperiencesDir, synthModel, a.logger)
	go synthesizer.Run(ctx)

	server := gateway.NewServer(gateway.Deps{
		Store:          a.store,
		Bus:            a.bus,
		Client:         a.llm,
		Registry:       a.registry,
		Prompts:        a.prompts,
		Delegator:      a.delegator(),
		LoopCfg:        a.loopCfg,
		Comfy:          a.comfy,
		Probe:          a.probe,
		Index:          a.index,
		ExperiencesDir: a.cfg.ExperiencesDir,
		SummaryModel:   a.cfg.Model,
		Logger:         a.logger,
	})
	server.SetCanvas(canvas)
	jobs := server.StartJobs(ctx)
	defer jobs.Stop()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("gateway listening", "addr", addr, "backend", a.cfg.Backend)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
