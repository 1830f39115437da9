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

	"github.com/skeinlabs/skein/pkg/api"
	"github.com/skeinlabs/skein/pkg/metrics"
	"github.com/skeinlabs/skein/pkg/orchestrator"
	"github.com/skeinlabs/skein/pkg/planner"
	"github.com/skeinlabs/skein/pkg/types"
	"github.com/skeinlabs/skein/pkg/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator with its HTTP API",
	Long: `Start a skein orchestrator: embedded store, event bus, handler
runtime, and the HTTP API. With --distributed the bus and task queue run
over Redis and dispatched tasks are consumed by skein workers; otherwise
an in-process queue and the given number of local workers handle
distributed-mode graphs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		listenAddr, _ := cmd.Flags().GetString("listen")
		localWorkers, _ := cmd.Flags().GetInt("workers")

		stack, err := buildStack(configPath)
		if err != nil {
			return err
		}
		defer stack.Close()

		orch := orchestrator.New(stack.cfg, orchestrator.Deps{
			Bus:        stack.bus,
			Runtime:    stack.runtime,
			Security:   stack.security,
			Validation: stack.validation,
			Memory:     stack.memory,
			Billing:    stack.billing,
			Store:      stack.store,
			Queue:      stack.queue,
		})

		var workers []*worker.Worker
		for i := 0; i < localWorkers; i++ {
			w := worker.New(stack.queue, stack.runtime, stack.bus)
			w.Start()
			workers = append(workers, w)
		}

		var metricsSrv *http.Server
		if stack.cfg.MetricsAddr != "" {
			metricsSrv = metrics.Serve(stack.cfg.MetricsAddr)
		}

		server := api.NewServer(orch, planner.NewFallback(types.AgentCode), stack.store, stack.cfg)
		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(listenAddr)
		}()

		fmt.Printf("Skein orchestrator listening on %s\n", listenAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("api server error: %w", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
		for _, w := range workers {
			w.Stop()
		}
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(ctx)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("listen", "127.0.0.1:8080", "HTTP API listen address")
	serveCmd.Flags().Int("workers", 2, "Local workers for distributed-mode graphs")
}
