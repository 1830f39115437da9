package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skeinlabs/skein/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run standalone task workers",
	Long: `Start task workers that consume the distributed queue and report
results over the event bus. Requires distributed mode (Redis) so the
queue and bus are shared with the orchestrator process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		count, _ := cmd.Flags().GetInt("count")

		stack, err := buildStack(configPath)
		if err != nil {
			return err
		}
		defer stack.Close()

		if !stack.cfg.Distributed {
			return fmt.Errorf("worker requires distributed mode; set distributed: true in config")
		}

		var workers []*worker.Worker
		for i := 0; i < count; i++ {
			w := worker.New(stack.queue, stack.runtime, stack.bus)
			w.Start()
			workers = append(workers, w)
		}
		fmt.Printf("%d worker(s) consuming %s\n", count, stack.cfg.RedisURL)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		for _, w := range workers {
			w.Stop()
		}
		return nil
	},
}

func init() {
	workerCmd.Flags().Int("count", 1, "Number of worker loops to run")
}
