package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/skeinlabs/skein/pkg/client"
	"github.com/skeinlabs/skein/pkg/types"
)

var goalCmd = &cobra.Command{
	Use:   "goal GOAL",
	Short: "Submit a goal to a running orchestrator and wait for the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		mode, _ := cmd.Flags().GetString("mode")
		userID, _ := cmd.Flags().GetString("user")
		wait, _ := cmd.Flags().GetDuration("wait")

		c := client.New(server, client.WithUserID(userID))
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()

		graphID, err := c.SubmitGoal(ctx, args[0], types.ExecutionMode(mode))
		if err != nil {
			return err
		}
		fmt.Printf("Graph %s accepted, waiting...\n", graphID)

		graph, err := c.WaitForGraph(ctx, graphID, time.Second)
		if err != nil {
			return fmt.Errorf("graph %s did not finish: %w", graphID, err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(graph)
	},
}

func init() {
	goalCmd.Flags().String("server", "http://127.0.0.1:8080", "Orchestrator API address")
	goalCmd.Flags().String("mode", string(types.ModeSequential), "Execution mode (sequential, parallel, streaming, distributed)")
	goalCmd.Flags().String("user", "", "User id for billing and permissions")
	goalCmd.Flags().Duration("wait", 5*time.Minute, "How long to wait for completion")
}
