// Command marketbusctl is an operator CLI for inspecting a running gateway
// or adapter deployment: subscription registry snapshots and health probes
// against the gateway's admin HTTP surface, and task status lookups read
// directly from the tasks table.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantframe/marketbus/pkg/config"
	"github.com/quantframe/marketbus/pkg/database"
	"github.com/quantframe/marketbus/pkg/taskqueue"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var (
	configPath  string
	gatewayAddr string
)

var rootCmd = &cobra.Command{
	Use:   "marketbusctl",
	Short: "Operator CLI for the market-data gateway and exchange adapter",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "./deploy/config/marketbus.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&gatewayAddr, "gateway", "http://localhost:8080", "client gateway base URL")

	rootCmd.AddCommand(subscriptionsCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(healthCmd)
}

var subscriptionsCmd = &cobra.Command{
	Use:   "subscriptions",
	Short: "List the currently live subscription keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetchAndPrint(cmd.Context(), gatewayAddr+"/admin/subscriptions")
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report gateway health (database, session count, worker pool)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetchAndPrint(cmd.Context(), gatewayAddr+"/health")
	},
}

var taskCmd = &cobra.Command{
	Use:   "task <task-id>",
	Short: "Look up a task row's status and result directly from the database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		cfg, err := config.Initialize(ctx, configPath)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		db, err := database.NewClientFromDSN(ctx, cfg.DBConnection)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()

		q := taskqueue.NewQueue(db.DB())
		sessionID, requestID, status, result, errCode, errMessage, err := q.GetTask(ctx, args[0])
		if err != nil {
			return fmt.Errorf("look up task %s: %w", args[0], err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"task_id":           args[0],
			"status":            status,
			"origin_session_id": sessionID,
			"origin_request_id": requestID,
			"result":            json.RawMessage(result),
			"error_code":        errCode,
			"error_message":     errMessage,
		})
	},
}

func fetchAndPrint(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty map[string]interface{}
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(pretty)
}
