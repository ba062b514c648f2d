// Command wfctl operates the contract workflow engine: reconciliation
// audits and repairs, seeding, and instance inspection over gRPC.
package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-contract-workflow/internal/app"
	"github.com/pesio-ai/be-contract-workflow/internal/client"
	"github.com/pesio-ai/be-contract-workflow/internal/config"
	"github.com/pesio-ai/be-contract-workflow/internal/logger"
)

var errFindings = stderrors.New("reconciliation reported findings")

var (
	grpcAddr       string
	userID         string
	timeout        time.Duration
	failOnFindings bool
	repairConfirm  bool
	abortReason    string
	assigneeID     string
)

var rootCmd = &cobra.Command{
	Use:           "wfctl",
	Short:         "Operate the contract workflow engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Report instances whose entity or tasks diverge from the instance state",
	Long: `Runs a read-only reconciliation sweep against the configured store
(same environment as the server) and prints the report as JSON.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		a, err := openEngine(ctx, "")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Recon.Audit(ctx)
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
		if failOnFindings && len(report.Findings) > 0 {
			return errFindings
		}
		return nil
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Audit and repair divergent entity statuses and drifted tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !repairConfirm {
			return fmt.Errorf("repair writes to the store; rerun with --yes")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		a, err := openEngine(ctx, "")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Recon.Repair(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed <file>",
	Short: "Load scenarios, directory and contracts from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		a, err := openEngine(ctx, args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		scenarios, err := a.Scenarios.ListScenarios(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "seeded %s; %d scenarios in store\n", args[0], len(scenarios))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <instance-id>",
	Short: "Show an instance and its pending tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.WorkflowClient) error {
			st, err := c.GetInstanceStatus(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		})
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending tasks of a user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.WorkflowClient) error {
			tasks, err := c.ListPending(ctx, assigneeID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tasks)
		})
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort <instance-id>",
	Short: "Terminate an instance and cancel its pending tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.WorkflowClient) error {
			resp, err := c.Abort(ctx, args[0], abortReason)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		})
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the gRPC health of a running server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.WorkflowClient) error {
			status, err := c.Health(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status)
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&grpcAddr, "addr", envOr("WFCTL_ADDR", "localhost:9086"), "gRPC address of the workflow server")
	rootCmd.PersistentFlags().StringVar(&userID, "user", os.Getenv("WFCTL_USER"), "acting user id sent as x-user-id")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall command timeout")

	auditCmd.Flags().BoolVar(&failOnFindings, "fail-on-findings", false, "exit non-zero when findings are reported")
	repairCmd.Flags().BoolVar(&repairConfirm, "yes", false, "confirm writes")
	abortCmd.Flags().StringVar(&abortReason, "reason", "", "reason recorded on the instance")
	pendingCmd.Flags().StringVar(&assigneeID, "assignee", "", "assignee id (defaults to --user)")

	rootCmd.AddCommand(auditCmd, repairCmd, seedCmd, statusCmd, pendingCmd, abortCmd, healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "wfctl: %v\n", err)
		os.Exit(1)
	}
}

// openEngine wires the engine against the store configured in the
// environment. A non-empty seedFile is applied first.
func openEngine(ctx context.Context, seedFile string) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if seedFile != "" {
		cfg.SeedFile = seedFile
	}
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: "wfctl",
		Version:     cfg.Service.Version,
		Output:      os.Stderr,
	})
	return app.New(ctx, cfg, log)
}

func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.WorkflowClient) error) error {
	c, err := client.NewWorkflowClient(grpcAddr)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	if userID != "" {
		ctx = client.WithUserID(ctx, userID)
	}
	return fn(ctx, c)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
