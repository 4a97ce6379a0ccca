package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zmigrate/zmigrate/pkg/types"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage migration jobs on a daemon",
}

func init() {
	jobCmd.PersistentFlags().String("server", "http://127.0.0.1:8044", "Daemon control API base URL")
	jobCmd.PersistentFlags().String("auth-token", "", "Bearer token (or ZMIGRATE_AUTH_TOKEN)")

	jobCmd.AddCommand(jobSubmitCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobGetCmd)
	jobCmd.AddCommand(jobCancelCmd)
	jobCmd.AddCommand(jobProgressCmd)
	jobCmd.AddCommand(jobStatsCmd)

	addMigrationFlags(jobSubmitCmd)

	jobListCmd.Flags().String("status", "", "Filter by status: pending|running|completed|failed|cancelled")
	jobListCmd.Flags().Int("limit", 0, "Maximum number of jobs to list")
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a migration job",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		created, err := c.CreateMigration(context.Background(), migrationRequestFromFlags(cmd))
		if err != nil {
			return err
		}
		fmt.Printf("Job %s queued\n", created.JobID)
		return nil
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		list, err := c.ListMigrations(context.Background(), types.JobStatus(status), limit)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No jobs found")
			return nil
		}
		fmt.Printf("%-36s  %-10s  %-20s  %s\n", "ID", "STATUS", "CREATED", "ERROR")
		for _, j := range list {
			fmt.Printf("%-36s  %-10s  %-20s  %s\n",
				j.ID, j.Status, j.CreatedAt.Format(time.RFC3339), j.Error)
		}
		return nil
	},
}

var jobGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one job record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		job, err := c.GetMigration(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(job)
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		if err := c.CancelMigration(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Job %s cancelled\n", args[0])
		return nil
	},
}

var jobProgressCmd = &cobra.Command{
	Use:   "progress ID",
	Short: "Show a job's transfer progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		p, err := c.Progress(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(p)
	},
}

var jobStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue and worker statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		stats, err := c.JobStats(context.Background())
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
