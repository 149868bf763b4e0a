package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ugcstudio/ugc-agent/internal/jobs"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List render jobs recorded in the local ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLedger(ctx.logger(), func(repo *jobs.SQLiteRepository) error {
				list, err := repo.ListJobs(cmd.Context(), limit)
				if err != nil {
					return fmt.Errorf("list jobs: %w", err)
				}
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No render jobs recorded")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(jobHeaders, jobRows(list), jobAligns))
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of jobs to show")
	return cmd
}

var (
	jobHeaders = []string{"ID", "Backend", "Project", "Format", "Status", "Progress", "Local", "Updated"}
	jobAligns  = []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft}
)

func jobRows(list []*jobs.Job) [][]string {
	rows := make([][]string, 0, len(list))
	for _, j := range list {
		rows = append(rows, []string{
			j.ID,
			j.Backend,
			j.ProjectID,
			j.Format,
			j.Status,
			strconv.FormatFloat(j.Progress, 'f', 0, 64) + "%",
			j.LocalState,
			j.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	return rows
}

func newSnapshotsCommand(ctx *commandContext) *cobra.Command {
	var projectID string
	var limit int

	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List journaled project saves",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLedger(ctx.logger(), func(repo *jobs.SQLiteRepository) error {
				list, err := repo.ListSnapshots(cmd.Context(), projectID, limit)
				if err != nil {
					return fmt.Errorf("list snapshots: %w", err)
				}
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No snapshots recorded")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(snapshotHeaders, snapshotRows(list), snapshotAligns))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&projectID, "project", "p", "", "Only show snapshots of this project")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of snapshots to show")
	return cmd
}

var (
	snapshotHeaders = []string{"ID", "Project", "Saved At", "Version", "Size", "Checksum"}
	snapshotAligns  = []columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft}
)

func snapshotRows(list []*jobs.Snapshot) [][]string {
	rows := make([][]string, 0, len(list))
	for _, s := range list {
		checksum := s.Checksum
		if len(checksum) > 12 {
			checksum = checksum[:12]
		}
		rows = append(rows, []string{
			strconv.FormatInt(s.ID, 10),
			s.ProjectID,
			s.SavedAt,
			s.Version,
			strconv.Itoa(s.SizeBytes),
			checksum,
		})
	}
	return rows
}
