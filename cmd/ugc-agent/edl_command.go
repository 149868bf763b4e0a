package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ugcstudio/ugc-agent/internal/export"
	"github.com/ugcstudio/ugc-agent/internal/jobs"
	"github.com/ugcstudio/ugc-agent/internal/snapshot"
)

const maxTitleLen = 64

func newEDLCommand(ctx *commandContext) *cobra.Command {
	var projectID string
	var outDir string
	var title string

	cmd := &cobra.Command{
		Use:   "edl",
		Short: "Write the latest saved timeline of a project as a CMX3600 edit decision list",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				return fmt.Errorf("--project is required")
			}
			if outDir != "" {
				if err := export.ValidateOutputDir(outDir); err != nil {
					return err
				}
			}
			if title == "" {
				title = projectID
			}

			logger := ctx.logger()
			return ctx.withLedger(logger, func(repo *jobs.SQLiteRepository) error {
				body, err := latestEDL(cmd.Context(), repo, snapshot.NewCodec(logger), projectID, title)
				if err != nil {
					return err
				}
				if outDir == "" {
					_, err := io.WriteString(cmd.OutOrStdout(), body)
					return err
				}
				path := filepath.Join(outDir, export.SanitizeName(title, maxTitleLen)+".edl")
				if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
					return fmt.Errorf("write edl: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&projectID, "project", "p", "", "Project whose latest snapshot is exported")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Directory to write <title>.edl into (default stdout)")
	cmd.Flags().StringVarP(&title, "title", "t", "", "EDL title (default project id)")
	return cmd
}

func latestEDL(ctx context.Context, repo jobs.Repository, codec *snapshot.Codec, projectID, title string) (string, error) {
	snap, err := repo.LatestSnapshot(ctx, projectID)
	if err != nil {
		return "", fmt.Errorf("read snapshot: %w", err)
	}
	if snap == nil {
		return "", fmt.Errorf("no snapshot recorded for project %s", projectID)
	}
	doc, err := codec.Decode(snap.Body)
	if err != nil {
		return "", fmt.Errorf("decode snapshot %d: %w", snap.ID, err)
	}
	return export.FromDesign(doc.Timeline, title), nil
}
