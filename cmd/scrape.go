package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
)

// errRunFailed marks a run whose summary reports failure; the summary is
// still printed.
var errRunFailed = errors.New("scrape run failed")

func newScrapeCmd() *cobra.Command {
	var req crawler.RunRequest
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Scrapes the configured sources once",
		Long: `Runs the selected sources (all enabled sources by default) and prints
the JSON run summary. Exits non-zero when every source failed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.MaxPages < 0 {
				return fmt.Errorf("--max-pages must be >= 0")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := appInstance.Scrape(cmd.Context(), req)
			if err != nil {
				return err //nolint:wrapcheck
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				return fmt.Errorf("write summary: %w", err)
			}
			if !summary.Success {
				return errRunFailed
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&req.Sources, "source", nil, "source name to scrape (repeatable; default all)")
	cmd.Flags().BoolVar(&req.Force, "force", false, "delete each source's stored events before inserting")
	cmd.Flags().IntVar(&req.MaxPages, "max-pages", 0, "cap pages per source (0 keeps each source's setting)")
	return cmd
}
