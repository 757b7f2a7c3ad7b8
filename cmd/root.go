// Package cmd defines the CLI commands for the eventscraper executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-events-crawler/internal/config"
	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-events-crawler/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the subcommands need from the built application.
type App interface {
	Run(ctx context.Context) error
	Scrape(ctx context.Context, req crawler.RunRequest) (crawler.Summary, error)
	Close()
}

// newApp is the application factory; tests replace it.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

// rootCommand owns the application built for the executing subcommand.
type rootCommand struct {
	*cobra.Command
	app App
}

// ExecuteContext runs the command tree and closes the application however the
// command ended; cobra skips post-run hooks when RunE fails.
func (r *rootCommand) ExecuteContext(ctx context.Context) error {
	err := r.Command.ExecuteContext(ctx)
	if r.app != nil {
		r.app.Close()
		r.app = nil
	}
	return err //nolint:wrapcheck
}

func newRootCmd() *rootCommand {
	var cfgFile string
	root := &rootCommand{}
	root.Command = &cobra.Command{
		Use:   "eventscraper",
		Short: "Scrapes event listings into a canonical events table.",
		Long: `eventscraper fetches listing pages from configured venues and ticketing
sites, extracts and normalizes events, and upserts them keyed by name, date
and source. It runs once from the command line or as an HTTP service.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			root.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); EVENTS_* env vars override it")
	root.AddCommand(newServeCmd(), newScrapeCmd())
	return root
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
