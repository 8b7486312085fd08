// Package cmd provides the command-line interface for issuebridge.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danielolaszy/issuebridge/internal/config"
	"github.com/danielolaszy/issuebridge/internal/engine"
	"github.com/danielolaszy/issuebridge/internal/gitlab"
	"github.com/danielolaszy/issuebridge/internal/logging"
	"github.com/danielolaszy/issuebridge/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "issuebridge",
	Short: "issuebridge mirrors issues between GitLab instances",
	Long: `issuebridge keeps issues synchronized between projects on two GitLab
instances. It mirrors titles, descriptions, labels, assignees, milestones,
iterations, epics, comments and state in both directions, detects concurrent
edits as conflicts, and can rebuild its issue mappings from the markers it
embeds in mirrored issues.

Run 'issuebridge serve' to start the HTTP API with the background scheduler,
or use 'issuebridge sync' and 'issuebridge repair' for one-shot runs.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(repairCmd)
}

// bootstrap loads configuration, applies the log level, opens the store and
// builds the sync engine. Shared by every command.
func bootstrap() (*config.Config, *store.Store, *engine.Engine, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logging.SetLevel(cfg.LogLevel)

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	eng := engine.New(st, clientFactory,
		engine.WithOverlapWindow(cfg.Sync.OverlapWindow),
		engine.WithFields(cfg.Sync.Fields),
	)
	return cfg, st, eng, nil
}

// clientFactory builds a GitLab client for a configured tracker.
func clientFactory(t store.Tracker) (engine.Tracker, error) {
	return gitlab.NewClient(t.URL, t.AccessToken)
}
