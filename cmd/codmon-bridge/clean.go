package main

import (
	"github.com/pkg/errors"
	"github.com/slack-go/slack"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"codmonbridge/internal/cleanup"
	"codmonbridge/internal/config"
)

var (
	cleanYes   bool
	cleanLimit int
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete the Slack channel's recent messages",
	RunE:  runClean,
}

func init() {
	cleanCmd.Flags().BoolVar(&cleanYes, "yes", false, "confirm deletion")
	cleanCmd.Flags().IntVar(&cleanLimit, "limit", 0, "maximum number of messages to fetch (default from config)")
}

func runClean(cmd *cobra.Command, _ []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if err := cfg.ValidateSlack(); err != nil {
		return err
	}
	if !cleanYes {
		return errors.New("clean deletes channel messages; re-run with --yes to confirm")
	}

	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	limit := cleanLimit
	if limit <= 0 {
		limit = cfg.HistoryLimit
	}

	cleaner, err := cleanup.New(slack.New(cfg.SlackBotToken), cfg.SlackChannelID, limit, cfg.DeleteDelay, log, nil)
	if err != nil {
		return err
	}

	stats, err := cleaner.Run(cmd.Context())
	if err != nil {
		return err
	}
	log.Info("clean finished",
		zap.Int("found", stats.Found),
		zap.Int("deleted", stats.Deleted),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed))
	return nil
}
