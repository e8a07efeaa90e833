package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var debugFlag bool

var rootCmd = &cobra.Command{
	Use:          "codmon-bridge",
	Short:        "Mirror Codmon timeline records into a local archive and a Slack channel",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable verbose logging")
	rootCmd.AddCommand(archiveCmd, relayCmd, cleanCmd)
}

// newLogger builds the run logger. Every run gets a distinct run_id so
// interleaved cron output stays attributable.
func newLogger() (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if debugFlag {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		return nil, err
	}
	return logger.With(zap.String("run_id", uuid.NewString())), nil
}
