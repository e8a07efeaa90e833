package main

import (
	"time"

	"github.com/slack-go/slack"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"codmonbridge/internal/codmon"
	"codmonbridge/internal/config"
	"codmonbridge/internal/pdf"
	"codmonbridge/internal/relay"
	"codmonbridge/internal/sync"
)

var (
	relayDays  int
	relayCheck bool
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Post recent timeline records into the Slack channel",
	RunE:  runRelay,
}

func init() {
	relayCmd.Flags().IntVar(&relayDays, "days", 3, "number of days to look back")
	relayCmd.Flags().BoolVar(&relayCheck, "check", false, "post a connection-test message and exit")
}

func runRelay(cmd *cobra.Command, _ []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if err := cfg.ValidateSlack(); err != nil {
		return err
	}

	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx := cmd.Context()
	api := slack.New(cfg.SlackBotToken)

	if relayCheck {
		_, ts, err := api.PostMessageContext(ctx, cfg.SlackChannelID,
			slack.MsgOptionText("🤖 Codmon通知ボットのテスト投稿です。接続成功！", false))
		if err != nil {
			return err
		}
		log.Info("connection test posted", zap.String("ts", ts))
		return nil
	}

	if err := cfg.ValidateCodmon(); err != nil {
		return err
	}
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}

	client := codmon.NewClient(cfg.CodmonEmail, cfg.CodmonPassword)
	if _, err := client.Login(ctx); err != nil {
		return err
	}

	services, err := client.Services(ctx)
	if err != nil {
		return err
	}

	history, err := relay.LoadHistory(ctx, api, cfg.SlackChannelID, cfg.HistoryLimit)
	if err != nil {
		return err
	}
	log.Info("history scanned", zap.Int("known_ids", history.Size()))

	// The relay only consumes the bounded recent window, so a single page
	// per facility is deliberate, not a safety stop.
	walker, err := sync.NewWalker(client, log,
		sync.WithPageCeiling(1),
		sync.WithPageDelay(cfg.PageDelay))
	if err != nil {
		return err
	}

	end := time.Now()
	window := codmon.Window{Start: end.AddDate(0, 0, -relayDays), End: end}

	for _, svc := range services {
		if !policy.AllowFacility(svc.Name) {
			continue
		}
		flog := log.With(zap.String("facility", svc.Name))
		flog.Info("relaying facility timeline", zap.Int("days", relayDays))

		sink, err := relay.NewSink(api, cfg.SlackChannelID, client, pdf.NewMuPDF(), history, flog,
			relay.WithUploadDelay(cfg.UploadDelay),
			relay.WithKindFilter(policy.AllowKind))
		if err != nil {
			return err
		}

		sum, err := walker.Walk(ctx, svc.ID, window, sync.SkipSeen, sink)
		if err != nil {
			return err
		}
		flog.Info("relay finished",
			zap.Int("fetched", sum.Fetched),
			zap.Int("posted", sum.Emitted),
			zap.Int("already_posted", sum.Skipped))
	}
	return nil
}
