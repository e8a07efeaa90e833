// Package cleanup bulk-deletes messages from a channel, used to reset the
// relay target. Deletion is best-effort: messages the bot cannot delete are
// skipped and counted, never fatal.
package cleanup

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// API is the slice of the Slack client the cleaner needs.
type API interface {
	GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
	DeleteMessageContext(ctx context.Context, channelID, messageTimestamp string) (string, string, error)
}

// Stats summarizes one cleanup run.
type Stats struct {
	Found   int
	Deleted int
	Skipped int
	Failed  int
}

// Cleaner deletes the recent history of one channel.
type Cleaner struct {
	api       API
	channelID string
	limit     int
	delay     time.Duration
	sleep     func(time.Duration)
	log       *zap.Logger
}

// New constructs a Cleaner. limit bounds how much history is fetched; delay
// paces deletions under the API rate limit.
func New(api API, channelID string, limit int, delay time.Duration, log *zap.Logger, sleep func(time.Duration)) (*Cleaner, error) {
	if api == nil {
		return nil, errors.New("cleanup: cleaner requires a chat client")
	}
	if channelID == "" {
		return nil, errors.New("cleanup: cleaner requires a channel id")
	}
	if limit <= 0 {
		limit = 1000
	}
	if log == nil {
		log = zap.NewNop()
	}
	if sleep == nil {
		sleep = time.Sleep
	}
	return &Cleaner{
		api:       api,
		channelID: channelID,
		limit:     limit,
		delay:     delay,
		sleep:     sleep,
		log:       log,
	}, nil
}

// Run fetches the recent history and deletes each message. Messages posted
// by other users come back as cant_delete_message and are skipped; a missing
// history scope aborts with a hint.
func (c *Cleaner) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	resp, err := c.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: c.channelID,
		Limit:     c.limit,
	})
	if err != nil {
		if errCode(err) == "missing_scope" {
			return stats, errors.Wrap(err, "cleanup: bot token lacks channels:history (or groups:history) scope")
		}
		return stats, errors.Wrap(err, "cleanup: fetch channel history")
	}

	stats.Found = len(resp.Messages)
	if stats.Found == 0 {
		c.log.Info("no messages to delete")
		return stats, nil
	}
	c.log.Info("starting deletion", zap.Int("messages", stats.Found))

	for _, msg := range resp.Messages {
		if err := ctx.Err(); err != nil {
			return stats, errors.Wrap(err, "cleanup: cancelled")
		}

		if _, _, err := c.api.DeleteMessageContext(ctx, c.channelID, msg.Timestamp); err != nil {
			if errCode(err) == "cant_delete_message" {
				c.log.Warn("cannot delete message, skipping", zap.String("ts", msg.Timestamp))
				stats.Skipped++
			} else {
				c.log.Error("delete failed", zap.String("ts", msg.Timestamp), zap.Error(err))
				stats.Failed++
			}
			continue
		}
		stats.Deleted++
		c.log.Debug("deleted", zap.String("ts", msg.Timestamp))

		c.sleep(c.delay)
	}

	c.log.Info("cleanup finished",
		zap.Int("deleted", stats.Deleted),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed))
	return stats, nil
}

// errCode extracts the Slack API error code. The client surfaces API errors as
// slack.SlackErrorResponse, possibly wrapped; plain errors fall back to their
// message.
func errCode(err error) string {
	var serr slack.SlackErrorResponse
	if errors.As(err, &serr) {
		return serr.Err
	}
	return err.Error()
}
