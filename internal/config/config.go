package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Credential errors are fatal: the CLI reports them and exits with code 1.
var (
	ErrMissingCodmonCredentials = errors.New("config: CODMON_EMAIL and CODMON_PASSWORD must be set")
	ErrMissingSlackCredentials  = errors.New("config: SLACK_BOT_TOKEN and SLACK_CHANNEL_ID must be set")
)

// Config captures runtime configuration for the bridge.
type Config struct {
	CodmonEmail    string
	CodmonPassword string
	SlackBotToken  string
	SlackChannelID string

	// DataDir is the archive root. The default matches the layout produced by
	// earlier versions of the tool, so existing archives keep resuming.
	DataDir string

	// PageCeiling bounds a single timeline walk as a guard against
	// server-side pagination bugs.
	PageCeiling int

	// Fixed pacing delays. These respect vendor/Slack rate limits and are
	// separate from retry policy.
	PageDelay   time.Duration
	UploadDelay time.Duration
	DeleteDelay time.Duration

	// HistoryLimit is how many recent channel messages the relay scans for
	// already-posted record ids.
	HistoryLimit int

	// PolicyFile optionally points at a YAML facility/kind policy.
	PolicyFile string
}

// FromEnv creates a configuration instance sourced from environment variables.
func FromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		CodmonEmail:    os.Getenv("CODMON_EMAIL"),
		CodmonPassword: os.Getenv("CODMON_PASSWORD"),
		SlackBotToken:  os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannelID: os.Getenv("SLACK_CHANNEL_ID"),
		DataDir:        getEnv("BRIDGE_DATA_DIR", "codomon_data"),
		PageCeiling:    3000,
		PageDelay:      time.Second,
		UploadDelay:    time.Second,
		DeleteDelay:    1200 * time.Millisecond,
		HistoryLimit:   1000,
		PolicyFile:     os.Getenv("BRIDGE_POLICY_FILE"),
	}

	if ceiling := os.Getenv("BRIDGE_PAGE_CEILING"); ceiling != "" {
		if _, err := fmt.Sscanf(ceiling, "%d", &cfg.PageCeiling); err != nil {
			return Config{}, errors.Wrap(err, "config: parse BRIDGE_PAGE_CEILING")
		}
	}

	if limit := os.Getenv("BRIDGE_HISTORY_LIMIT"); limit != "" {
		if _, err := fmt.Sscanf(limit, "%d", &cfg.HistoryLimit); err != nil {
			return Config{}, errors.Wrap(err, "config: parse BRIDGE_HISTORY_LIMIT")
		}
	}

	if delay := os.Getenv("BRIDGE_PAGE_DELAY_MS"); delay != "" {
		var ms int
		if _, err := fmt.Sscanf(delay, "%d", &ms); err != nil {
			return Config{}, errors.Wrap(err, "config: parse BRIDGE_PAGE_DELAY_MS")
		}
		cfg.PageDelay = time.Duration(ms) * time.Millisecond
	}

	return cfg, nil
}

// ValidateCodmon checks the vendor credentials needed by archive and relay runs.
func (c Config) ValidateCodmon() error {
	if c.CodmonEmail == "" || c.CodmonPassword == "" {
		return ErrMissingCodmonCredentials
	}
	return nil
}

// ValidateSlack checks the chat credentials needed by relay and clean runs.
func (c Config) ValidateSlack() error {
	if c.SlackBotToken == "" || c.SlackChannelID == "" {
		return ErrMissingSlackCredentials
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
