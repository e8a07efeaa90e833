// Package relay posts timeline records into a Slack channel, uploading
// attachments as follow-up messages and deduplicating against id tokens
// embedded in prior channel history.
package relay

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"codmonbridge/internal/codmon"
	"codmonbridge/internal/pdf"
)

// ChatAPI is the slice of the Slack client the sink needs.
type ChatAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UploadFileV2Context(ctx context.Context, params slack.UploadFileV2Parameters) (*slack.FileSummary, error)
}

// Downloader fetches attachment bytes through the vendor session.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// Sink formats records as chat messages. Kind decides the shape: activities
// post text then photos, announcements post their document (and its rendered
// PDF pages), contact responses are not relayed.
type Sink struct {
	api         ChatAPI
	channelID   string
	dl          Downloader
	rasterizer  pdf.Rasterizer
	history     *HistoryIndex
	log         *zap.Logger
	uploadDelay time.Duration
	sleep       func(time.Duration)
	allowKind   func(string) bool
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithUploadDelay sets the pause between consecutive photo uploads. Uploading
// back-to-back makes the Slack client render them out of order.
func WithUploadDelay(d time.Duration) SinkOption {
	return func(s *Sink) { s.uploadDelay = d }
}

// WithSleeper overrides the sleep function (tests pass a no-op).
func WithSleeper(fn func(time.Duration)) SinkOption {
	return func(s *Sink) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

// WithKindFilter restricts which vendor kinds are relayed.
func WithKindFilter(allow func(string) bool) SinkOption {
	return func(s *Sink) {
		if allow != nil {
			s.allowKind = allow
		}
	}
}

// NewSink constructs a relay sink bound to one channel.
func NewSink(api ChatAPI, channelID string, dl Downloader, rasterizer pdf.Rasterizer, history *HistoryIndex, log *zap.Logger, opts ...SinkOption) (*Sink, error) {
	if api == nil {
		return nil, errors.New("relay: sink requires a chat client")
	}
	if channelID == "" {
		return nil, errors.New("relay: sink requires a channel id")
	}
	if history == nil {
		history = NewHistoryIndex()
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Sink{
		api:         api,
		channelID:   channelID,
		dl:          dl,
		rasterizer:  rasterizer,
		history:     history,
		log:         log,
		uploadDelay: time.Second,
		sleep:       time.Sleep,
		allowKind:   func(string) bool { return true },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Done consults the history scan. Bounded and lossy by design.
func (s *Sink) Done(rec codmon.Record) (bool, error) {
	return s.history.Contains(rec.ID), nil
}

// Handle posts one record.
func (s *Sink) Handle(ctx context.Context, rec codmon.Record) error {
	if !s.allowKind(rec.TimelineKind) {
		s.log.Debug("kind filtered by policy", zap.String("id", rec.ID), zap.String("kind", rec.TimelineKind))
		return nil
	}

	switch rec.Kind() {
	case codmon.KindActivity:
		return s.relayActivity(ctx, rec)
	case codmon.KindAnnouncement:
		return s.relayAnnouncement(ctx, rec)
	case codmon.KindContactResponse:
		// Absence notices and the like; noise in a family channel.
		s.log.Debug("skipping contact response", zap.String("id", rec.ID))
		return nil
	default:
		s.log.Debug("no relay rendering for kind",
			zap.String("id", rec.ID), zap.String("kind", rec.TimelineKind))
		return nil
	}
}

// relayActivity posts the text first, then each photo as its own upload,
// paced to keep the client from reordering them.
func (s *Sink) relayActivity(ctx context.Context, rec codmon.Record) error {
	text := fmt.Sprintf("%s\n📸 *%s*\n%s\n%s",
		rec.DisplayDate, titleOrUntitled(rec), rec.Overview, IDToken(rec.ID))

	if _, _, err := s.api.PostMessageContext(ctx, s.channelID, slack.MsgOptionText(text, false)); err != nil {
		return errors.Wrapf(err, "relay: post activity %s", rec.ID)
	}

	for i, photo := range rec.Photos {
		if photo.URL == "" {
			continue
		}
		data, err := s.dl.Download(ctx, photo.URL)
		if err != nil {
			s.log.Error("photo download failed, skipping",
				zap.String("id", rec.ID), zap.String("url", photo.URL), zap.Error(err))
			continue
		}

		caption := photo.Caption
		if caption == "" {
			// The Android client reuses the previous message's caption
			// when this one is empty. Any single character defeats the
			// stale cache.
			caption = "."
		}

		filename := photoFilename(rec, photo, i)
		if err := s.upload(ctx, data, filename, filename, caption); err != nil {
			s.log.Error("photo upload failed, skipping",
				zap.String("id", rec.ID), zap.String("filename", filename), zap.Error(err))
			continue
		}
		s.sleep(s.uploadDelay)
	}
	return nil
}

// relayAnnouncement uploads the document with the formatted message as its
// caption; PDF documents additionally get every page rendered and uploaded
// as a standalone image.
func (s *Sink) relayAnnouncement(ctx context.Context, rec codmon.Record) error {
	body := HTMLToMrkdwn(rec.Content)
	message := fmt.Sprintf("%s\n📢 *%s*\n\n%s\n%s",
		rec.DisplayDate, titleOrUntitled(rec), body, IDToken(rec.ID))

	if rec.FileURL == "" {
		if _, _, err := s.api.PostMessageContext(ctx, s.channelID, slack.MsgOptionText(message, false)); err != nil {
			return errors.Wrapf(err, "relay: post announcement %s", rec.ID)
		}
		return nil
	}

	data, err := s.dl.Download(ctx, rec.FileURL)
	if err != nil {
		s.log.Error("announcement document download failed, posting text only",
			zap.String("id", rec.ID), zap.String("url", rec.FileURL), zap.Error(err))
		if _, _, perr := s.api.PostMessageContext(ctx, s.channelID, slack.MsgOptionText(message, false)); perr != nil {
			return errors.Wrapf(perr, "relay: post announcement %s", rec.ID)
		}
		return nil
	}

	filename := documentFilename(rec.FileURL)
	if err := s.upload(ctx, data, filename, titleOrUntitled(rec), message); err != nil {
		return errors.Wrapf(err, "relay: upload document for %s", rec.ID)
	}

	if strings.HasSuffix(strings.ToLower(filename), ".pdf") && s.rasterizer != nil {
		pages, err := s.rasterizer.Pages(data)
		if err != nil {
			s.log.Error("pdf render failed, document uploaded without page images",
				zap.String("id", rec.ID), zap.Error(err))
			return nil
		}
		for i, page := range pages {
			pageName := fmt.Sprintf("%s_page_%d.jpg", filename, i+1)
			pageTitle := fmt.Sprintf("%s (ページ %d)", titleOrUntitled(rec), i+1)
			if err := s.upload(ctx, page, pageName, pageTitle, ""); err != nil {
				s.log.Error("pdf page upload failed, skipping",
					zap.String("id", rec.ID), zap.Int("page", i+1), zap.Error(err))
			}
		}
	}
	return nil
}

func (s *Sink) upload(ctx context.Context, data []byte, filename, title, comment string) error {
	params := slack.UploadFileV2Parameters{
		Channel:  s.channelID,
		Reader:   bytes.NewReader(data),
		FileSize: len(data),
		Filename: filename,
		Title:    title,
	}
	if comment != "" {
		params.InitialComment = comment
	}
	_, err := s.api.UploadFileV2Context(ctx, params)
	return err
}

func titleOrUntitled(rec codmon.Record) string {
	if rec.Title == "" {
		return "無題"
	}
	return rec.Title
}

var nonDigits = regexp.MustCompile(`[^\d]`)

// photoFilename builds a sortable ASCII name:
// codmon_YYYYMMDD_HHMMSS_<record>_<photo>.jpg. Japanese titles make poor
// filenames, so the delivery timestamp orders them instead.
func photoFilename(rec codmon.Record, photo codmon.Photo, idx int) string {
	prefix := ""
	if rec.DeliveryAt != "" {
		digits := nonDigits.ReplaceAllString(rec.DeliveryAt, "")
		if len(digits) >= 14 {
			prefix = digits[:8] + "_" + digits[8:14] + "_"
		} else {
			prefix = digits + "_"
		}
	}
	photoID := photo.ID
	if photoID == "" {
		photoID = strconv.Itoa(idx)
	}
	return "codmon_" + prefix + rec.ID + "_" + photoID + ".jpg"
}

// documentFilename takes the URL path's base name, dropping any query string.
func documentFilename(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(strings.SplitN(rawURL, "?", 2)[0])
}
