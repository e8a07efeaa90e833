package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"codmonbridge/internal/codmon"
)

// Downloader fetches attachment bytes through the authenticated session.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// Sink writes records for one facility under
// <root>/<facility>/<year>/<month>/<kind>_<id>/.
type Sink struct {
	root       string
	facility   string
	dl         Downloader
	log        *zap.Logger
	force      bool
	skipAssets bool
	retries    uint64
	retryBase  time.Duration
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithForce makes the sink overwrite existing files.
func WithForce(force bool) SinkOption {
	return func(s *Sink) { s.force = force }
}

// WithoutAssets skips attachment downloads entirely.
func WithoutAssets() SinkOption {
	return func(s *Sink) { s.skipAssets = true }
}

// WithRetries bounds the attachment download retry policy.
func WithRetries(n uint64, base time.Duration) SinkOption {
	return func(s *Sink) {
		s.retries = n
		if base > 0 {
			s.retryBase = base
		}
	}
}

// NewSink constructs a sink for one facility. The facility name is sanitized
// here so every path derivation agrees.
func NewSink(root, facility string, dl Downloader, log *zap.Logger, opts ...SinkOption) (*Sink, error) {
	if root == "" {
		return nil, errors.New("archive: sink requires a root directory")
	}
	if facility == "" {
		return nil, errors.New("archive: sink requires a facility name")
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Sink{
		root:      root,
		facility:  Sanitize(facility),
		dl:        dl,
		log:       log,
		retries:   3,
		retryBase: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// EntryDir is the directory one record persists into.
func (s *Sink) EntryDir(rec codmon.Record) string {
	key := rec.DateKey()
	dir := Sanitize(rec.KindDir()) + "_" + rec.ID
	return filepath.Join(s.root, s.facility, key.Year, key.Month, dir)
}

// State inspects the marker-file lifecycle of a record's entry.
func (s *Sink) State(rec codmon.Record) EntryState {
	dir := s.EntryDir(rec)
	if _, err := os.Stat(dir); err != nil {
		return EntryAbsent
	}
	if _, err := os.Stat(filepath.Join(dir, doneMarker)); err != nil {
		return EntryInProgress
	}
	return EntryComplete
}

// Done reports whether the entry was fully persisted by a previous run. The
// marker is the sole completion predicate: a directory without it is treated
// as incomplete and reprocessed.
func (s *Sink) Done(rec codmon.Record) (bool, error) {
	return s.State(rec) == EntryComplete, nil
}

// Handle persists one record: info.json, then attachments, then the done
// marker. Attachment failures are logged and skipped; metadata capture is
// worth more than completeness of binary assets, so they never block the
// marker.
func (s *Sink) Handle(ctx context.Context, rec codmon.Record) error {
	dir := s.EntryDir(rec)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "archive: create entry dir %s", dir)
	}

	infoPath := filepath.Join(dir, "info.json")
	if s.force || !exists(infoPath) {
		data, err := s.renderInfo(rec)
		if err != nil {
			return err
		}
		if err := os.WriteFile(infoPath, data, 0o644); err != nil {
			return errors.Wrapf(err, "archive: write %s", infoPath)
		}
	}

	if !s.skipAssets {
		s.saveAttachments(ctx, rec, dir)
	}

	if err := touch(filepath.Join(dir, doneMarker)); err != nil {
		return errors.Wrapf(err, "archive: write done marker in %s", dir)
	}

	s.log.Info("entry archived",
		zap.String("id", rec.ID),
		zap.String("title", rec.Title),
		zap.String("dir", dir))
	return nil
}

// renderInfo pretty-prints the raw record, preserving non-ASCII text.
// Contact-book entries carry their structured body as a JSON string in
// "content"; a parsed copy is embedded alongside it when it decodes.
func (s *Sink) renderInfo(rec codmon.Record) ([]byte, error) {
	if rec.Kind() == codmon.KindContactEntry && rec.Content != "" {
		var parsed interface{}
		if err := json.Unmarshal([]byte(rec.Content), &parsed); err == nil {
			var full map[string]interface{}
			if err := json.Unmarshal(rec.Raw, &full); err == nil {
				full["content_parsed"] = parsed
				return encodeIndented(full)
			}
		} else {
			s.log.Warn("contact content did not decode as JSON", zap.String("id", rec.ID))
		}
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, rec.Raw, "", "    "); err != nil {
		return nil, errors.Wrapf(err, "archive: indent record %s", rec.ID)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func encodeIndented(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(v); err != nil {
		return nil, errors.Wrap(err, "archive: encode record")
	}
	return buf.Bytes(), nil
}

func (s *Sink) saveAttachments(ctx context.Context, rec codmon.Record, dir string) {
	if rec.FileURL != "" {
		name := "attachment" + documentExt(rec.FileURL)
		s.download(ctx, rec.FileURL, filepath.Join(dir, name))
	}
	for i, photo := range rec.Photos {
		if photo.URL == "" {
			continue
		}
		id := photo.ID
		if id == "" {
			id = strconv.Itoa(i)
		}
		name := "photo_" + id + photoExt(photo.URL)
		s.download(ctx, photo.URL, filepath.Join(dir, name))
	}
}

// download fetches one attachment with bounded exponential backoff. Existing
// non-empty files are kept unless force is set; non-transient failures are
// not retried.
func (s *Sink) download(ctx context.Context, url, dest string) {
	if !s.force {
		if st, err := os.Stat(dest); err == nil && st.Size() > 0 {
			s.log.Debug("attachment already present", zap.String("path", dest))
			return
		}
	}

	var data []byte
	op := func() error {
		var err error
		data, err = s.dl.Download(ctx, url)
		if err != nil && !codmon.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryBase
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, s.retries), ctx))
	if err != nil {
		s.log.Error("attachment download failed",
			zap.String("url", url), zap.String("path", dest), zap.Error(err))
		return
	}

	if err := os.WriteFile(dest, data, 0o644); err != nil {
		s.log.Error("attachment write failed", zap.String("path", dest), zap.Error(err))
		return
	}
	s.log.Info("attachment saved", zap.String("path", dest), zap.Int("bytes", len(data)))
}

// documentExt takes the URL's extension, defaulting to .pdf.
func documentExt(rawURL string) string {
	ext := path.Ext(strings.SplitN(rawURL, "?", 2)[0])
	if ext == "" {
		ext = ".pdf"
	}
	return ext
}

// photoExt sniffs png, defaulting to .jpg.
func photoExt(rawURL string) string {
	if strings.Contains(rawURL, ".png") {
		return ".png"
	}
	return ".jpg"
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func touch(p string) error {
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
