package relay_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"codmonbridge/internal/codmon"
	"codmonbridge/internal/relay"
)

type upload struct {
	filename string
	title    string
	comment  string
	size     int
}

// fakeChat records every outbound post and upload.
type fakeChat struct {
	posts     []string
	uploads   []upload
	postErr   error
	uploadErr error
}

func (f *fakeChat) PostMessageContext(_ context.Context, _ string, options ...slack.MsgOption) (string, string, error) {
	if f.postErr != nil {
		return "", "", f.postErr
	}
	// MsgOption closures are opaque; count the post and recover the text via
	// UnsafeApplyMsgOptions.
	_, values, err := slack.UnsafeApplyMsgOptions("token", "C123", "https://slack.test/api/", options...)
	if err != nil {
		return "", "", err
	}
	f.posts = append(f.posts, values.Get("text"))
	return "C123", "1700000000.000100", nil
}

func (f *fakeChat) UploadFileV2Context(_ context.Context, params slack.UploadFileV2Parameters) (*slack.FileSummary, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	data, err := io.ReadAll(params.Reader)
	if err != nil {
		return nil, err
	}
	f.uploads = append(f.uploads, upload{
		filename: params.Filename,
		title:    params.Title,
		comment:  params.InitialComment,
		size:     len(data),
	})
	return &slack.FileSummary{ID: "F123", Title: params.Title}, nil
}

type fakeAssets struct {
	files map[string][]byte
	err   error
}

func (f *fakeAssets) Download(_ context.Context, url string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.files[url]
	if !ok {
		return nil, errors.Errorf("no asset for %s", url)
	}
	return data, nil
}

type fakePDF struct {
	pages [][]byte
	err   error
}

func (f *fakePDF) Pages(_ []byte) ([][]byte, error) {
	return f.pages, f.err
}

func newRelaySink(t *testing.T, api *fakeChat, dl relay.Downloader, rast *fakePDF, history *relay.HistoryIndex, opts ...relay.SinkOption) *relay.Sink {
	t.Helper()
	opts = append(opts, relay.WithSleeper(func(time.Duration) {}))
	sink, err := relay.NewSink(api, "C123", dl, rast, history, zap.NewNop(), opts...)
	require.NoError(t, err)
	return sink
}

func TestDoneConsultsHistory(t *testing.T) {
	sink := newRelaySink(t, &fakeChat{}, &fakeAssets{}, &fakePDF{}, relay.NewHistoryIndex("42"))

	done, err := sink.Done(codmon.Record{ID: "42"})
	require.NoError(t, err)
	assert.True(t, done)

	done, err = sink.Done(codmon.Record{ID: "43"})
	require.NoError(t, err)
	assert.False(t, done)
}

func TestRelayActivityPostsTextThenPhotos(t *testing.T) {
	api := &fakeChat{}
	dl := &fakeAssets{files: map[string][]byte{
		"https://cdn.example/a.jpg": []byte("AAA"),
		"https://cdn.example/b.jpg": []byte("BBBB"),
	}}
	sink := newRelaySink(t, api, dl, &fakePDF{}, nil)

	rec := codmon.Record{
		ID:           "111",
		TimelineKind: "activities",
		Title:        "園庭あそび",
		Overview:     "みんなで砂場",
		DisplayDate:  "2025-05-07",
		DeliveryAt:   "2025-05-07 10:15:00",
		Photos: []codmon.Photo{
			{ID: "9", URL: "https://cdn.example/a.jpg", Caption: "どろんこ"},
			{ID: "10", URL: "https://cdn.example/b.jpg"},
		},
	}
	require.NoError(t, sink.Handle(context.Background(), rec))

	require.Len(t, api.posts, 1)
	assert.Contains(t, api.posts[0], "📸 *園庭あそび*")
	assert.Contains(t, api.posts[0], "(ID: 111)")

	require.Len(t, api.uploads, 2)
	assert.Equal(t, "codmon_20250507_101500_111_9.jpg", api.uploads[0].filename)
	assert.Equal(t, "どろんこ", api.uploads[0].comment)
	assert.Equal(t, ".", api.uploads[1].comment, "empty captions get a placeholder so clients do not reuse the previous one")
	assert.Equal(t, 4, api.uploads[1].size)
}

func TestRelayActivitySkipsFailedPhotoDownloads(t *testing.T) {
	api := &fakeChat{}
	dl := &fakeAssets{err: errors.New("gone")}
	sink := newRelaySink(t, api, dl, &fakePDF{}, nil)

	rec := codmon.Record{
		ID:           "112",
		TimelineKind: "activities",
		Title:        "t",
		Photos:       []codmon.Photo{{ID: "1", URL: "https://cdn.example/x.jpg"}},
	}
	require.NoError(t, sink.Handle(context.Background(), rec), "a lost photo never blocks the text post")
	assert.Len(t, api.posts, 1)
	assert.Empty(t, api.uploads)
}

func TestRelayAnnouncementWithoutFilePostsText(t *testing.T) {
	api := &fakeChat{}
	sink := newRelaySink(t, api, &fakeAssets{}, &fakePDF{}, nil)

	rec := codmon.Record{
		ID:           "113",
		TimelineKind: "topics",
		Title:        "遠足のお知らせ",
		Content:      "<b>持ち物</b><br>水筒",
		DisplayDate:  "2025-05-07",
	}
	require.NoError(t, sink.Handle(context.Background(), rec))

	require.Len(t, api.posts, 1)
	assert.Contains(t, api.posts[0], "📢 *遠足のお知らせ*")
	assert.Contains(t, api.posts[0], "*持ち物*\n水筒")
	assert.Contains(t, api.posts[0], "(ID: 113)")
	assert.Empty(t, api.uploads)
}

func TestRelayAnnouncementUploadsPDFAndPages(t *testing.T) {
	api := &fakeChat{}
	dl := &fakeAssets{files: map[string][]byte{
		"https://cdn.example/letter.pdf?sig=1": []byte("%PDF-1.4"),
	}}
	rast := &fakePDF{pages: [][]byte{[]byte("p1"), []byte("p2"), []byte("p3")}}
	sink := newRelaySink(t, api, dl, rast, nil)

	rec := codmon.Record{
		ID:           "114",
		TimelineKind: "topics",
		Title:        "園だより",
		FileURL:      "https://cdn.example/letter.pdf?sig=1",
	}
	require.NoError(t, sink.Handle(context.Background(), rec))

	assert.Empty(t, api.posts, "the message rides as the document's comment")
	require.Len(t, api.uploads, 4)

	doc := api.uploads[0]
	assert.Equal(t, "letter.pdf", doc.filename)
	assert.Equal(t, "園だより", doc.title)
	assert.Contains(t, doc.comment, "(ID: 114)")

	assert.Equal(t, "letter.pdf_page_1.jpg", api.uploads[1].filename)
	assert.Equal(t, "園だより (ページ 2)", api.uploads[2].title)
	assert.Empty(t, api.uploads[3].comment, "page images carry no caption")
}

func TestRelayAnnouncementDownloadFailureFallsBackToText(t *testing.T) {
	api := &fakeChat{}
	dl := &fakeAssets{err: errors.New("gone")}
	sink := newRelaySink(t, api, dl, &fakePDF{}, nil)

	rec := codmon.Record{
		ID:           "115",
		TimelineKind: "topics",
		Title:        "t",
		FileURL:      "https://cdn.example/x.pdf",
	}
	require.NoError(t, sink.Handle(context.Background(), rec))
	require.Len(t, api.posts, 1)
	assert.Contains(t, api.posts[0], "(ID: 115)")
	assert.Empty(t, api.uploads)
}

func TestRelaySkipsUnrenderedKinds(t *testing.T) {
	api := &fakeChat{}
	sink := newRelaySink(t, api, &fakeAssets{}, &fakePDF{}, nil)

	ctx := context.Background()
	require.NoError(t, sink.Handle(ctx, codmon.Record{ID: "1", TimelineKind: "responses"}))
	require.NoError(t, sink.Handle(ctx, codmon.Record{ID: "2", TimelineKind: "bills"}))
	assert.Empty(t, api.posts)
	assert.Empty(t, api.uploads)
}

func TestRelayHonorsKindFilter(t *testing.T) {
	api := &fakeChat{}
	sink := newRelaySink(t, api, &fakeAssets{}, &fakePDF{}, nil,
		relay.WithKindFilter(func(kind string) bool { return kind == "topics" }))

	ctx := context.Background()
	require.NoError(t, sink.Handle(ctx, codmon.Record{ID: "1", TimelineKind: "activities", Title: "t"}))
	require.NoError(t, sink.Handle(ctx, codmon.Record{ID: "2", TimelineKind: "topics", Title: "t"}))
	assert.Len(t, api.posts, 1)
}

// A morning batch: two activities (one with photos) and one announcement with
// a three-page PDF make exactly eight outbound calls.
func TestRelayMorningBatch(t *testing.T) {
	api := &fakeChat{}
	dl := &fakeAssets{files: map[string][]byte{
		"https://cdn.example/a.jpg":      []byte("A"),
		"https://cdn.example/b.jpg":      []byte("B"),
		"https://cdn.example/letter.pdf": []byte("%PDF-1.4"),
	}}
	rast := &fakePDF{pages: [][]byte{[]byte("p1"), []byte("p2"), []byte("p3")}}
	sink := newRelaySink(t, api, dl, rast, nil)

	records := []codmon.Record{
		{ID: "1", TimelineKind: "activities", Title: "a", Photos: []codmon.Photo{
			{ID: "1", URL: "https://cdn.example/a.jpg"},
			{ID: "2", URL: "https://cdn.example/b.jpg"},
		}},
		{ID: "2", TimelineKind: "activities", Title: "b"},
		{ID: "3", TimelineKind: "topics", Title: "c", FileURL: "https://cdn.example/letter.pdf"},
	}
	for _, rec := range records {
		require.NoError(t, sink.Handle(context.Background(), rec))
	}

	assert.Len(t, api.posts, 2)
	assert.Len(t, api.uploads, 6)
}

func TestNewSinkValidation(t *testing.T) {
	_, err := relay.NewSink(nil, "C123", &fakeAssets{}, &fakePDF{}, nil, zap.NewNop())
	require.Error(t, err)
	_, err = relay.NewSink(&fakeChat{}, "", &fakeAssets{}, &fakePDF{}, nil, zap.NewNop())
	require.Error(t, err)
}
