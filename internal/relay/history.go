package relay

import (
	"context"
	"regexp"

	"github.com/pkg/errors"
	"github.com/slack-go/slack"
)

// idToken is the dedup contract between write side and read side: every
// relayed record carries this literal token, and the history scan recovers
// record ids by matching it. Changing the shape breaks resumability against
// already-posted history.
var idToken = regexp.MustCompile(`\(ID: (\d+)\)`)

// IDToken renders the token appended to posted text.
func IDToken(id string) string {
	return "(ID: " + id + ")"
}

// HistoryAPI is the slice of the Slack client the history scan needs.
type HistoryAPI interface {
	GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
}

// HistoryIndex is the set of record ids found in the scanned window of
// channel history. It is read once per run and never mutated afterwards:
// history is immutable once posted. The window is bounded, so the index is
// inherently lossy: records older than the scan window become eligible for
// re-relay. That staleness is an accepted property, not a bug.
type HistoryIndex struct {
	ids map[string]struct{}
}

// LoadHistory scans the most recent limit messages of the channel, pulling id
// tokens out of message bodies and attached-file caption text.
func LoadHistory(ctx context.Context, api HistoryAPI, channelID string, limit int) (*HistoryIndex, error) {
	resp, err := api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Limit:     limit,
	})
	if err != nil {
		return nil, errors.Wrap(err, "relay: fetch channel history")
	}

	idx := &HistoryIndex{ids: make(map[string]struct{})}
	for _, msg := range resp.Messages {
		idx.scan(msg.Text)
		for _, file := range msg.Files {
			idx.scan(file.Title)
			idx.scan(file.Name)
		}
	}
	return idx, nil
}

// NewHistoryIndex builds an index from known ids (tests and dry runs).
func NewHistoryIndex(ids ...string) *HistoryIndex {
	idx := &HistoryIndex{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		idx.ids[id] = struct{}{}
	}
	return idx
}

// Contains reports whether the record id was found in the scanned window.
func (h *HistoryIndex) Contains(id string) bool {
	_, ok := h.ids[id]
	return ok
}

// Size is the number of distinct ids recovered.
func (h *HistoryIndex) Size() int {
	return len(h.ids)
}

func (h *HistoryIndex) scan(text string) {
	for _, match := range idToken.FindAllStringSubmatch(text, -1) {
		h.ids[match[1]] = struct{}{}
	}
}
