package codmon

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Kind classifies a timeline record for rendering and storage decisions.
type Kind string

const (
	KindActivity        Kind = "activity"
	KindAnnouncement    Kind = "announcement"
	KindContactEntry    Kind = "contact-entry"
	KindContactResponse Kind = "contact-response"
	KindOther           Kind = "other"
)

// Vendor kind strings as they appear on the wire and in archive paths.
const (
	timelineKindActivities = "activities"
	timelineKindTopics     = "topics"
	timelineKindResponses  = "responses"

	// Stamped onto contact-book records, which carry no timeline_kind of
	// their own. The values double as archive directory prefixes and must
	// not change: existing archives resume against them.
	timelineKindContact         = "contact"
	timelineKindContactResponse = "contact_response"
)

// Photo is one image attached to an activity record.
type Photo struct {
	ID      string
	URL     string
	Caption string
}

// UnmarshalJSON tolerates numeric photo ids.
func (p *Photo) UnmarshalJSON(data []byte) error {
	var aux struct {
		ID      flexID `json:"id"`
		URL     string `json:"url"`
		Caption string `json:"caption"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return errors.Wrap(err, "codmon: decode photo")
	}
	p.ID = string(aux.ID)
	p.URL = aux.URL
	p.Caption = aux.Caption
	return nil
}

// Record is one vendor timeline or contact-book item. The raw payload is
// preserved verbatim for archival; the typed fields cover everything the
// sinks consult.
type Record struct {
	ID           string
	TimelineKind string
	Title        string
	Overview     string
	Content      string
	DisplayDate  string
	StartDate    string
	DeliveryAt   string
	UpdatedAt    string
	ConfirmedAt  string
	FileURL      string
	Photos       []Photo

	// Raw is the untouched vendor JSON for this record.
	Raw json.RawMessage
}

// UnmarshalJSON decodes the fields we rely on and keeps the raw payload.
func (r *Record) UnmarshalJSON(data []byte) error {
	var aux struct {
		ID           flexID  `json:"id"`
		TimelineKind string  `json:"timeline_kind"`
		Title        string  `json:"title"`
		Overview     string  `json:"overview"`
		Content      string  `json:"content"`
		DisplayDate  string  `json:"display_date"`
		StartDate    string  `json:"start_date"`
		DeliveryAt   string  `json:"delivery_start_datetime"`
		UpdatedAt    string  `json:"update_datetime"`
		ConfirmedAt  string  `json:"confirm_datetime"`
		FileURL      string  `json:"file_url"`
		Photos       []Photo `json:"photos"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return errors.Wrap(err, "codmon: decode record")
	}
	r.ID = string(aux.ID)
	r.TimelineKind = aux.TimelineKind
	r.Title = aux.Title
	r.Overview = aux.Overview
	r.Content = aux.Content
	r.DisplayDate = aux.DisplayDate
	r.StartDate = aux.StartDate
	r.DeliveryAt = aux.DeliveryAt
	r.UpdatedAt = aux.UpdatedAt
	r.ConfirmedAt = aux.ConfirmedAt
	r.FileURL = aux.FileURL
	r.Photos = aux.Photos
	r.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Kind maps the vendor kind string onto the rendering categories.
func (r Record) Kind() Kind {
	switch r.TimelineKind {
	case timelineKindActivities:
		return KindActivity
	case timelineKindTopics:
		return KindAnnouncement
	case timelineKindContact:
		return KindContactEntry
	case timelineKindResponses, timelineKindContactResponse:
		return KindContactResponse
	default:
		return KindOther
	}
}

// KindDir is the archive directory prefix for this record. Unknown kinds
// fall into the catch-all bucket the original archives used.
func (r Record) KindDir() string {
	if r.TimelineKind == "" {
		return "etc"
	}
	return r.TimelineKind
}

// DateKey is the (year, month) bucket a record files under.
type DateKey struct {
	Year  string
	Month string
}

// UnknownDateKey buckets records whose date cannot be resolved.
var UnknownDateKey = DateKey{Year: "unknown", Month: "unknown"}

// BestDate resolves the record's display date through the fallback chain:
// display_date, start_date, then the delivery/update/confirm timestamps with
// their time portion dropped. Returns "" when nothing is present.
func (r Record) BestDate() string {
	if r.DisplayDate != "" {
		return r.DisplayDate
	}
	if r.StartDate != "" {
		return r.StartDate
	}
	for _, ts := range []string{r.DeliveryAt, r.UpdatedAt, r.ConfirmedAt} {
		if ts != "" {
			return strings.SplitN(ts, " ", 2)[0]
		}
	}
	return ""
}

// DateKey derives the archive bucket from the resolved date.
func (r Record) DateKey() DateKey {
	t, err := ParseDisplayDate(r.BestDate())
	if err != nil {
		return UnknownDateKey
	}
	return DateKey{Year: t.Format("2006"), Month: t.Format("01")}
}

// ParseDisplayDate accepts the two vendor date shapes: "2006-01-02" with an
// optional time suffix, and the full-width "2006年01月02日" form.
func ParseDisplayDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("codmon: empty date")
	}
	if strings.Contains(s, "年") {
		t, err := time.Parse("2006年01月02日", s)
		return t, errors.Wrapf(err, "codmon: parse date %q", s)
	}
	datePart := strings.SplitN(s, " ", 2)[0]
	t, err := time.Parse("2006-01-02", datePart)
	return t, errors.Wrapf(err, "codmon: parse date %q", s)
}

// flexID accepts both string and numeric JSON id values.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexID(n.String())
		return nil
	}
	return errors.Errorf("codmon: unsupported id value %s", string(data))
}
