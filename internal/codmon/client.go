package codmon

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	defaultAPIBase   = "https://ps-api.codmon.com/api/v2/parent"
	defaultPortalURL = "https://parents.codmon.com"

	// The portal web client sends these on every request; the API rejects
	// bare requests.
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
	envParam  = "myapp"
)

// Window is a [start, end] date range driving one paginated query.
type Window struct {
	Start time.Time
	End   time.Time
}

// Service is a childcare facility the account is linked to.
type Service struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Member links a child to a facility for contact-book queries.
type Member struct {
	MemberID  string
	ChildName string
}

// LoginData is the subset of the login response the bridge consumes.
type LoginData struct {
	Families map[string]Family `json:"families"`
}

// Family groups the children registered under one guardian account.
type Family struct {
	Children []Child `json:"children"`
}

// Child carries the per-facility member ids for one child.
type Child struct {
	Name     string         `json:"name"`
	Services []ChildService `json:"services"`
}

// ChildService is one (facility, member) link.
type ChildService struct {
	ServiceID string
	MemberID  string
}

// UnmarshalJSON tolerates numeric ids in the login payload.
func (cs *ChildService) UnmarshalJSON(data []byte) error {
	var aux struct {
		ServiceID flexID `json:"service_id"`
		MemberID  flexID `json:"member_id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return errors.Wrap(err, "codmon: decode child service")
	}
	cs.ServiceID = string(aux.ServiceID)
	cs.MemberID = string(aux.MemberID)
	return nil
}

// MembersByService flattens the family tree into facility id -> members.
func (d *LoginData) MembersByService() map[string][]Member {
	mapping := make(map[string][]Member)
	for _, family := range d.Families {
		for _, child := range family.Children {
			for _, svc := range child.Services {
				if svc.ServiceID == "" || svc.MemberID == "" {
					continue
				}
				mapping[svc.ServiceID] = append(mapping[svc.ServiceID], Member{
					MemberID:  svc.MemberID,
					ChildName: child.Name,
				})
			}
		}
	}
	return mapping
}

// TimelineQuery drives one page fetch of a facility's timeline.
type TimelineQuery struct {
	ServiceID string
	Page      int
	Window    Window
}

// Client is a thin wrapper around the vendor parent API. The session cookie
// obtained by Login is carried by the client's cookie jar and reused for
// every subsequent call, downloads included.
type Client struct {
	apiBase    string
	portalBase string
	email      string
	password   string
	httpClient *http.Client
}

// NewClient constructs a client with sane defaults.
func NewClient(email, password string, opts ...func(*Client)) *Client {
	jar, _ := cookiejar.New(nil)
	c := &Client{
		apiBase:    defaultAPIBase,
		portalBase: defaultPortalURL,
		email:      email,
		password:   password,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			Jar:     jar,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithHTTPClient overrides the internal HTTP client.
func WithHTTPClient(hc *http.Client) func(*Client) {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithBaseURLs overrides the API and portal base URLs (useful for tests).
func WithBaseURLs(api, portal string) func(*Client) {
	return func(c *Client) {
		if api != "" {
			c.apiBase = strings.TrimRight(api, "/")
		}
		if portal != "" {
			c.portalBase = strings.TrimRight(portal, "/")
		}
	}
}

// Login authenticates and primes the session cookie. The returned LoginData
// carries the family tree used to enumerate contact-book members.
func (c *Client) Login(ctx context.Context) (*LoginData, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"login_id":       c.email,
		"login_password": c.password,
		"use_db_replica": 1,
	})
	if err != nil {
		return nil, errors.Wrap(err, "codmon: marshal login payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/login?__env__="+envParam, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "codmon: create login request")
	}
	c.decorate(req)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "codmon: login request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &AuthError{StatusCode: resp.StatusCode, Snippet: snippet(resp.Body)}
	}

	var envelope struct {
		Data LoginData `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, errors.Wrap(err, "codmon: decode login response")
	}
	return &envelope.Data, nil
}

// Services lists the facilities linked to the account. The vendor returns
// either a list or a map keyed by facility id; both shapes are accepted.
func (c *Client) Services(ctx context.Context) ([]Service, error) {
	params := url.Values{}
	params.Set("use_image_edge", "true")

	raw, err := c.get(ctx, c.apiBase+"/services/", params)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, errors.Wrap(err, "codmon: decode services response")
	}
	if len(envelope.Data) == 0 {
		return nil, nil
	}

	var list []Service
	if err := json.Unmarshal(envelope.Data, &list); err == nil {
		return list, nil
	}

	var keyed map[string]Service
	if err := json.Unmarshal(envelope.Data, &keyed); err != nil {
		return nil, errors.Wrap(err, "codmon: decode services response")
	}
	list = make([]Service, 0, len(keyed))
	for id, svc := range keyed {
		svc.ID = id
		list = append(list, svc)
	}
	return list, nil
}

// Timeline fetches one page of a facility's timeline. A missing or empty
// data list signals end-of-data.
func (c *Client) Timeline(ctx context.Context, q TimelineQuery) ([]Record, error) {
	params := url.Values{}
	params.Set("listpage", strconv.Itoa(q.Page))
	params.Set("search_type[]", "new_all")
	params.Set("start_date", q.Window.Start.Format("2006-01-02"))
	params.Set("end_date", q.Window.End.Format("2006-01-02"))
	params.Set("service_id", q.ServiceID)
	params.Set("current_flag", "0")
	params.Set("use_image_edge", "true")
	params.Set("bookmark_only", "false")

	raw, err := c.get(ctx, c.apiBase+"/timeline/", params)
	if err != nil {
		return nil, err
	}
	return decodeRecords(raw, "")
}

// Comments fetches the facility-side contact-book entries for one member.
func (c *Client) Comments(ctx context.Context, memberID string, w Window) ([]Record, error) {
	params := url.Values{}
	params.Set("search_kind", "2")
	params.Set("relation_id", memberID)
	params.Set("relation_kind", "2")
	params.Set("search_start_display_date", w.Start.Format("2006-01-02"))
	params.Set("search_end_display_date", w.End.Format("2006-01-02"))

	raw, err := c.get(ctx, c.apiBase+"/comments/", params)
	if err != nil {
		return nil, err
	}
	return decodeRecords(raw, timelineKindContact)
}

// ContactResponses fetches the guardian-side contact-book entries for one member.
func (c *Client) ContactResponses(ctx context.Context, memberID string, w Window) ([]Record, error) {
	params := url.Values{}
	params.Set("member_id", memberID)
	params.Set("search_start_display_date", w.Start.Format("2006-01-02"))
	params.Set("search_end_display_date", w.End.Format("2006-01-02"))
	params.Add("search_status_id[]", "1")
	params.Add("search_status_id[]", "2")
	params.Add("search_status_id[]", "3")
	params.Set("perpage", "1000")
	params.Set("use_db_replica", "1")

	raw, err := c.get(ctx, c.apiBase+"/contact_responses/", params)
	if err != nil {
		return nil, err
	}
	return decodeRecords(raw, timelineKindContactResponse)
}

// Download fetches an attachment through the authenticated session. Relative
// and portal-hosted URLs are rewritten onto the API host first; the vendor
// serves the actual bytes (or a redirect to them) from there.
func (c *Client) Download(ctx context.Context, rawURL string) ([]byte, error) {
	full := ResolveFileURL(c.apiBase, c.portalBase, rawURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "codmon: create download request for %s", full)
	}
	c.decorate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "codmon: download %s", full)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, URL: full, Snippet: snippet(resp.Body)}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "codmon: read download %s", full)
	}
	return data, nil
}

// ResolveFileURL normalizes the three URL shapes the vendor hands out:
// relative paths, portal-hosted API endpoints, and portal-hosted static
// files. The latter two only serve bytes from the API host.
func ResolveFileURL(apiBase, portalBase, raw string) string {
	full := raw
	if !strings.HasPrefix(raw, "http") {
		full = portalBase + raw
	}

	apiHost := hostOf(apiBase)
	portalHost := hostOf(portalBase)

	if strings.Contains(full, portalHost+"/api/") {
		full = strings.Replace(full, portalHost+"/api/", apiHost+"/api/", 1)
	}
	if strings.Contains(full, portalHost+"/codmon/") {
		full = strings.Replace(full, portalHost, apiHost, 1)
	}
	return full
}

func hostOf(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return base
	}
	return u.Host
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	params.Set("__env__", envParam)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "codmon: create request for %s", endpoint)
	}
	c.decorate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "codmon: request %s", endpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, URL: endpoint, Snippet: snippet(resp.Body)}
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) decorate(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Origin", c.portalBase)
	req.Header.Set("Referer", c.portalBase+"/")
}

func decodeRecords(raw []byte, stampKind string) ([]Record, error) {
	var envelope struct {
		Data []Record `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, errors.Wrap(err, "codmon: decode record list")
	}
	if stampKind != "" {
		for i := range envelope.Data {
			envelope.Data[i].TimelineKind = stampKind
		}
	}
	return envelope.Data, nil
}

func snippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 200))
	return string(data)
}
