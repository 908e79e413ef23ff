package caldav

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
)

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrInvalidResponse  = errors.New("invalid server response")
	ErrMalformedContent = errors.New("malformed calendar content")
)

const (
	defaultTimeout = 30 * time.Second
	minTLSVersion  = tls.VersionTLS12
)

// Calendar represents a CalDAV calendar collection.
type Calendar struct {
	Path        string `json:"path"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Object is a fetched calendar object.
type Object struct {
	Path         string
	ETag         string
	Data         *ical.Calendar
	Created      *time.Time
	LastModified *time.Time
}

// Client provides CalDAV operations.
type Client struct {
	baseURL      string
	username     string
	password     string
	httpClient   *http.Client
	caldavClient *caldav.Client
}

// NewClient creates a new CalDAV client. A zero timeout selects the default.
func NewClient(baseURL, username, password string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrConnectionFailed)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: minTLSVersion,
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}

	caldavClient, err := caldav.NewClient(
		webdav.HTTPClientWithBasicAuth(httpClient, username, password),
		baseURL,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CalDAV client: %w", ErrConnectionFailed, err)
	}

	return &Client{
		baseURL:      baseURL,
		username:     username,
		password:     password,
		httpClient:   httpClient,
		caldavClient: caldavClient,
	}, nil
}

// FindCalendars discovers all calendars for the current user.
func (c *Client) FindCalendars(ctx context.Context) ([]Calendar, error) {
	principal, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find principal: %w", ErrConnectionFailed, err)
	}

	homeSet, err := c.caldavClient.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find home set: %w", ErrConnectionFailed, err)
	}

	cals, err := c.caldavClient.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find calendars: %w", ErrConnectionFailed, err)
	}

	calendars := make([]Calendar, 0, len(cals))
	for _, cal := range cals {
		calendars = append(calendars, Calendar{
			Path:        cal.Path,
			Name:        cal.Name,
			Description: cal.Description,
		})
	}

	return calendars, nil
}

// GetObject retrieves a single calendar object by path.
func (c *Client) GetObject(ctx context.Context, objectPath string) (*Object, error) {
	obj, err := c.caldavClient.GetCalendarObject(ctx, objectPath)
	if err != nil {
		if isMalformed(err) {
			return nil, fmt.Errorf("%w: %s", ErrMalformedContent, objectPath)
		}
		return nil, fmt.Errorf("failed to fetch %s: %w", objectPath, err)
	}
	if obj.Data == nil {
		return nil, fmt.Errorf("%w: empty iCalendar data for %s", ErrMalformedContent, objectPath)
	}

	o := newObject(obj.Path, obj.ETag, obj.Data)
	if o.LastModified == nil && !obj.ModTime.IsZero() {
		mod := obj.ModTime.UTC()
		o.LastModified = &mod
	}
	return o, nil
}

// newObject extracts the change timestamps of the first component that
// carries them.
func newObject(path, etag string, cal *ical.Calendar) *Object {
	o := &Object{Path: path, ETag: etag, Data: cal}
	for _, comp := range cal.Children {
		if o.Created == nil {
			if t, err := comp.Props.DateTime(ical.PropCreated, time.UTC); err == nil && !t.IsZero() {
				t = t.UTC()
				o.Created = &t
			}
		}
		if o.LastModified == nil {
			if t, err := comp.Props.DateTime(ical.PropLastModified, time.UTC); err == nil && !t.IsZero() {
				t = t.UTC()
				o.LastModified = &t
			}
		}
	}
	return o
}

func isMalformed(err error) bool {
	errStr := err.Error()
	return strings.Contains(errStr, "malformed") ||
		strings.Contains(errStr, "missing colon") ||
		(strings.Contains(errStr, "invalid") && strings.Contains(errStr, "ical"))
}

// parseICalendar parses iCalendar data string into a calendar object.
func parseICalendar(data string) (*ical.Calendar, error) {
	cal, err := ical.NewDecoder(strings.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedContent, err)
	}
	return cal, nil
}

// buildURL constructs the full URL for a path.
// Absolute paths are joined to the scheme and host of the base URL.
func (c *Client) buildURL(path string) string {
	if path == "" {
		return c.baseURL
	}

	if strings.HasPrefix(path, "/") {
		if idx := strings.Index(c.baseURL, "://"); idx != -1 {
			rest := c.baseURL[idx+3:]
			if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
				return c.baseURL[:idx+3] + rest[:slashIdx] + path
			}
		}
		return strings.TrimSuffix(c.baseURL, "/") + path
	}

	return strings.TrimSuffix(c.baseURL, "/") + "/" + path
}

// encodeCalendar encodes the object data to an iCalendar string.
func encodeCalendar(obj *Object) string {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(obj.Data); err != nil {
		return ""
	}
	return buf.String()
}
