package caldav

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/macjediwizard/deltabridge/internal/provider"
)

// SyncItem represents a changed or new item from a sync operation.
type SyncItem struct {
	Path string `json:"path"`
	ETag string `json:"etag"`
	Data string `json:"data,omitempty"`
}

// SyncResponse represents the result of a WebDAV-Sync operation.
type SyncResponse struct {
	SyncToken string     `json:"sync_token"`
	Changed   []SyncItem `json:"changed"`
	Deleted   []string   `json:"deleted"`
	// Truncated is set when the server returned a partial result and
	// SyncToken continues the enumeration.
	Truncated bool `json:"truncated"`
}

// XML structures for parsing WebDAV-Sync responses
type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"response"`
	SyncToken string     `xml:"sync-token"`
}

type response struct {
	Href     string    `xml:"href"`
	PropStat *propstat `xml:"propstat"`
	Status   string    `xml:"status"`
}

type propstat struct {
	Prop   prop   `xml:"prop"`
	Status string `xml:"status"`
}

type prop struct {
	GetETag      string `xml:"getetag"`
	CalendarData string `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
}

// SyncCollection performs a WebDAV-Sync (RFC 6578) REPORT. An empty token
// enumerates the whole collection. A positive limit asks the server to
// truncate the result. Failures are classified; an invalid token is Gone.
func (c *Client) SyncCollection(ctx context.Context, calendarPath, syncToken string, limit int) (*SyncResponse, error) {
	reqBody := buildSyncCollectionRequest(syncToken, limit)

	req, err := http.NewRequestWithContext(ctx, "REPORT", c.buildURL(calendarPath), strings.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", "1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, provider.NewNetworkError(fmt.Errorf("%w: %w", ErrConnectionFailed, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.NewNetworkError(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusMultiStatus {
		return nil, provider.FromResponse(resp, body)
	}

	result, err := parseSyncResponse(body, calendarPath)
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindUnknown, StatusCode: resp.StatusCode, Err: err}
	}
	return result, nil
}

func buildSyncCollectionRequest(syncToken string, limit int) string {
	var tokenElement string
	if syncToken != "" {
		tokenElement = fmt.Sprintf("<D:sync-token>%s</D:sync-token>", xmlEscape(syncToken))
	} else {
		tokenElement = "<D:sync-token/>"
	}

	var limitElement string
	if limit > 0 {
		limitElement = fmt.Sprintf("\n  <D:limit><D:nresults>%d</D:nresults></D:limit>", limit)
	}

	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8" ?>
<D:sync-collection xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  %s
  <D:sync-level>1</D:sync-level>%s
  <D:prop>
    <D:getetag/>
    <C:calendar-data/>
  </D:prop>
</D:sync-collection>`, tokenElement, limitElement)
}

func parseSyncResponse(body []byte, collectionPath string) (*SyncResponse, error) {
	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("%w: failed to parse response: %w", ErrInvalidResponse, err)
	}

	result := &SyncResponse{
		SyncToken: strings.TrimSpace(ms.SyncToken),
		Changed:   make([]SyncItem, 0),
		Deleted:   make([]string, 0),
	}

	for _, resp := range ms.Responses {
		href := decodeHref(resp.Href)

		// A 507 on the collection itself marks a truncated result
		if strings.Contains(resp.Status, "507") {
			if sameCollection(href, collectionPath) {
				result.Truncated = true
			}
			continue
		}

		if strings.Contains(resp.Status, "404") {
			result.Deleted = append(result.Deleted, href)
			continue
		}

		if resp.PropStat != nil && strings.Contains(resp.PropStat.Status, "200") {
			result.Changed = append(result.Changed, SyncItem{
				Path: href,
				ETag: resp.PropStat.Prop.GetETag,
				Data: resp.PropStat.Prop.CalendarData,
			})
		}
	}

	return result, nil
}

func decodeHref(href string) string {
	href = strings.TrimSpace(href)
	decoded, err := url.PathUnescape(href)
	if err != nil {
		return href
	}
	return decoded
}

func sameCollection(href, collectionPath string) bool {
	if collectionPath == "" {
		return true
	}
	if u, err := url.Parse(href); err == nil && u.Path != "" {
		href = u.Path
	}
	return strings.TrimSuffix(href, "/") == strings.TrimSuffix(collectionPath, "/")
}

func xmlEscape(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return s
	}
	return b.String()
}
