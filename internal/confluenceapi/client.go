// Package confluenceapi implements wikiclient.Client against the
// Confluence REST API (/rest/api/content) over net/http.
package confluenceapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/borgius/confluence-exporter-sub000/internal/wikiclient"
)

// Client is a net/http-backed Confluence REST API client.
type Client struct {
	httpClient *http.Client
	baseURL    string // e.g. "https://example.atlassian.net/wiki"
	username   string
	apiToken   string
}

// New creates a Client. baseURL is the wiki root (no trailing slash);
// username/apiToken authenticate via HTTP basic auth, the scheme
// Confluence Cloud's REST API expects for API tokens.
func New(baseURL, username, apiToken string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		username:   username,
		apiToken:   apiToken,
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("confluenceapi: build request: %w", err)
	}
	req.SetBasicAuth(c.username, c.apiToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("confluenceapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("confluenceapi: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body), RetryAfter: resp.Header.Get("Retry-After")}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("confluenceapi: decode %s: %w", path, err)
	}
	return nil
}

// StatusError is returned for any non-2xx response; the retry classifier
// maps its StatusCode to a retry category.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("confluenceapi: status %d: %s", e.StatusCode, truncate(e.Body, 200))
}

// HTTPStatusCode implements retry.HTTPStatusProvider.
func (e *StatusError) HTTPStatusCode() int { return e.StatusCode }

// RetryAfterHeader implements retry.RetryAfterProvider.
func (e *StatusError) RetryAfterHeader() string { return e.RetryAfter }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type contentResponse struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`
	Version struct {
		Number int `json:"number"`
	} `json:"version"`
	Ancestors []struct {
		ID string `json:"id"`
	} `json:"ancestors"`
}

func (r contentResponse) toPage() wikiclient.Page {
	page := wikiclient.Page{
		ID:      r.ID,
		Title:   r.Title,
		Body:    r.Body.Storage.Value,
		Version: r.Version.Number,
	}
	if n := len(r.Ancestors); n > 0 {
		page.ParentID = r.Ancestors[n-1].ID
	}
	return page
}

// GetPage fetches a page's body, version, and immediate parent.
func (c *Client) GetPage(ctx context.Context, id string) (wikiclient.Page, error) {
	var resp contentResponse
	query := url.Values{"expand": {"body.storage,version,ancestors"}}
	if err := c.do(ctx, http.MethodGet, "/rest/api/content/"+id, query, &resp); err != nil {
		return wikiclient.Page{}, err
	}
	return resp.toPage(), nil
}

type childrenResponse struct {
	Results []struct {
		ID      string `json:"id"`
		Title   string `json:"title"`
		Version struct {
			Number int `json:"number"`
		} `json:"version"`
	} `json:"results"`
}

// GetChildren lists id's direct child pages.
func (c *Client) GetChildren(ctx context.Context, id string) ([]wikiclient.ChildRef, error) {
	var resp childrenResponse
	query := url.Values{"expand": {"version"}, "limit": {"200"}}
	if err := c.do(ctx, http.MethodGet, "/rest/api/content/"+id+"/child/page", query, &resp); err != nil {
		return nil, err
	}
	out := make([]wikiclient.ChildRef, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, wikiclient.ChildRef{ID: r.ID, Title: r.Title, Version: r.Version.Number})
	}
	return out, nil
}

type searchResponse struct {
	Results []contentResponse `json:"results"`
}

// GetPageByTitle resolves a page by space key and exact title.
func (c *Client) GetPageByTitle(ctx context.Context, spaceKey, title string) (*wikiclient.Page, error) {
	var resp searchResponse
	query := url.Values{
		"spaceKey": {spaceKey},
		"title":    {title},
		"expand":   {"body.storage,version,ancestors"},
	}
	if err := c.do(ctx, http.MethodGet, "/rest/api/content", query, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	page := resp.Results[0].toPage()
	return &page, nil
}

type attachmentResponse struct {
	Results []struct {
		ID        string `json:"id"`
		Title     string `json:"title"`
		Extensions struct {
			MediaType string `json:"mediaType"`
			FileSize  int64  `json:"fileSize"`
		} `json:"extensions"`
		Links struct {
			Download string `json:"download"`
		} `json:"_links"`
	} `json:"results"`
}

// ListAttachments lists a page's attachments.
func (c *Client) ListAttachments(ctx context.Context, pageID string) ([]wikiclient.Attachment, error) {
	var resp attachmentResponse
	query := url.Values{"limit": {"200"}}
	if err := c.do(ctx, http.MethodGet, "/rest/api/content/"+pageID+"/child/attachment", query, &resp); err != nil {
		return nil, err
	}
	out := make([]wikiclient.Attachment, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, wikiclient.Attachment{
			ID:          r.ID,
			FileName:    r.Title,
			MediaType:   r.Extensions.MediaType,
			Size:        r.Extensions.FileSize,
			DownloadURL: c.baseURL + r.Links.Download,
		})
	}
	return out, nil
}

// DownloadAttachment fetches an attachment's raw bytes.
func (c *Client) DownloadAttachment(ctx context.Context, ref wikiclient.Attachment) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.DownloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("confluenceapi: build attachment request: %w", err)
	}
	req.SetBasicAuth(c.username, c.apiToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("confluenceapi: download %s: %w", ref.FileName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body), RetryAfter: resp.Header.Get("Retry-After")}
	}
	return io.ReadAll(resp.Body)
}

type userResponse struct {
	DisplayName string `json:"displayName"`
}

// GetUser resolves a username or user key to a display name.
func (c *Client) GetUser(ctx context.Context, usernameOrKey string) (*wikiclient.User, error) {
	var resp userResponse
	query := url.Values{"username": {usernameOrKey}}
	if err := c.do(ctx, http.MethodGet, "/rest/api/user", query, &resp); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &wikiclient.User{DisplayName: resp.DisplayName}, nil
}
