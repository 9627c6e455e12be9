// Package wikiclient declares the wiki HTTP client contract this exporter
// consumes. The client's implementation (HTTP transport, auth, pagination)
// lives in internal/confluenceapi; only the interface the queue core
// depends on lives here, plus lightweight fakes belong in tests.
package wikiclient

import (
	"context"
	"time"
)

// Page is a fetched wiki page.
type Page struct {
	ID           string
	Title        string
	Body         string // raw markup (e.g. Confluence storage-format XHTML)
	Version      int
	ParentID     string
	ModifiedDate *time.Time
}

// ChildRef is a lightweight reference returned by GetChildren.
type ChildRef struct {
	ID      string
	Title   string
	Version int
}

// Attachment describes a page-owned binary asset.
type Attachment struct {
	ID          string
	FileName    string
	MediaType   string
	Size        int64
	DownloadURL string
}

// User is the subset of profile data this exporter needs.
type User struct {
	DisplayName string
}

// Client is the contract the exporter's core depends on; the concrete HTTP
// implementation is internal/confluenceapi.Client.
type Client interface {
	GetPage(ctx context.Context, id string) (Page, error)
	GetChildren(ctx context.Context, id string) ([]ChildRef, error)
	GetPageByTitle(ctx context.Context, spaceKey, title string) (*Page, error)
	ListAttachments(ctx context.Context, pageID string) ([]Attachment, error)
	DownloadAttachment(ctx context.Context, ref Attachment) ([]byte, error)
	GetUser(ctx context.Context, usernameOrKey string) (*User, error)
}
