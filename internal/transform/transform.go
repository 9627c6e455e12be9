// Package transform declares the HTML-to-Markdown transformer contract this
// exporter consumes. The transform's internals (markdown rendering) live in
// internal/markdown; only the contract and the discovery hooks it must emit
// live here.
package transform

import "github.com/borgius/confluence-exporter-sub000/internal/wikiclient"

// LinkRef is an internal link discovered while transforming a page.
type LinkRef struct {
	Href  string
	Title string
}

// AttachmentRef is an attachment reference discovered while transforming a
// page's body.
type AttachmentRef struct {
	Placeholder string
	FileName    string
}

// UserRef is a user mention or profile link discovered while transforming a
// page's body.
type UserRef struct {
	Username string
	UserKey  string
}

// Result is the transformer's output: Markdown content plus the discovery
// payload (links, attachments, users) the discovery extractor can
// optionally fold in alongside its own HTML-level extraction.
type Result struct {
	Content     string
	FrontMatter map[string]any
	Links       []LinkRef
	Attachments []AttachmentRef
	Users       []UserRef
}

// Transformer converts a fetched page into Markdown plus a discovery
// payload. The module's implementation is internal/markdown.Transformer.
type Transformer interface {
	Transform(page wikiclient.Page, ctx Context) (Result, error)
}

// Context carries the ambient values a Transformer needs beyond the page
// itself.
type Context struct {
	SpaceKey string
	BaseURL  string
}
