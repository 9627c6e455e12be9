// Package discovery implements a pure, deterministic function that turns a
// fetched page into new queue.Item candidates by walking its HTML body with
// goquery rather than hand-rolled regexes.
package discovery

import (
	"context"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/borgius/confluence-exporter-sub000/internal/queue"
	"github.com/borgius/confluence-exporter-sub000/internal/wikiclient"
)

// Config enumerates the discovery rules an Extractor will run.
type Config struct {
	EnableMentionDiscovery bool
	EnableProfileDiscovery bool
	MaxUsersPerPage        int
	EnableMacroChildren    bool
	EnableInclude          bool
}

// DefaultConfig enables every discovery rule with a generous per-page user
// cap.
func DefaultConfig() Config {
	return Config{
		EnableMentionDiscovery: true,
		EnableProfileDiscovery: true,
		MaxUsersPerPage:        50,
		EnableMacroChildren:    true,
		EnableInclude:          true,
	}
}

// Context carries the ambient values extract needs beyond the page body.
type Context struct {
	CurrentPageID string
	SpaceKey      string
	BaseURL       string
	Now           func() int64 // ms since epoch
}

var systemUsernames = map[string]struct{}{
	"system":     {},
	"admin":      {},
	"anonymous":  {},
	"confluence": {},
	"jira":       {},
}

// usernamePattern matches well-formed Confluence usernames; anything else is
// treated as malformed and filtered.
var usernamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]{1,63}$`)

// mentionPattern finds "@name" mentions in rendered text nodes.
var mentionPattern = regexp.MustCompile(`@([a-zA-Z][a-zA-Z0-9._-]{1,63})`)

// pageIDQueryPattern extracts a numeric pageId query parameter from a URL
// path+query string (e.g. "/pages/viewpage.action?pageId=123").
var pageIDQueryPattern = regexp.MustCompile(`[?&]pageId=([0-9]+)`)

// displayPathPattern matches Confluence's "/display/<SPACE>/<Title>" route.
var displayPathPattern = regexp.MustCompile(`^/display/([^/]+)/(.+)$`)

// profilePathPattern matches Confluence's "/display/~username" and
// "/people/<username>" profile routes.
var profilePathPattern = regexp.MustCompile(`^/(?:display/~|people/)([a-zA-Z0-9._-]+)`)

// Extractor runs Extract. It holds the wiki client because rules 1 and 2
// need extra round-trips (child listing, title resolution) that a purely
// body-local parser cannot perform.
type Extractor struct {
	client wikiclient.Client
	config Config
}

// New creates an Extractor.
func New(client wikiclient.Client, config Config) *Extractor {
	return &Extractor{client: client, config: config}
}

// Extract walks a fetched page and emits new work items in a fixed rule
// order (child-listing, include, internal links, user references),
// collapsing duplicate page ids within this call.
func (e *Extractor) Extract(ctx context.Context, page wikiclient.Page, dctx Context) ([]queue.Item, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.Body))
	if err != nil {
		return nil, err
	}

	now := int64(0)
	if dctx.Now != nil {
		now = dctx.Now()
	}

	seen := make(map[string]struct{})
	var items []queue.Item
	emit := func(item queue.Item) {
		if _, ok := seen[item.PageID]; ok {
			return
		}
		seen[item.PageID] = struct{}{}
		item.DiscoveryTimestamp = now
		item.ParentPageID = dctx.CurrentPageID
		item.Status = queue.StatusPending
		items = append(items, item)
	}

	if e.config.EnableMacroChildren {
		if err := e.extractChildMacros(ctx, doc, dctx, emit); err != nil {
			return nil, err
		}
	}
	if e.config.EnableInclude {
		if err := e.extractIncludeMacros(ctx, doc, dctx, emit); err != nil {
			return nil, err
		}
	}
	e.extractInternalLinks(doc, dctx, emit)

	userBudget := e.config.MaxUsersPerPage
	if userBudget <= 0 {
		userBudget = len(items) + 1<<30 // effectively unbounded when unset
	}
	e.extractUserReferences(doc, userBudget, emit)

	return items, nil
}

// extractChildMacros implements rule 1: "children"/"list-children" macros.
func (e *Extractor) extractChildMacros(ctx context.Context, doc *goquery.Document, dctx Context, emit func(queue.Item)) error {
	var outerErr error
	doc.Find("*").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if goquery.NodeName(sel) != "ac:structured-macro" {
			return true
		}
		name := sel.AttrOr("ac:name", "")
		if name != "children" && name != "list-children" {
			return true
		}

		target := macroPageParameter(sel)
		if target == "" {
			target = dctx.CurrentPageID
		}

		children, err := e.client.GetChildren(ctx, target)
		if err != nil {
			outerErr = err
			return false
		}
		for _, child := range children {
			emit(queue.Item{PageID: child.ID, SourceType: queue.SourceMacro})
		}
		return true
	})
	return outerErr
}

// extractIncludeMacros implements rule 2: page-include macros referencing a
// title or id.
func (e *Extractor) extractIncludeMacros(ctx context.Context, doc *goquery.Document, dctx Context, emit func(queue.Item)) error {
	var outerErr error
	doc.Find("*").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if goquery.NodeName(sel) != "ac:structured-macro" {
			return true
		}
		if sel.AttrOr("ac:name", "") != "include" {
			return true
		}

		title := macroLinkedTitle(sel)
		if title == "" {
			return true
		}

		target, err := e.client.GetPageByTitle(ctx, dctx.SpaceKey, title)
		if err != nil {
			outerErr = err
			return false
		}
		if target == nil {
			return true
		}
		emit(queue.Item{PageID: target.ID, SourceType: queue.SourceMacro})
		return true
	})
	return outerErr
}

// extractInternalLinks implements rule 3: anchor tags pointing into the
// same base URL or a page-id route. External links are ignored.
func (e *Extractor) extractInternalLinks(doc *goquery.Document, dctx Context, emit func(queue.Item)) {
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}

		path := href
		if dctx.BaseURL != "" && strings.HasPrefix(href, dctx.BaseURL) {
			path = strings.TrimPrefix(href, dctx.BaseURL)
		} else if isAbsoluteURL(href) {
			return // external link, ignored
		}

		if m := pageIDQueryPattern.FindStringSubmatch(path); m != nil {
			emit(queue.Item{PageID: m[1], SourceType: queue.SourceReference})
			return
		}
		if m := displayPathPattern.FindStringSubmatch(path); m != nil {
			// Title-only routes carry no id; represent the candidate by its
			// space/title pair so the scheduler can resolve it via the same
			// GetPageByTitle call used for include macros.
			emit(queue.Item{PageID: "title:" + m[1] + "/" + m[2], SourceType: queue.SourceReference})
		}
	})
}

// extractUserReferences implements rule 4: user-link primitives and
// @mentions, bounded by maxUsersPerPage and filtered of system/malformed
// names.
func (e *Extractor) extractUserReferences(doc *goquery.Document, budget int, emit func(queue.Item)) {
	emitted := 0
	tryEmitUser := func(username string) {
		if emitted >= budget {
			return
		}
		username = strings.TrimSpace(username)
		if !isDiscoverableUsername(username) {
			return
		}
		emit(queue.Item{PageID: "user:" + username, SourceType: queue.SourceUser})
		emitted++
	}

	doc.Find("*").Each(func(_ int, sel *goquery.Selection) {
		if emitted >= budget {
			return
		}
		switch goquery.NodeName(sel) {
		case "ri:user":
			if username := sel.AttrOr("ri:username", ""); username != "" {
				tryEmitUser(username)
			}
		case "a":
			if href, ok := sel.Attr("href"); ok && e.config.EnableProfileDiscovery {
				if m := profilePathPattern.FindStringSubmatch(href); m != nil {
					tryEmitUser(m[1])
				}
			}
			if username, ok := sel.Attr("data-username"); ok {
				tryEmitUser(username)
			}
		}
	})

	if e.config.EnableMentionDiscovery && emitted < budget {
		for _, m := range mentionPattern.FindAllStringSubmatch(doc.Text(), -1) {
			if emitted >= budget {
				break
			}
			tryEmitUser(m[1])
		}
	}
}

func isDiscoverableUsername(username string) bool {
	if username == "" {
		return false
	}
	if !usernamePattern.MatchString(username) {
		return false
	}
	if _, system := systemUsernames[strings.ToLower(username)]; system {
		return false
	}
	return true
}

func isAbsoluteURL(href string) bool {
	return strings.Contains(href, "://")
}

// macroPageParameter reads the <ac:parameter ac:name="page"> child of a
// structured macro, resolving a <ri:page ri:content-id="..."> link if
// present.
func macroPageParameter(macro *goquery.Selection) string {
	var id string
	macro.Find("*").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if goquery.NodeName(sel) != "ri:page" {
			return true
		}
		if contentID := sel.AttrOr("ri:content-id", ""); contentID != "" {
			id = contentID
			return false
		}
		return true
	})
	return id
}

// macroLinkedTitle reads the <ri:page ri:content-title="..."> reference
// nested under an include macro's <ac:parameter name="page"><ac:link>.
func macroLinkedTitle(macro *goquery.Selection) string {
	var title string
	macro.Find("*").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if goquery.NodeName(sel) != "ri:page" {
			return true
		}
		if t := sel.AttrOr("ri:content-title", ""); t != "" {
			title = t
			return false
		}
		return true
	})
	return title
}
