// Package markdown renders Confluence storage-format XHTML into Markdown.
// The wiki client and the transformer are both external collaborators this
// exporter's queue core merely depends on through interfaces; this package
// exists so the CLI binary has something real to run against, not as the
// subject of the core's invariants or tests.
package markdown

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/borgius/confluence-exporter-sub000/internal/transform"
	"github.com/borgius/confluence-exporter-sub000/internal/wikiclient"
)

// pageIDQueryPattern extracts a numeric pageId query parameter, mirroring
// the discovery extractor's own internal-link detection so a link the
// transformer renders is also reportable as a page discovery candidate.
var pageIDQueryPattern = regexp.MustCompile(`[?&]pageId=([0-9]+)`)

// Transformer renders a page's storage-format body to Markdown with a YAML
// front-matter header, walking the DOM with goquery rather than regexes.
type Transformer struct{}

// New creates a Transformer.
func New() *Transformer {
	return &Transformer{}
}

// Transform implements transform.Transformer.
func (t *Transformer) Transform(page wikiclient.Page, ctx transform.Context) (transform.Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.Body))
	if err != nil {
		return transform.Result{}, fmt.Errorf("markdown: parse page %s: %w", page.ID, err)
	}

	r := &renderer{spaceKey: ctx.SpaceKey, baseURL: ctx.BaseURL, pageID: page.ID}
	var body strings.Builder
	doc.Contents().Each(func(_ int, sel *goquery.Selection) {
		r.renderBlock(&body, sel)
	})

	content := strings.TrimRight(body.String(), "\n") + "\n"

	return transform.Result{
		Content: content,
		FrontMatter: map[string]any{
			"id":      page.ID,
			"title":   page.Title,
			"version": page.Version,
		},
		Links:       r.links,
		Attachments: r.attachments,
		Users:       r.users,
	}, nil
}

// renderer accumulates the discovery payload (links/attachments/users) as a
// side effect of walking the DOM, alongside the Markdown text itself.
type renderer struct {
	spaceKey string
	baseURL  string
	pageID   string

	links       []transform.LinkRef
	attachments []transform.AttachmentRef
	users       []transform.UserRef
}

func (r *renderer) renderBlock(out *strings.Builder, sel *goquery.Selection) {
	if goquery.NodeName(sel) == "#text" {
		if text := strings.TrimSpace(sel.Text()); text != "" {
			out.WriteString(text)
			out.WriteString("\n\n")
		}
		return
	}

	switch goquery.NodeName(sel) {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		level := int(goquery.NodeName(sel)[1] - '0')
		out.WriteString(strings.Repeat("#", level))
		out.WriteString(" ")
		out.WriteString(r.renderInline(sel))
		out.WriteString("\n\n")
	case "p":
		if text := r.renderInline(sel); text != "" {
			out.WriteString(text)
			out.WriteString("\n\n")
		}
	case "ul":
		r.renderList(out, sel, "-")
	case "ol":
		r.renderList(out, sel, "1.")
	case "table":
		r.renderTable(out, sel)
	case "ac:structured-macro":
		r.renderMacro(out, sel)
	case "ac:image", "ri:attachment":
		r.renderAttachmentRef(out, sel)
	case "ri:user":
		r.renderUserRef(out, sel)
	case "html", "body":
		sel.Contents().Each(func(_ int, child *goquery.Selection) {
			r.renderBlock(out, child)
		})
	default:
		if sel.Children().Length() > 0 {
			sel.Contents().Each(func(_ int, child *goquery.Selection) {
				r.renderBlock(out, child)
			})
			return
		}
		if text := strings.TrimSpace(sel.Text()); text != "" {
			out.WriteString(text)
			out.WriteString("\n\n")
		}
	}
}

func (r *renderer) renderList(out *strings.Builder, sel *goquery.Selection, marker string) {
	sel.Find("li").Each(func(i int, li *goquery.Selection) {
		prefix := marker
		if marker == "1." {
			prefix = fmt.Sprintf("%d.", i+1)
		}
		out.WriteString(prefix)
		out.WriteString(" ")
		out.WriteString(r.renderInline(li))
		out.WriteString("\n")
	})
	out.WriteString("\n")
}

func (r *renderer) renderTable(out *strings.Builder, sel *goquery.Selection) {
	rows := sel.Find("tr")
	rows.Each(func(rowIdx int, row *goquery.Selection) {
		var cells []string
		row.Find("th,td").Each(func(_ int, cell *goquery.Selection) {
			cells = append(cells, strings.TrimSpace(r.renderInline(cell)))
		})
		if len(cells) == 0 {
			return
		}
		out.WriteString("| ")
		out.WriteString(strings.Join(cells, " | "))
		out.WriteString(" |\n")
		if rowIdx == 0 {
			out.WriteString("|")
			for range cells {
				out.WriteString(" --- |")
			}
			out.WriteString("\n")
		}
	})
	out.WriteString("\n")
}

// renderMacro renders the subset of structured macros that carry visible
// content to markdown-readable output; the rest (child-listing, include)
// are discovery-only and contribute nothing to the text.
func (r *renderer) renderMacro(out *strings.Builder, sel *goquery.Selection) {
	name := sel.AttrOr("ac:name", "")
	switch name {
	case "code":
		lang := ""
		sel.Find("ac\\:parameter[ac\\:name=\"language\"]").Each(func(_ int, p *goquery.Selection) {
			lang = p.Text()
		})
		body := sel.Find("ac\\:plain-text-body").Text()
		out.WriteString("```")
		out.WriteString(lang)
		out.WriteString("\n")
		out.WriteString(strings.TrimSpace(body))
		out.WriteString("\n```\n\n")
	case "info", "note", "warning", "tip":
		body := strings.TrimSpace(sel.Find("ac\\:rich-text-body").Text())
		out.WriteString("> **" + strings.ToUpper(name) + ":** " + body + "\n\n")
	default:
		// Discovery-only macros (children, list-children, include): no
		// text representation.
	}
}

func (r *renderer) renderAttachmentRef(out *strings.Builder, sel *goquery.Selection) {
	var fileName string
	if goquery.NodeName(sel) == "ri:attachment" {
		fileName = sel.AttrOr("ri:filename", "")
	} else {
		sel.Find("ri\\:attachment").Each(func(_ int, att *goquery.Selection) {
			fileName = att.AttrOr("ri:filename", "")
		})
	}
	if fileName == "" {
		return
	}
	placeholder := "attachments/" + r.pageID + "/" + fileName
	r.attachments = append(r.attachments, transform.AttachmentRef{Placeholder: placeholder, FileName: fileName})
	out.WriteString(fmt.Sprintf("![%s](%s)\n\n", fileName, placeholder))
}

func (r *renderer) renderUserRef(out *strings.Builder, sel *goquery.Selection) {
	username := sel.AttrOr("ri:username", "")
	if username == "" {
		return
	}
	r.users = append(r.users, transform.UserRef{Username: username})
	out.WriteString("@" + username)
}

// renderInline renders a block element's content as a single line of
// Markdown, resolving emphasis, links, and user mentions inline.
func (r *renderer) renderInline(sel *goquery.Selection) string {
	var b strings.Builder
	sel.Contents().Each(func(_ int, child *goquery.Selection) {
		switch goquery.NodeName(child) {
		case "#text":
			b.WriteString(child.Text())
		case "strong", "b":
			b.WriteString("**" + r.renderInline(child) + "**")
		case "em", "i":
			b.WriteString("*" + r.renderInline(child) + "*")
		case "code":
			b.WriteString("`" + child.Text() + "`")
		case "a":
			r.renderLink(&b, child)
		case "ri:user":
			r.renderUserRef(&b, child)
		case "br":
			b.WriteString("\n")
		default:
			b.WriteString(r.renderInline(child))
		}
	})
	return strings.TrimSpace(b.String())
}

func (r *renderer) renderLink(b *strings.Builder, a *goquery.Selection) {
	href, _ := a.Attr("href")
	text := r.renderInline(a)
	if text == "" {
		text = href
	}
	b.WriteString("[" + text + "](" + href + ")")
	if href == "" {
		return
	}

	// An internal page-id link is reported to the pipeline's discovery
	// payload in the same "page:<id>" form the discovery extractor's own
	// link rule would have used, so either rule can surface it.
	path := href
	if r.baseURL != "" && strings.HasPrefix(href, r.baseURL) {
		path = strings.TrimPrefix(href, r.baseURL)
	}
	if m := pageIDQueryPattern.FindStringSubmatch(path); m != nil {
		r.links = append(r.links, transform.LinkRef{Href: "page:" + m[1], Title: text})
		return
	}
	r.links = append(r.links, transform.LinkRef{Href: href, Title: text})
}
