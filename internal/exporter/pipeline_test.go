package exporter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/borgius/confluence-exporter-sub000/internal/diffing"
	"github.com/borgius/confluence-exporter-sub000/internal/discovery"
	"github.com/borgius/confluence-exporter-sub000/internal/manifest"
	"github.com/borgius/confluence-exporter-sub000/internal/queue"
	"github.com/borgius/confluence-exporter-sub000/internal/transform"
	"github.com/borgius/confluence-exporter-sub000/internal/usercache"
	"github.com/borgius/confluence-exporter-sub000/internal/wikiclient"
)

type fakeWikiClient struct {
	pages       map[string]wikiclient.Page
	byTitle     map[string]*wikiclient.Page
	users       map[string]*wikiclient.User
	attachments map[string][]wikiclient.Attachment
}

func (f *fakeWikiClient) GetPage(_ context.Context, id string) (wikiclient.Page, error) {
	p, ok := f.pages[id]
	if !ok {
		return wikiclient.Page{}, assertNotFound(id)
	}
	return p, nil
}

func (f *fakeWikiClient) GetChildren(context.Context, string) ([]wikiclient.ChildRef, error) {
	return nil, nil
}

func (f *fakeWikiClient) GetPageByTitle(_ context.Context, _ string, title string) (*wikiclient.Page, error) {
	return f.byTitle[title], nil
}

func (f *fakeWikiClient) ListAttachments(_ context.Context, pageID string) ([]wikiclient.Attachment, error) {
	return f.attachments[pageID], nil
}

func (f *fakeWikiClient) DownloadAttachment(_ context.Context, ref wikiclient.Attachment) ([]byte, error) {
	return []byte("binary-" + ref.FileName), nil
}

func (f *fakeWikiClient) GetUser(_ context.Context, username string) (*wikiclient.User, error) {
	if u, ok := f.users[username]; ok {
		return u, nil
	}
	return &wikiclient.User{DisplayName: username}, nil
}

type notFoundError struct{ id string }

func (e notFoundError) Error() string { return "not found: " + e.id }

func assertNotFound(id string) error { return notFoundError{id: id} }

type passthroughTransformer struct{}

func (passthroughTransformer) Transform(page wikiclient.Page, _ transform.Context) (transform.Result, error) {
	return transform.Result{Content: "# " + page.Title, FrontMatter: map[string]any{"id": page.ID}}, nil
}

func newTestPipeline(t *testing.T, client *fakeWikiClient) *Pipeline {
	t.Helper()
	extractor := discovery.New(client, discovery.DefaultConfig())
	users := usercache.New(client)
	writer := NewWriter(t.TempDir())
	return NewPipeline(client, passthroughTransformer{}, extractor, users, writer, nil, nil, "SPACE", "", func() int64 { return 1 })
}

func TestProcess_PageFetchTransformAndWrite(t *testing.T) {
	client := &fakeWikiClient{pages: map[string]wikiclient.Page{
		"A": {ID: "A", Title: "Alpha", Body: "<html><body>hi</body></html>", Version: 3},
	}}
	p := newTestPipeline(t, client)

	result, err := p.Process(context.Background(), queue.Item{PageID: "A", SourceType: queue.SourceInitial})
	require.NoError(t, err)
	assert.NotEmpty(t, result.ContentHash)

	entries := p.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "A", entries[0].ID)
	assert.Equal(t, 3, entries[0].Version)
}

func TestProcess_TitleReferenceResolvesToRealPage(t *testing.T) {
	client := &fakeWikiClient{byTitle: map[string]*wikiclient.Page{
		"Other": {ID: "OTHER", Title: "Other"},
	}}
	p := newTestPipeline(t, client)

	result, err := p.Process(context.Background(), queue.Item{PageID: "title:SPACE/Other", SourceType: queue.SourceReference})
	require.NoError(t, err)
	require.Len(t, result.Discovered, 1)
	assert.Equal(t, "OTHER", result.Discovered[0].PageID)
	assert.Equal(t, queue.SourceReference, result.Discovered[0].SourceType)
}

func TestProcess_TitleReferenceUnresolvedIsNotAnError(t *testing.T) {
	client := &fakeWikiClient{}
	p := newTestPipeline(t, client)

	result, err := p.Process(context.Background(), queue.Item{PageID: "title:SPACE/Missing"})
	require.NoError(t, err)
	assert.Empty(t, result.Discovered)
}

func TestProcess_UserReferenceResolvesDisplayName(t *testing.T) {
	client := &fakeWikiClient{users: map[string]*wikiclient.User{"bob": {DisplayName: "Bob Smith"}}}
	p := newTestPipeline(t, client)

	result, err := p.Process(context.Background(), queue.Item{PageID: "user:bob", SourceType: queue.SourceUser})
	require.NoError(t, err)
	assert.NotEmpty(t, result.ContentHash)

	entries := p.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "Bob Smith", entries[0].Title)
}

func TestProcess_FetchErrorPropagates(t *testing.T) {
	client := &fakeWikiClient{}
	p := newTestPipeline(t, client)

	_, err := p.Process(context.Background(), queue.Item{PageID: "MISSING"})
	assert.Error(t, err)
}

func TestProcess_SkipsWhenVersionMatchesPreviousManifest(t *testing.T) {
	client := &fakeWikiClient{pages: map[string]wikiclient.Page{
		"A": {ID: "A", Title: "Alpha", Body: "<html><body>hi</body></html>", Version: 3},
	}}
	p := newTestPipeline(t, client)
	p.SetPrevious(&manifest.Manifest{Entries: []manifest.Entry{
		{ID: "A", Title: "Alpha", Path: "Alpha.md", Hash: "oldhash", Version: 3, Status: manifest.StatusExported},
	}}, diffing.Options{})

	result, err := p.Process(context.Background(), queue.Item{PageID: "A", SourceType: queue.SourceInitial})
	require.NoError(t, err)
	assert.Equal(t, "oldhash", result.ContentHash)

	entries := p.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, manifest.StatusSkipped, entries[0].Status)
	assert.Equal(t, "Alpha.md", entries[0].Path)
}

func TestProcess_ReTransformsWhenVersionChanged(t *testing.T) {
	client := &fakeWikiClient{pages: map[string]wikiclient.Page{
		"A": {ID: "A", Title: "Alpha", Body: "<html><body>hi again</body></html>", Version: 4},
	}}
	p := newTestPipeline(t, client)
	p.SetPrevious(&manifest.Manifest{Entries: []manifest.Entry{
		{ID: "A", Title: "Alpha", Path: "Alpha.md", Hash: "oldhash", Version: 3, Status: manifest.StatusExported},
	}}, diffing.Options{})

	result, err := p.Process(context.Background(), queue.Item{PageID: "A", SourceType: queue.SourceInitial})
	require.NoError(t, err)
	assert.NotEqual(t, "oldhash", result.ContentHash)

	entries := p.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, manifest.StatusExported, entries[0].Status)
}
