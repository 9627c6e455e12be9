package markdown

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/borgius/confluence-exporter-sub000/internal/transform"
	"github.com/borgius/confluence-exporter-sub000/internal/wikiclient"
)

func TestTransform_HeadingAndParagraph(t *testing.T) {
	page := wikiclient.Page{
		ID:      "123",
		Title:   "My Page",
		Version: 4,
		Body:    `<h1>Title</h1><p>Hello <strong>world</strong></p>`,
	}

	result, err := New().Transform(page, transform.Context{SpaceKey: "SPACE"})
	require.NoError(t, err)

	assert.Contains(t, result.Content, "# Title")
	assert.Contains(t, result.Content, "Hello **world**")
	assert.Equal(t, "123", result.FrontMatter["id"])
	assert.Equal(t, 4, result.FrontMatter["version"])
}

func TestTransform_LinkIsCapturedAsDiscoveryPayload(t *testing.T) {
	page := wikiclient.Page{
		ID:   "1",
		Body: `<p>See <a href="https://wiki.example.com/pages/viewpage.action?pageId=42">related</a></p>`,
	}

	result, err := New().Transform(page, transform.Context{BaseURL: "https://wiki.example.com"})
	require.NoError(t, err)

	require.Len(t, result.Links, 1)
	assert.Equal(t, "page:42", result.Links[0].Href)
	assert.Equal(t, "related", result.Links[0].Title)
	assert.Contains(t, result.Content, "[related](https://wiki.example.com/pages/viewpage.action?pageId=42)")
}

func TestTransform_CodeMacroRendersFencedBlock(t *testing.T) {
	page := wikiclient.Page{
		ID: "1",
		Body: `<ac:structured-macro ac:name="code">` +
			`<ac:parameter ac:name="language">go</ac:parameter>` +
			`<ac:plain-text-body>fmt.Println("hi")</ac:plain-text-body>` +
			`</ac:structured-macro>`,
	}

	result, err := New().Transform(page, transform.Context{})
	require.NoError(t, err)

	assert.Contains(t, result.Content, "```go")
	assert.Contains(t, result.Content, `fmt.Println("hi")`)
}

func TestTransform_AttachmentReferenceEmitsImageAndDiscoveryPayload(t *testing.T) {
	page := wikiclient.Page{
		ID:   "7",
		Body: `<ac:image><ri:attachment ri:filename="diagram.png"/></ac:image>`,
	}

	result, err := New().Transform(page, transform.Context{})
	require.NoError(t, err)

	require.Len(t, result.Attachments, 1)
	assert.Equal(t, "diagram.png", result.Attachments[0].FileName)
	assert.Contains(t, result.Content, "![diagram.png]")
}

func TestTransform_UserMentionEmitsUserDiscoveryPayload(t *testing.T) {
	page := wikiclient.Page{
		ID:   "9",
		Body: `<p>Assigned to <ri:user ri:username="jdoe"/></p>`,
	}

	result, err := New().Transform(page, transform.Context{})
	require.NoError(t, err)

	require.Len(t, result.Users, 1)
	assert.Equal(t, "jdoe", result.Users[0].Username)
	assert.Contains(t, result.Content, "@jdoe")
}

func TestTransform_InvalidBodyStillParsesWithoutError(t *testing.T) {
	page := wikiclient.Page{ID: "1", Body: `not even close to xhtml <<<`}

	_, err := New().Transform(page, transform.Context{})

	assert.NoError(t, err)
}
