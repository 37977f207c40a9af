package export

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"quire/api/internal/block"
)

// goldmark.Markdown is safe for concurrent use once configured.
var markdownRenderer = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
	),
)

// HTML renders snap as a standalone HTML page. Block text goes through the
// markdown renderer without raw HTML passthrough, so content is escaped.
func HTML(snap block.Snapshot, meta Meta) (string, error) {
	var body bytes.Buffer
	if err := markdownRenderer.Convert([]byte(Markdown(snap)), &body); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	title := snap.Title
	if title == "" {
		title = "Untitled"
	}
	return RenderDocumentHTML(TemplateData{
		Title:       title,
		ContentHTML: template.HTML(body.String()),
		Author:      meta.Author,
		Revision:    snap.Revision,
		UpdatedAt:   meta.UpdatedAt,
	})
}
