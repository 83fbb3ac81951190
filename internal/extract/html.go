package extract

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const blockElements = "p, div, br, li, tr, h1, h2, h3, h4, h5, h6, article, section, header, footer, blockquote, title"

var (
	spaceRe     = regexp.MustCompile(`[ \t\r\f\v\x{00a0}]+`)
	blankLineRe = regexp.MustCompile(`\n\s*\n+`)
)

// TextFromHTML returns the visible text of an HTML document. Block elements
// end on a line break so sentences from adjacent paragraphs stay apart.
func TextFromHTML(r io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, template, svg").Remove()
	doc.Find(blockElements).AppendHtml("\n")

	text := doc.Text()
	text = spaceRe.ReplaceAllString(text, " ")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	text = blankLineRe.ReplaceAllString(strings.Join(lines, "\n"), "\n")
	return strings.TrimSpace(text), nil
}
