package browser

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/jobboard-scraper/internal/scraper"
)

// document is a parsed snapshot of the rendered DOM. Lookups run against the
// snapshot instead of round-tripping to the browser per selector.
type document struct {
	url string
	doc *goquery.Document
}

func parseDocument(pageURL, html string) (*document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse rendered html: %w", err)
	}
	return &document{url: pageURL, doc: doc}, nil
}

func (d *document) find(selector string) []scraper.Element {
	if d == nil || d.doc == nil {
		return nil
	}
	sel := d.doc.Find(selector)
	out := make([]scraper.Element, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		el := scraper.Element{Text: visibleText(s)}
		if node := s.Get(0); node != nil && len(node.Attr) > 0 {
			el.Attrs = make(map[string]string, len(node.Attr))
			for _, a := range node.Attr {
				el.Attrs[a.Key] = a.Val
			}
		}
		out = append(out, el)
	})
	return out
}

// visibleText returns the text of s without script and style bodies, with
// runs of whitespace collapsed.
func visibleText(s *goquery.Selection) string {
	if s.Find("script, style, noscript").Length() > 0 {
		s = s.Clone()
		s.Find("script, style, noscript").Remove()
	}
	return strings.Join(strings.Fields(s.Text()), " ")
}
