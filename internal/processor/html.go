package processor

import (
	"fmt"
	"io"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

// Page is a crawled page reduced to its legal content
type Page struct {
	Title    string
	Markdown string
	Language string
}

// ExtractHTML converts a crawled page into markdown, dropping navigation and chrome
func ExtractHTML(r io.Reader, sourceURL string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	page := &Page{Title: pageTitle(doc)}
	page.Language, _ = doc.Find("html").Attr("lang")

	doc.Find("script, style, noscript, nav, header, footer, aside, form, iframe").Remove()
	content := doc.Find("article, main, #content, .content").First()
	if content.Length() == 0 {
		content = doc.Find("body")
	}

	conv := md.NewConverter(sourceURL, true, nil)
	page.Markdown = CleanText(conv.Convert(content))
	return page, nil
}

func pageTitle(doc *goquery.Document) string {
	if h1 := strings.TrimSpace(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	if og, ok := doc.Find("meta[property='og:title']").Attr("content"); ok && strings.TrimSpace(og) != "" {
		return strings.TrimSpace(og)
	}
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	return "Untitled"
}
