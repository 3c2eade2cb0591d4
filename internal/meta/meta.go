// Package meta extracts bibliographic metadata from paper landing pages.
package meta

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dyatlov/go-opengraph/opengraph"
)

var whitespace = regexp.MustCompile(`\s+`)

// Document is the metadata the viewer needs to decide how to render a paper.
type Document struct {
	URL          string   `json:"url"`
	Title        string   `json:"title,omitempty"`
	Description  string   `json:"description,omitempty"`
	SiteName     string   `json:"site_name,omitempty"`
	Authors      []string `json:"authors,omitempty"`
	PDFURL       string   `json:"pdf_url,omitempty"`
	CanonicalURL string   `json:"canonical_url,omitempty"`
}

// Extract reads metadata from an HTML page fetched from pageURL.
//
// Highwire Press citation_* tags (used by arXiv, OpenReview, ACL Anthology
// and most publishers) win over OpenGraph, which wins over plain HTML.
func Extract(pageURL string, body []byte) (*Document, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}

	og := opengraph.NewOpenGraph()
	if err := og.ProcessHTML(bytes.NewReader(body)); err != nil {
		return nil, fmt.Errorf("parse opengraph: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	d := &Document{
		URL:         pageURL,
		Title:       firstNonEmpty(metaName(doc, "citation_title"), og.Title, doc.Find("title").First().Text()),
		Description: firstNonEmpty(og.Description, metaName(doc, "description"), metaName(doc, "citation_abstract")),
		SiteName:    firstNonEmpty(og.SiteName, metaName(doc, "citation_publisher")),
		Authors:     metaNames(doc, "citation_author"),
	}

	if pdf := metaName(doc, "citation_pdf_url"); pdf != "" {
		d.PDFURL = resolve(base, pdf)
	}

	canonical, _ := doc.Find(`link[rel="canonical"]`).First().Attr("href")
	if c := firstNonEmpty(canonical, og.URL); c != "" {
		d.CanonicalURL = resolve(base, c)
	}

	return d, nil
}

func metaName(doc *goquery.Document, name string) string {
	v, _ := doc.Find(`meta[name="` + name + `"]`).First().Attr("content")
	return clean(v)
}

func metaNames(doc *goquery.Document, name string) []string {
	var out []string
	doc.Find(`meta[name="` + name + `"]`).Each(func(_ int, s *goquery.Selection) {
		if v := clean(s.AttrOr("content", "")); v != "" {
			out = append(out, v)
		}
	})
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = clean(v); v != "" {
			return v
		}
	}
	return ""
}

func clean(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

func resolve(base *url.URL, ref string) string {
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(r).String()
}
