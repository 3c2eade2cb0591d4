// Package rewrite routes resource references found in proxied HTML and CSS
// back through the proxy endpoint.
package rewrite

import (
	"net/url"
	"regexp"
	"strings"
)

// DefaultEndpoint is the path the proxy is mounted on.
const DefaultEndpoint = "/proxy"

// fileExtPattern decides whether the last path segment names a file.
var fileExtPattern = regexp.MustCompile(`(?i)\.(html?|css|js|json|xml|txt|pdf|png|jpg|jpeg|gif|svg|woff2?|ttf|eot)$`)

// versionSuffix matches a trailing arXiv-style version such as "v2".
var versionSuffix = regexp.MustCompile(`v\d+$`)

// passthroughPrefixes are references that never leave the document.
var passthroughPrefixes = []string{"data:", "javascript:", "mailto:", "#"}

// Document is the per-request rewrite context for one fetched resource.
type Document struct {
	// URL is the fully decoded target the resource was fetched from.
	URL string
	// Origin is scheme://host of URL.
	Origin string
	// Base is the directory-like prefix relative references resolve against.
	// It always ends in "/".
	Base string
	// Endpoint is the proxy path emitted in rewritten references.
	Endpoint string

	base *url.URL
}

// NewDocument derives the rewrite context for target.
func NewDocument(target string) (*Document, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}

	origin := u.Scheme + "://" + u.Host
	dir := u.EscapedPath()
	if dir == "" {
		dir = "/"
	}
	last := dir[strings.LastIndex(dir, "/")+1:]
	if fileExtPattern.MatchString(last) {
		dir = dir[:strings.LastIndex(dir, "/")+1]
	} else if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}

	base, err := url.Parse(origin + dir)
	if err != nil {
		return nil, err
	}

	return &Document{
		URL:      target,
		Origin:   origin,
		Base:     base.String(),
		Endpoint: DefaultEndpoint,
		base:     base,
	}, nil
}

// Result is the outcome of rewriting a single reference.
type Result struct {
	Value        string
	SameDocument bool
}

// Reference rewrites one raw reference taken from markup or CSS.
func (d *Document) Reference(raw string) string {
	return d.reference(raw).Value
}

func (d *Document) reference(raw string) Result {
	for _, p := range passthroughPrefixes {
		if strings.HasPrefix(raw, p) {
			return Result{Value: raw}
		}
	}
	if strings.Contains(raw, d.Endpoint+"?url=") {
		return Result{Value: raw}
	}

	ref, fragment := raw, ""
	if before, after, found := strings.Cut(raw, "#"); found {
		ref, fragment = before, "#"+after
	}

	resolved := d.resolve(ref)

	if fragment != "" && d.isSameDocument(resolved) {
		return Result{Value: fragment, SameDocument: true}
	}

	return Result{Value: d.Endpoint + "?url=" + url.QueryEscape(resolved) + fragment}
}

func (d *Document) resolve(ref string) string {
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return ref
	case strings.HasPrefix(ref, "//"):
		return "https:" + ref
	case strings.HasPrefix(ref, "/"):
		return d.Origin + ref
	}

	if d.base != nil {
		if r, err := url.Parse(ref); err == nil {
			return d.base.ResolveReference(r).String()
		}
	}
	return d.Base + ref
}

// isSameDocument reports whether target names the document being rewritten,
// ignoring query, trailing slash and a trailing version segment.
func (d *Document) isSameDocument(target string) bool {
	current := documentKey(d.URL)
	other := documentKey(target)
	currentNorm := stripVersion(current)
	otherNorm := stripVersion(other)

	return currentNorm == otherNorm ||
		current == other ||
		currentNorm == other ||
		otherNorm == current
}

// documentKey strips fragment, query and trailing slash, and unescapes the
// path so a decoded target and a resolved (escaped) reference compare equal.
func documentKey(s string) string {
	s, _, _ = strings.Cut(s, "#")
	s, _, _ = strings.Cut(s, "?")
	if unescaped, err := url.PathUnescape(s); err == nil {
		s = unescaped
	}
	return strings.TrimSuffix(s, "/")
}

func stripVersion(s string) string {
	return strings.TrimSuffix(versionSuffix.ReplaceAllString(s, ""), "/")
}
