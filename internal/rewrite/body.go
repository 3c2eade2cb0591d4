package rewrite

import (
	"regexp"
	"strings"
)

var (
	attrPattern      = regexp.MustCompile(`(?i)((?:src|href)\s*=\s*["'])([^"']+)(["'])`)
	cssImportPattern = regexp.MustCompile(`(?i)@import\s+["']([^"']+)["']`)
	cssURLPattern    = regexp.MustCompile(`(?i)url\(["']?([^"')]+)["']?\)`)
)

// Stats counts what a body rewrite did.
type Stats struct {
	Rewritten    int
	SameDocument int
	// Samples holds the first few "before -> after" pairs for diagnostics.
	Samples []string
}

const maxSamples = 3

func (s *Stats) record(before string, r Result) {
	if r.SameDocument {
		s.SameDocument++
	}
	if r.Value == before {
		return
	}
	s.Rewritten++
	if len(s.Samples) < maxSamples {
		s.Samples = append(s.Samples, before+" -> "+r.Value)
	}
}

// HTML rewrites every src and href attribute value in body.
func (d *Document) HTML(body string) (string, Stats) {
	var st Stats
	out := replaceSubmatch(attrPattern, body, func(m []string) string {
		r := d.reference(m[2])
		st.record(m[2], r)
		return m[1] + r.Value + m[3]
	})
	return out, st
}

// CSS rewrites @import targets and url() arguments in body.
func (d *Document) CSS(body string) (string, Stats) {
	var st Stats
	out := replaceSubmatch(cssImportPattern, body, func(m []string) string {
		r := d.reference(m[1])
		st.record(m[1], r)
		return `@import "` + r.Value + `"`
	})
	out = replaceSubmatch(cssURLPattern, out, func(m []string) string {
		r := d.reference(m[1])
		st.record(m[1], r)
		return `url("` + r.Value + `")`
	})
	return out, st
}

// replaceSubmatch is ReplaceAllStringFunc with access to capture groups.
func replaceSubmatch(re *regexp.Regexp, s string, fn func(groups []string) string) string {
	idx := re.FindAllStringSubmatchIndex(s, -1)
	if len(idx) == 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, loc := range idx {
		groups := make([]string, len(loc)/2)
		for i := range groups {
			if loc[2*i] >= 0 {
				groups[i] = s[loc[2*i]:loc[2*i+1]]
			}
		}
		b.WriteString(s[last:loc[0]])
		b.WriteString(fn(groups))
		last = loc[1]
	}
	b.WriteString(s[last:])
	return b.String()
}
