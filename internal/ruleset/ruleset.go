// Package ruleset loads per-domain outbound header rules from YAML files.
//
// A rules file is a YAML list:
//
//	- domains: [arxiv.org, export.arxiv.org]
//	  headers:
//	    user-agent: "Mozilla/5.0 (compatible; paper-proxy)"
//	    referer: none
//	- domain: openreview.net
//	  paths: [/pdf]
//	  headers:
//	    accept-language: en
package ruleset

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// None suppresses a header that would otherwise be sent.
const None = "none"

// Headers are the outbound request headers a rule may set.
type Headers struct {
	UserAgent      string `yaml:"user-agent,omitempty"`
	Referer        string `yaml:"referer,omitempty"`
	Cookie         string `yaml:"cookie,omitempty"`
	AcceptLanguage string `yaml:"accept-language,omitempty"`
}

// Rule binds header overrides to one or more domains.
type Rule struct {
	Domain  string   `yaml:"domain,omitempty"`
	Domains []string `yaml:"domains,omitempty"`
	Paths   []string `yaml:"paths,omitempty"`
	Headers Headers  `yaml:"headers,omitempty"`
}

// RuleSet is an ordered list of rules; the first match wins.
type RuleSet []Rule

// Load reads rules from a ";"-separated list of files or directories.
// Directories are walked for *.yml and *.yaml files. An empty spec yields an
// empty RuleSet.
func Load(spec string) (RuleSet, error) {
	var rs RuleSet
	var errs []error

	for _, p := range strings.Split(spec, ";") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}

		err := filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isYAML(path) {
				return nil
			}
			rules, err := loadFile(path)
			if err != nil {
				return err
			}
			rs = append(rs, rules...)
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("load rules from %s: %w", p, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return rs, nil
}

func loadFile(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("syntax error in %s: %w", path, err)
	}
	return rs, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yml" || ext == ".yaml"
}

// Match returns the first rule whose domain covers host and whose paths (if
// any) prefix path.
func (rs RuleSet) Match(host, path string) (Rule, bool) {
	host = strings.ToLower(host)
	for _, r := range rs {
		if !r.coversHost(host) {
			continue
		}
		if len(r.Paths) > 0 && !hasPrefixAny(path, r.Paths) {
			continue
		}
		return r, true
	}
	return Rule{}, false
}

func (r Rule) coversHost(host string) bool {
	for _, d := range r.domains() {
		d = strings.ToLower(d)
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func (r Rule) domains() []string {
	if r.Domain == "" {
		return r.Domains
	}
	return append([]string{r.Domain}, r.Domains...)
}

// Domains lists every domain named by the ruleset.
func (rs RuleSet) Domains() []string {
	var out []string
	for _, r := range rs {
		out = append(out, r.domains()...)
	}
	return out
}

// Apply writes the rule's headers onto h. A value of None deletes the header.
func (r Rule) Apply(h http.Header) {
	set := func(key, val string) {
		switch val {
		case "":
		case None:
			h.Del(key)
		default:
			h.Set(key, val)
		}
	}
	set("User-Agent", r.Headers.UserAgent)
	set("Referer", r.Headers.Referer)
	set("Cookie", r.Headers.Cookie)
	set("Accept-Language", r.Headers.AcceptLanguage)
}

func hasPrefixAny(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
