package crawl

import (
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// Normalize canonicalises a URL for dedup: lowercases scheme and host,
// strips query string, fragment and any trailing slash on a non-root path.
// Invalid URLs come back unchanged.
func Normalize(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path != "/" {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	return u.String()
}

// SameAuthority reports whether two URLs share scheme and host.
func SameAuthority(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return strings.EqualFold(ua.Scheme, ub.Scheme) && strings.EqualFold(ua.Host, ub.Host)
}

// Filter applies include and exclude regex lists to normalised URLs.
// Includes, when present, act as an allowlist; excludes always reject.
type Filter struct {
	Include []*regexp.Regexp
	Exclude []*regexp.Regexp
}

// CompileFilter builds a Filter from pattern strings, dropping patterns
// that fail to compile.
func CompileFilter(include, exclude []string) Filter {
	var f Filter
	for _, p := range include {
		if re, err := regexp.Compile(p); err == nil {
			f.Include = append(f.Include, re)
		}
	}
	for _, p := range exclude {
		if re, err := regexp.Compile(p); err == nil {
			f.Exclude = append(f.Exclude, re)
		}
	}
	return f
}

// Accept reports whether a URL passes the include/exclude rules.
func (f Filter) Accept(u string) bool {
	for _, re := range f.Exclude {
		if re.MatchString(u) {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, re := range f.Include {
		if re.MatchString(u) {
			return true
		}
	}
	return false
}

// extractLinks pulls href targets out of an HTML page and resolves them
// against the page URL. Only http(s) links are returned.
func extractLinks(pageURL string, body []byte) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil
	}
	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				ref, err := url.Parse(strings.TrimSpace(attr.Val))
				if err != nil {
					continue
				}
				resolved := base.ResolveReference(ref)
				if resolved.Scheme == "http" || resolved.Scheme == "https" {
					links = append(links, resolved.String())
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}
