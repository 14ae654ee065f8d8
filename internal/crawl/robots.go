// Package crawl discovers the URL set of a documentation site: sitemap
// parsing with sub-sitemap caching and diffing, a recursive BFS fallback,
// manual URL lists and robots.txt handling.
package crawl

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// RobotsRules is the parsed subset of robots.txt this crawler honours:
// allow/disallow groups and sitemap declarations.
type RobotsRules struct {
	Groups   []robotsGroup
	Sitemaps []string
}

type robotsGroup struct {
	Agents     []string
	Allow      []string
	Disallow   []string
	CrawlDelay *time.Duration
}

// FetchRobots loads and parses robots.txt for the given site root. Failure
// to load is fail-open: an empty rule set (everything allowed) is returned
// together with the error for logging.
func FetchRobots(ctx context.Context, client *http.Client, siteRoot, userAgent string) (RobotsRules, error) {
	robotsURL := strings.TrimRight(siteRoot, "/") + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return RobotsRules{}, err
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Debug().Str("url", robotsURL).Err(err).Msg("robots.txt not loadable, crawling fail-open")
		return RobotsRules{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return RobotsRules{}, nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return RobotsRules{}, err
	}
	return ParseRobots(string(data)), nil
}

// ParseRobots parses robots.txt text into groups plus sitemap lines.
func ParseRobots(text string) RobotsRules {
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var rules RobotsRules
	current := robotsGroup{}
	flush := func() {
		if len(current.Agents) == 0 && len(current.Allow) == 0 && len(current.Disallow) == 0 {
			return
		}
		rules.Groups = append(rules.Groups, current)
		current = robotsGroup{}
	}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:colon]))
		val := strings.TrimSpace(line[colon+1:])
		switch key {
		case "user-agent", "useragent":
			if len(current.Agents) > 0 && (len(current.Allow) > 0 || len(current.Disallow) > 0 || current.CrawlDelay != nil) {
				flush()
			}
			current.Agents = append(current.Agents, strings.ToLower(val))
		case "allow":
			current.Allow = append(current.Allow, val)
		case "disallow":
			current.Disallow = append(current.Disallow, val)
		case "crawl-delay", "crawldelay":
			if d, err := time.ParseDuration(val + "s"); err == nil {
				dd := d
				current.CrawlDelay = &dd
			}
		case "sitemap":
			if val != "" {
				rules.Sitemaps = append(rules.Sitemaps, val)
			}
		}
	}
	flush()
	return rules
}

// Allowed evaluates a path against the rules for the given user agent.
// The most specific matching group wins (longest agent token, wildcard
// last); within it the longest matching directive decides, allow winning
// ties. No matching directive means allowed.
func (r RobotsRules) Allowed(userAgent, path string) bool {
	group := r.selectGroup(userAgent)
	if group == nil {
		return true
	}
	if path == "" {
		path = "/"
	}
	bestLen := -1
	allowed := true
	for _, rule := range group.Allow {
		if l := matchLen(rule, path); l > bestLen {
			bestLen = l
			allowed = true
		}
	}
	for _, rule := range group.Disallow {
		if rule == "" {
			continue
		}
		if l := matchLen(rule, path); l > bestLen {
			bestLen = l
			allowed = false
		}
	}
	return allowed
}

func (r RobotsRules) selectGroup(userAgent string) *robotsGroup {
	ua := strings.ToLower(userAgent)
	var best *robotsGroup
	bestLen := -1
	for i := range r.Groups {
		for _, agent := range r.Groups[i].Agents {
			switch {
			case agent == "*":
				if bestLen < 0 {
					best = &r.Groups[i]
					bestLen = 0
				}
			case strings.Contains(ua, agent):
				if len(agent) > bestLen {
					best = &r.Groups[i]
					bestLen = len(agent)
				}
			}
		}
	}
	return best
}

// matchLen returns the length of a prefix match, honouring a trailing '$'
// anchor and '*' wildcards, or -1 when the rule does not match.
func matchLen(rule, path string) int {
	anchored := strings.HasSuffix(rule, "$")
	if anchored {
		rule = strings.TrimSuffix(rule, "$")
	}
	parts := strings.Split(rule, "*")
	pos := 0
	for i, part := range parts {
		if part == "" {
			continue
		}
		idx := strings.Index(path[pos:], part)
		if idx < 0 {
			return -1
		}
		if i == 0 && idx != 0 {
			return -1
		}
		pos += idx + len(part)
	}
	if anchored && pos != len(path) {
		return -1
	}
	return len(rule)
}
