// Package extract turns fetched HTML into clean article content. A
// readability pass does the heavy lifting; guardrails detect when it
// strips too much and fall back through known content containers.
package extract

import (
	"bytes"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

// minContentBytes is the floor under which a readability result is
// treated as a failed extraction.
const minContentBytes = 100

// Document is the extraction result handed to the chunker.
type Document struct {
	Title string
	// HTML is the cleaned content markup, structure preserved for
	// heading-aware chunking.
	HTML string
	// Text is the NFC-normalised plain text.
	Text string
}

// containerSelectors are id/class fragments that commonly wrap the main
// content of documentation generators.
var containerSelectors = []string{
	"main-content", "md-content", "theme-doc-markdown", "markdown-body",
	"article-content", "post-content", "docs-content", "content",
}

// boilerplateTags are stripped from whatever container wins.
var boilerplateTags = map[string]bool{
	"nav": true, "footer": true, "aside": true, "header": true,
	"script": true, "style": true, "noscript": true,
}

var boilerplateClasses = []string{"sidebar", "toc", "table-of-contents", "breadcrumb", "edit-page", "pagination"}

// Extract produces the cleaned document for a page. It never fails
// outright: when everything else falls through, the stripped raw HTML is
// used so that a page is indexed rather than dropped.
func Extract(pageURL string, rawHTML []byte) Document {
	rawCodeBlocks := countCodeBlocks(rawHTML)

	if doc, ok := tryReadability(pageURL, rawHTML, rawCodeBlocks); ok {
		return doc
	}

	root, err := html.Parse(bytes.NewReader(rawHTML))
	if err != nil {
		return Document{Text: normalizeText(string(rawHTML))}
	}
	title := findTitle(root)

	node := pickContainer(root)
	if node == nil {
		node = root
	}
	stripBoilerplate(node)

	var buf bytes.Buffer
	if err := html.Render(&buf, node); err != nil {
		buf.Reset()
		buf.Write(rawHTML)
	}
	text := normalizeText(renderText(node))
	log.Debug().Str("url", pageURL).Int("bytes", len(text)).Msg("container fallback extraction")
	return Document{Title: title, HTML: buf.String(), Text: text}
}

func tryReadability(pageURL string, rawHTML []byte, rawCodeBlocks int) (Document, bool) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return Document{}, false
	}
	article, err := readability.FromReader(bytes.NewReader(rawHTML), parsed)
	if err != nil {
		log.Debug().Str("url", pageURL).Err(err).Msg("readability failed")
		return Document{}, false
	}
	text := normalizeText(article.TextContent)
	if len(text) < minContentBytes {
		log.Debug().Str("url", pageURL).Int("bytes", len(text)).Msg("readability output too small, falling back")
		return Document{}, false
	}
	// Losing more than half of the page's code blocks means the cleaner
	// ate content that matters for documentation.
	if rawCodeBlocks > 0 {
		kept := countCodeBlocks([]byte(article.Content))
		if kept*2 < rawCodeBlocks {
			log.Debug().Str("url", pageURL).Int("raw", rawCodeBlocks).Int("kept", kept).
				Msg("readability dropped code blocks, falling back")
			return Document{}, false
		}
	}
	return Document{Title: article.Title, HTML: article.Content, Text: text}, true
}

func countCodeBlocks(src []byte) int {
	doc, err := html.Parse(bytes.NewReader(src))
	if err != nil {
		return 0
	}
	count := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "pre" || n.Data == "code") {
			count++
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return count
}

// pickContainer walks the fallback chain: known generator containers,
// then <article>, then <main>, then <body>.
func pickContainer(root *html.Node) *html.Node {
	for _, sel := range containerSelectors {
		if n := findByIDOrClass(root, sel); n != nil {
			return n
		}
	}
	if n := findElement(root, "article"); n != nil {
		return n
	}
	if n := findElement(root, "main"); n != nil {
		return n
	}
	return findElement(root, "body")
}

func findElement(root *html.Node, tag string) *html.Node {
	var found *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode && n.Data == tag {
			found = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return found
}

func findByIDOrClass(root *html.Node, fragment string) *html.Node {
	var found *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode {
			for _, attr := range n.Attr {
				if attr.Key != "id" && attr.Key != "class" {
					continue
				}
				if strings.Contains(strings.ToLower(attr.Val), fragment) {
					found = n
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return found
}

func findTitle(root *html.Node) string {
	n := findElement(root, "title")
	if n == nil {
		return ""
	}
	return strings.TrimSpace(renderText(n))
}

// stripBoilerplate removes navigation chrome in place.
func stripBoilerplate(node *html.Node) {
	var doomed []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && isBoilerplate(c) {
				doomed = append(doomed, c)
				continue
			}
			walk(c)
		}
	}
	walk(node)
	for _, n := range doomed {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
	}
}

func isBoilerplate(n *html.Node) bool {
	if boilerplateTags[n.Data] {
		return true
	}
	for _, attr := range n.Attr {
		if attr.Key != "id" && attr.Key != "class" && attr.Key != "role" {
			continue
		}
		val := strings.ToLower(attr.Val)
		for _, cls := range boilerplateClasses {
			if strings.Contains(val, cls) {
				return true
			}
		}
		if attr.Key == "role" && (val == "navigation" || val == "banner" || val == "contentinfo") {
			return true
		}
	}
	return false
}

func renderText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockLevel(n.Data) {
			b.WriteString("\n")
		}
	}
	walk(n)
	return b.String()
}

func blockLevel(tag string) bool {
	switch tag {
	case "p", "div", "li", "h1", "h2", "h3", "h4", "h5", "h6", "pre", "tr", "br", "section", "article":
		return true
	}
	return false
}

// normalizeText applies Unicode NFC and collapses runs of blank lines
// and intra-line whitespace.
func normalizeText(s string) string {
	s = norm.NFC.String(s)
	lines := strings.Split(s, "\n")
	var out []string
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(strings.Join(strings.Fields(line), " "))
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}
