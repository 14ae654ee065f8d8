package chunk

import (
	"bytes"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"
)

// Options bound chunk sizes in tokens.
type Options struct {
	ChildTarget  int
	ChildMin     int
	ParentTarget int
	ParentCap    int
}

// DefaultOptions mirror the configuration defaults.
func DefaultOptions() Options {
	return Options{ChildTarget: 350, ChildMin: 150, ParentTarget: 900, ParentCap: 1200}
}

// Chunker turns extracted HTML into parent and child chunks.
type Chunker struct {
	Counter TokenCounter
	Opts    Options
}

func NewChunker(counter TokenCounter, opts Options) *Chunker {
	if opts.ChildTarget <= 0 {
		opts = DefaultOptions()
	}
	return &Chunker{Counter: counter, Opts: opts}
}

// block is one semantic unit of a document in reading order. Code and
// table blocks are atomic: they never split across chunks.
type block struct {
	text    string
	atomic  bool
	isCode  bool
	heading []string
}

// Chunk splits one document. Heading sections become parents (split when
// they exceed the cap), and each parent yields sentence-aligned children.
func (c *Chunker) Chunk(url, title string, contentHTML string) ([]Parent, []Chunk) {
	blocks := parseBlocks(contentHTML)
	if len(blocks) == 0 {
		return nil, nil
	}

	var parents []Parent
	var children []Chunk
	parentIdx := 0
	childIdx := 0

	flushParent := func(group []block) {
		if len(group) == 0 {
			return
		}
		path := group[0].heading
		var texts []string
		for _, b := range group {
			texts = append(texts, b.text)
		}
		parentText := strings.Join(texts, "\n\n")
		meta := Metadata{
			URL:             url,
			Title:           title,
			HeadingPath:     path,
			CodeIdentifiers: codeIdentifiers(group),
		}
		parent := Parent{ID: ID(url, path, "p", parentIdx), Text: parentText, Meta: meta}
		parentIdx++
		parents = append(parents, parent)
		kids := c.splitChildren(parent, group, childIdx)
		childIdx += len(kids)
		children = append(children, kids...)
	}

	var group []block
	groupTokens := 0
	samePath := func(a, b []string) bool {
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return true
	}
	for _, b := range blocks {
		tokens := c.Counter.Count(b.text)
		newSection := len(group) > 0 && !samePath(group[0].heading, b.heading)
		overCap := len(group) > 0 && groupTokens+tokens > c.Opts.ParentCap
		atTarget := groupTokens >= c.Opts.ParentTarget
		if newSection || overCap || atTarget {
			flushParent(group)
			group = nil
			groupTokens = 0
		}
		group = append(group, b)
		groupTokens += tokens
	}
	flushParent(group)
	return parents, children
}

// splitChildren cuts one parent into children. Small parents become a
// single parent-as-child chunk; atomic blocks become their own children;
// prose splits on sentence boundaries around the target size, with
// undersized leftovers merged backwards.
func (c *Chunker) splitChildren(parent Parent, group []block, childIdx int) []Chunk {
	path := parent.Meta.HeadingPath
	url := parent.Meta.URL

	total := c.Counter.Count(parent.Text)
	if total <= c.Opts.ChildTarget {
		meta := parent.Meta
		meta.IsParentAsChild = true
		return []Chunk{{
			ID:         ID(url, path, "c", childIdx),
			ParentID:   parent.ID,
			Text:       parent.Text,
			TokenCount: total,
			Meta:       meta,
		}}
	}

	var texts []string
	for _, b := range group {
		if b.atomic {
			texts = append(texts, "\x00"+b.text)
			continue
		}
		texts = append(texts, splitSentences(b.text)...)
	}

	var out []Chunk
	atomicAt := map[int]bool{}
	emit := func(text string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		out = append(out, Chunk{
			ID:         ID(url, path, "c", childIdx),
			ParentID:   parent.ID,
			Text:       text,
			TokenCount: c.Counter.Count(text),
			Meta:       parent.Meta,
		})
		childIdx++
	}

	var buf []string
	bufTokens := 0
	flush := func() {
		if len(buf) > 0 {
			emit(strings.Join(buf, " "))
			buf = nil
			bufTokens = 0
		}
	}
	for _, piece := range texts {
		if strings.HasPrefix(piece, "\x00") {
			flush()
			atomicAt[len(out)] = true
			emit(piece[1:])
			continue
		}
		tokens := c.Counter.Count(piece)
		if bufTokens+tokens > c.Opts.ChildTarget && bufTokens >= c.Opts.ChildMin {
			flush()
		}
		buf = append(buf, piece)
		bufTokens += tokens
	}
	flush()

	// A trailing fragment below the minimum reads better merged into its
	// neighbour than standing alone.
	if n := len(out); n >= 2 && out[n-1].TokenCount < c.Opts.ChildMin && !atomicAt[n-1] && !atomicAt[n-2] {
		merged := out[n-2].Text + " " + out[n-1].Text
		out[n-2].Text = merged
		out[n-2].TokenCount = c.Counter.Count(merged)
		out = out[:n-1]
	}
	return out
}

var sentenceRe = regexp.MustCompile(`[^.!?\n]+[.!?]*\s*`)

func splitSentences(text string) []string {
	matches := sentenceRe.FindAllString(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		m = strings.TrimSpace(m)
		if m != "" {
			out = append(out, m)
		}
	}
	if len(out) == 0 && strings.TrimSpace(text) != "" {
		out = append(out, strings.TrimSpace(text))
	}
	return out
}

var identRe = regexp.MustCompile(`\b[A-Za-z_][A-Za-z0-9_]{2,}\b`)

// codeIdentifiers collects distinctive identifiers from code blocks,
// capped and sorted for stable metadata.
func codeIdentifiers(group []block) []string {
	seen := map[string]bool{}
	for _, b := range group {
		if !b.isCode {
			continue
		}
		for _, ident := range identRe.FindAllString(b.text, -1) {
			if len(seen) >= 20 {
				break
			}
			if !isCommonWord(ident) {
				seen[ident] = true
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for ident := range seen {
		out = append(out, ident)
	}
	sort.Strings(out)
	return out
}

func isCommonWord(s string) bool {
	switch strings.ToLower(s) {
	case "the", "and", "for", "func", "var", "const", "return", "import", "package", "type", "int", "string", "bool", "true", "false", "nil", "err", "error":
		return true
	}
	return false
}

// parseBlocks walks the content HTML in document order, tracking the
// h1..h6 heading stack and emitting prose, code and table blocks.
func parseBlocks(contentHTML string) []block {
	doc, err := html.Parse(strings.NewReader(contentHTML))
	if err != nil {
		text := strings.TrimSpace(contentHTML)
		if text == "" {
			return nil
		}
		return []block{{text: text}}
	}

	var blocks []block
	headings := make([]string, 0, 6)

	pathCopy := func() []string {
		out := make([]string, len(headings))
		copy(out, headings)
		return out
	}
	addBlock := func(text string, atomic, isCode bool) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		blocks = append(blocks, block{text: text, atomic: atomic, isCode: isCode, heading: pathCopy()})
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "h1", "h2", "h3", "h4", "h5", "h6":
				level := int(n.Data[1] - '0')
				for len(headings) >= level {
					headings = headings[:len(headings)-1]
				}
				for len(headings) < level-1 {
					headings = append(headings, "")
				}
				headings = append(headings, strings.TrimSpace(nodeText(n)))
				return
			case "pre":
				addBlock(nodeText(n), true, true)
				return
			case "table":
				addBlock(tableText(n), true, false)
				return
			case "p", "li", "blockquote", "dd", "dt":
				if !hasBlockChild(n) {
					addBlock(nodeText(n), false, false)
					return
				}
			case "script", "style", "nav", "footer":
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return blocks
}

func hasBlockChild(n *html.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			switch c.Data {
			case "p", "ul", "ol", "table", "pre", "blockquote", "div":
				return true
			}
		}
	}
	return false
}

func nodeText(n *html.Node) string {
	var b bytes.Buffer
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

// tableText flattens a table row by row, cells joined with pipes, so
// tabular content stays searchable as one unit.
func tableText(n *html.Node) string {
	var rows []string
	var walkRows func(*html.Node)
	walkRows = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			var cells []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				walkCells(c, &cells)
			}
			if len(cells) > 0 {
				rows = append(rows, strings.Join(cells, " | "))
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walkRows(c)
		}
	}
	walkRows(n)
	return strings.Join(rows, "\n")
}

func walkCells(n *html.Node, cells *[]string) {
	if n.Type == html.ElementNode && (n.Data == "td" || n.Data == "th") {
		*cells = append(*cells, nodeText(n))
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkCells(c, cells)
	}
}
