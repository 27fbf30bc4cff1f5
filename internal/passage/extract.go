// Package passage fetches Constitution and Bill of Rights pages and turns the
// requested fragment into Markdown suitable for a Telegram message.
package passage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/zulandar/constbot/internal/citation"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrNotFound means the document was fetched but nothing matched the
// citation.
var ErrNotFound = errors.New("passage: no matching passage")

// unwantedSelector removes footnote markers and page furniture.
const unwantedSelector = "sup, .reference, .mw-editsection, style, script"

// anchorCandidates are the elements that may carry an amendment heading.
const anchorCandidates = "h1, h2, h3, h4, h5, h6, p, dt, dd, li, th, td, b, strong, span"

const headingSelector = "h1, h2, h3, h4, h5, h6"

// amendmentLead starts every amendment heading in the Bill of Rights page.
const amendmentLead = "article the "

// descriptionLen is the preview length for inline results.
const descriptionLen = 150

// Passage is an extracted, formatted passage.
type Passage struct {
	Key   string // citation key, e.g. "aIII-s2" or "amd1"
	Title string // plain heading, e.g. "Article III Section 2"
	Text  string // Markdown: bold title, blank line, body
}

// Description returns a short plain-text preview of the passage body.
func (p *Passage) Description() string {
	body := p.Text
	if _, rest, ok := strings.Cut(body, "\n"); ok {
		body = rest
	}
	body = strings.Join(strings.Fields(unescapeMarkdown.Replace(body)), " ")
	runes := []rune(body)
	if len(runes) > descriptionLen+3 {
		return string(runes[:descriptionLen]) + "..."
	}
	return body
}

// Extractor turns citations into passages.
type Extractor struct {
	source    Source
	client    HTTPClient
	timeout   time.Duration
	userAgent string
}

// ExtractorOpts holds parameters for creating an Extractor.
type ExtractorOpts struct {
	Source     Source        // zero fields fall back to DefaultSource
	HTTPClient HTTPClient    // defaults to http.DefaultClient
	Timeout    time.Duration // defaults to DefaultFetchTimeout
	UserAgent  string        // defaults to DefaultUserAgent
}

// NewExtractor creates an Extractor.
func NewExtractor(opts ExtractorOpts) *Extractor {
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	return &Extractor{
		source:    opts.Source.withDefaults(),
		client:    client,
		timeout:   timeout,
		userAgent: ua,
	}
}

// Extract fetches the document for c and returns the formatted passage.
// Errors are ErrNotFound or a *FetchError.
func (e *Extractor) Extract(ctx context.Context, c citation.Citation) (*Passage, error) {
	url := e.source.ConstitutionURL
	if c.IsAmendment() {
		url = e.source.BillOfRightsURL
	}

	log.Printf("passage: fetching %s for %s", url, c.Key())
	doc, err := e.fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	return e.extractFrom(doc, c)
}

// extractFrom runs the extraction pipeline on an already fetched document.
func (e *Extractor) extractFrom(document string, c citation.Citation) (*Passage, error) {
	fragment, ok := cutFragment(document, e.source.StartMarker, e.source.EndMarker)
	if !ok {
		return nil, ErrNotFound
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return nil, fmt.Errorf("passage: parse fragment: %w", err)
	}
	doc.Find(unwantedSelector).Remove()

	var matched *goquery.Selection
	switch c.Kind {
	case citation.KindArticle:
		matched = selectArticle(doc.Selection, c)
	case citation.KindAmendment:
		matched = selectAmendment(doc.Selection, c)
	default:
		return nil, ErrNotFound
	}
	if matched == nil || matched.Length() == 0 {
		return nil, ErrNotFound
	}

	var parts []string
	escaped := false
	matched.Each(func(_ int, s *goquery.Selection) {
		var b strings.Builder
		for _, n := range s.Nodes {
			renderNode(&b, n, &escaped)
		}
		if text := tidy(b.String()); text != "" {
			parts = append(parts, text)
		}
	})
	if len(parts) == 0 {
		return nil, ErrNotFound
	}
	if escaped {
		log.Printf("passage: stripped markdown from %s", c.Key())
	}

	title := c.Title()
	text := "*" + title + "*\n\n" + strings.Join(parts, "\n\n")
	return &Passage{
		Key:   c.Key(),
		Title: title,
		Text:  strings.TrimSpace(text),
	}, nil
}

// cutFragment returns the bytes between the start marker and the first end
// marker after it. A missing end marker keeps the rest of the document.
func cutFragment(document, startMarker, endMarker string) (string, bool) {
	start := strings.Index(document, startMarker)
	if start == -1 {
		return "", false
	}
	rest := document[start:]
	if end := strings.Index(rest[len(startMarker):], endMarker); end != -1 {
		rest = rest[:len(startMarker)+end]
	}
	return rest, true
}

// selectArticle matches aROMAN-sN and its sub-clause ids (aROMAN-sN-cM),
// keeping only the outermost matches.
func selectArticle(root *goquery.Selection, c citation.Citation) *goquery.Selection {
	id := c.Key()
	matches := func(_ int, s *goquery.Selection) bool {
		v, ok := s.Attr("id")
		return ok && (v == id || strings.HasPrefix(v, id+"-"))
	}
	all := root.Find("[id]").FilterFunction(matches)
	return all.FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.Parents().FilterFunction(matches).Length() == 0
	})
}

// selectAmendment finds the heading text for the amendment and returns the
// table cells of its row, or the heading block and the siblings that follow
// it up to the next heading.
func selectAmendment(root *goquery.Selection, c citation.Citation) *goquery.Selection {
	anchorText := strings.ToLower(citation.AmendmentAnchor(c.Amendment))
	contains := func(_ int, s *goquery.Selection) bool {
		return strings.Contains(normalize(s.Text()), anchorText)
	}

	candidates := root.Find(anchorCandidates).FilterFunction(contains)
	innermost := candidates.FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.Find(anchorCandidates).FilterFunction(contains).Length() == 0
	})
	anchor := innermost.First()
	if anchor.Length() == 0 {
		return nil
	}

	if row := anchor.Closest("tr"); row.Length() > 0 {
		return row.Find("td, th").FilterFunction(func(_ int, s *goquery.Selection) bool {
			return !isLabel(s, anchorText)
		})
	}

	if anchor.Is("b, strong, span") {
		if block := anchor.Closest("p, dd, dt, li, " + headingSelector); block.Length() > 0 {
			anchor = block
		}
	}

	result := anchor.Slice(0, 0)
	if !isLabel(anchor, anchorText) {
		result = result.AddSelection(anchor)
	}
	anchor.NextAll().EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Is(headingSelector) || strings.HasPrefix(normalize(s.Text()), amendmentLead) {
			return false
		}
		result = result.AddSelection(s)
		return true
	})
	return result
}

// isLabel reports whether s holds nothing but the anchor heading itself.
func isLabel(s *goquery.Selection, anchorText string) bool {
	t := strings.TrimRight(normalize(s.Text()), ".:; ")
	return t == anchorText
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// blockElements end with a line break when rendered inside a match.
var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Dd: true, atom.Dt: true, atom.Li: true,
	atom.Tr: true, atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true,
	atom.H5: true, atom.H6: true, atom.Blockquote: true,
}

// renderNode serialises the text of n. Text nodes are sanitized and have
// their whitespace collapsed; <br> becomes a newline.
func renderNode(b *strings.Builder, n *html.Node, escaped *bool) {
	switch n.Type {
	case html.TextNode:
		text := collapseSpace(n.Data)
		clean := Sanitize(text)
		if clean != text {
			*escaped = true
		}
		b.WriteString(clean)
	case html.ElementNode:
		if n.DataAtom == atom.Br {
			b.WriteString("\n")
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			renderNode(b, child, escaped)
		}
		if blockElements[n.DataAtom] {
			b.WriteString("\n")
		} else if n.DataAtom == atom.Td || n.DataAtom == atom.Th {
			b.WriteString(" ")
		}
	case html.DocumentNode:
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			renderNode(b, child, escaped)
		}
	}
}

// collapseSpace turns every run of HTML whitespace into a single space,
// keeping a leading or trailing space so adjacent inline nodes stay apart.
func collapseSpace(s string) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	space := false
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r', '\f':
			space = true
		default:
			if space {
				b.WriteByte(' ')
				space = false
			}
			b.WriteRune(r)
		}
	}
	if space {
		b.WriteByte(' ')
	}
	return b.String()
}

// tidy trims every line and squeezes runs of blank lines to one.
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
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
	return strings.TrimSpace(strings.Join(out, "\n"))
}
