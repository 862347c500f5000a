package diff

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var (
	whitespaceRun  = regexp.MustCompile(`\s+`)
	betweenTags    = regexp.MustCompile(`>\s+<`)
	invisibleNodes = "script, style, head, title, meta, noscript"
)

type replacement struct {
	pattern *regexp.Regexp
	with    string
}

// Order matters: dates before times so "01/02/2024 10:30" yields "DATE TIME".
var dynamicContent = []replacement{
	{regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2,4}\b`), "DATE"},
	{regexp.MustCompile(`\b\d{1,2}:\d{2}(?::\d{2})?\s*(?:AM|PM|am|pm)?\b`), "TIME"},
	{regexp.MustCompile(`(?i)sessionid=[a-z0-9-]+`), "sessionid=REMOVED"},
	{regexp.MustCompile(`(?i)token=[a-z0-9-]+`), "token=REMOVED"},
	{regexp.MustCompile(`\b\d{13}\b`), "TIMESTAMP"},
	{regexp.MustCompile(`class="[^"]*"`), `class="NORMALIZED"`},
}

// NormalizeWhitespace collapses whitespace runs and removes whitespace between
// tags.
func NormalizeWhitespace(htmlContent string) string {
	out := whitespaceRun.ReplaceAllString(htmlContent, " ")
	out = betweenTags.ReplaceAllString(out, "><")
	return strings.TrimSpace(out)
}

// FilterDynamic replaces volatile tokens with fixed placeholders.
func FilterDynamic(text string) string {
	for _, r := range dynamicContent {
		text = r.pattern.ReplaceAllString(text, r.with)
	}
	return text
}

// VisibleText returns the trimmed, non-empty text lines a reader would see.
// Each text node becomes one line. Unparseable input yields nil.
func VisibleText(htmlContent string) (lines []string) {
	defer func() {
		if recover() != nil {
			lines = nil
		}
	}()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return nil
	}
	doc.Find(invisibleNodes).Remove()

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			for _, line := range strings.Split(n.Data, "\n") {
				if trimmed := strings.TrimSpace(line); trimmed != "" {
					lines = append(lines, trimmed)
				}
			}
			return
		}
		if n.Type == html.CommentNode {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range doc.Nodes {
		walk(n)
	}
	return lines
}

func normalizedLines(htmlContent string) []string {
	lines := VisibleText(NormalizeWhitespace(htmlContent))
	for i, line := range lines {
		lines[i] = FilterDynamic(line)
	}
	return lines
}
