package diff

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/sitewatch/internal/crawler"
)

const fallbackSummary = "Page content changed"

// Summary renders a one-line human description of a change.
func Summary(res Result, links LinkDelta) string {
	var parts []string
	add := func(n int, format string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf(format, n))
		}
	}
	add(len(res.Added), "Added %d text sections")
	add(len(res.Deleted), "Removed %d text sections")
	add(len(res.Changed), "Modified %d text sections")
	add(len(links.AddedLinks), "Added %d links")
	add(len(links.RemovedLinks), "Removed %d links")
	add(len(links.AddedPDFs), "Added %d PDFs")
	add(len(links.RemovedPDFs), "Removed %d PDFs")
	if len(parts) == 0 {
		return fallbackSummary
	}
	return strings.Join(parts, "; ")
}

// Detect runs the text and link comparisons and folds them into
// ChangeDetails. The result is Empty when nothing meaningful changed.
func Detect(pageURL, oldHTML, newHTML string, excludedPrefixes []string) crawler.ChangeDetails {
	res := Compare(oldHTML, newHTML)
	links := LinkChanges(pageURL, oldHTML, newHTML, excludedPrefixes)
	return crawler.ChangeDetails{
		AddedText:    res.Added,
		DeletedText:  res.Deleted,
		ChangedText:  res.Changed,
		AddedLinks:   links.AddedLinks,
		RemovedLinks: links.RemovedLinks,
		AddedPDFs:    links.AddedPDFs,
		RemovedPDFs:  links.RemovedPDFs,
		Summary:      Summary(res, links),
	}
}
