package diff

import (
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/sitewatch/internal/crawler"
)

// LinkDelta is the set difference between the same-site links of two
// snapshots. PDF links are reported separately from other links.
type LinkDelta struct {
	AddedLinks   []string
	RemovedLinks []string
	AddedPDFs    []string
	RemovedPDFs  []string
}

// Empty reports whether the link sets are identical.
func (d LinkDelta) Empty() bool {
	return len(d.AddedLinks) == 0 && len(d.RemovedLinks) == 0 &&
		len(d.AddedPDFs) == 0 && len(d.RemovedPDFs) == 0
}

// Links extracts the absolute same-host links of a page. Links carrying a
// fragment or matching an excluded prefix are skipped.
func Links(pageURL, htmlContent string, excludedPrefixes []string) (links map[string]struct{}) {
	links = make(map[string]struct{})
	defer func() {
		if recover() != nil {
			links = map[string]struct{}{}
		}
	}()

	base, err := url.Parse(pageURL)
	if err != nil {
		return links
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return links
	}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		resolved := base.ResolveReference(ref)
		full := resolved.String()
		if strings.Contains(full, "#") {
			return
		}
		if !strings.EqualFold(resolved.Host, base.Host) {
			return
		}
		if crawler.HasExcludedPrefix(full, excludedPrefixes) {
			return
		}
		links[full] = struct{}{}
	})
	return links
}

// LinkChanges compares the links of two snapshots of pageURL.
func LinkChanges(pageURL, oldHTML, newHTML string, excludedPrefixes []string) LinkDelta {
	oldLinks := Links(pageURL, oldHTML, excludedPrefixes)
	newLinks := Links(pageURL, newHTML, excludedPrefixes)

	var delta LinkDelta
	for link := range newLinks {
		if _, ok := oldLinks[link]; ok {
			continue
		}
		if isPDF(link) {
			delta.AddedPDFs = append(delta.AddedPDFs, link)
		} else {
			delta.AddedLinks = append(delta.AddedLinks, link)
		}
	}
	for link := range oldLinks {
		if _, ok := newLinks[link]; ok {
			continue
		}
		if isPDF(link) {
			delta.RemovedPDFs = append(delta.RemovedPDFs, link)
		} else {
			delta.RemovedLinks = append(delta.RemovedLinks, link)
		}
	}
	sort.Strings(delta.AddedLinks)
	sort.Strings(delta.RemovedLinks)
	sort.Strings(delta.AddedPDFs)
	sort.Strings(delta.RemovedPDFs)
	return delta
}

// SortedLinks returns the links of a page in lexical order.
func SortedLinks(pageURL, htmlContent string, excludedPrefixes []string) []string {
	set := Links(pageURL, htmlContent, excludedPrefixes)
	out := make([]string, 0, len(set))
	for link := range set {
		out = append(out, link)
	}
	sort.Strings(out)
	return out
}

func isPDF(link string) bool {
	return strings.HasSuffix(strings.ToLower(link), ".pdf")
}
