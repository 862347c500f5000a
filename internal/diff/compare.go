package diff

import (
	"fmt"

	"github.com/pmezard/go-difflib/difflib"
)

// SimilarityThreshold is the ratio at or above which two lines are treated as
// the same content.
const SimilarityThreshold = 0.7

// Result lists the meaningful text changes between two snapshots.
type Result struct {
	Added   []string
	Deleted []string
	Changed []string
}

// Empty reports whether no text change survived filtering.
func (r Result) Empty() bool {
	return len(r.Added) == 0 && len(r.Deleted) == 0 && len(r.Changed) == 0
}

// Compare diffs the visible text of two HTML documents. Additions are the new
// lines, deletions are formatted "Deleted: X" and replaced lines are paired as
// "Changed from 'X' to 'Y'". Changes whose similarity ratio is at least
// SimilarityThreshold are dropped.
func Compare(oldHTML, newHTML string) (res Result) {
	defer func() {
		if recover() != nil {
			res = Result{}
		}
	}()

	oldLines := normalizedLines(oldHTML)
	newLines := normalizedLines(newHTML)

	matcher := difflib.NewMatcher(oldLines, newLines)
	for _, op := range matcher.GetOpCodes() {
		switch op.Tag {
		case 'd':
			res.deleteLines(oldLines[op.I1:op.I2], newLines)
		case 'i':
			res.addLines(newLines[op.J1:op.J2], oldLines)
		case 'r':
			oldBlock := oldLines[op.I1:op.I2]
			newBlock := newLines[op.J1:op.J2]
			// Replaced lines pair positionally; the leftover tail of the
			// longer side is reported as plain deletions or additions.
			pairs := min(len(oldBlock), len(newBlock))
			for k := 0; k < pairs; k++ {
				if IsMeaningful(oldBlock[k], newBlock[k]) {
					res.Changed = append(res.Changed, fmt.Sprintf("Changed from '%s' to '%s'", oldBlock[k], newBlock[k]))
				}
			}
			res.deleteLines(oldBlock[pairs:], newLines)
			res.addLines(newBlock[pairs:], oldLines)
		}
	}
	return res
}

func (r *Result) addLines(lines, others []string) {
	for _, line := range lines {
		if !hasNearDuplicate(line, others) {
			r.Added = append(r.Added, line)
		}
	}
}

func (r *Result) deleteLines(lines, others []string) {
	for _, line := range lines {
		if !hasNearDuplicate(line, others) {
			r.Deleted = append(r.Deleted, "Deleted: "+line)
		}
	}
}

// IsMeaningful reports whether replacing oldText with newText is a real edit.
// When either side is empty the change is meaningful only if exactly one side
// has content.
func IsMeaningful(oldText, newText string) bool {
	if oldText == "" || newText == "" {
		return (oldText == "") != (newText == "")
	}
	return Similarity(oldText, newText) < SimilarityThreshold
}

// Similarity is the character-level sequence-matcher ratio in [0, 1].
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	return difflib.NewMatcher(runes(a), runes(b)).Ratio()
}

func hasNearDuplicate(line string, others []string) bool {
	if line == "" {
		return false
	}
	lineRunes := runes(line)
	for _, other := range others {
		if other == "" {
			continue
		}
		if other == line {
			return true
		}
		m := difflib.NewMatcher(lineRunes, runes(other))
		if m.RealQuickRatio() < SimilarityThreshold || m.QuickRatio() < SimilarityThreshold {
			continue
		}
		if m.Ratio() >= SimilarityThreshold {
			return true
		}
	}
	return false
}

func runes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}
