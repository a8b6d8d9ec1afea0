package moderation

import (
	"sort"
	"strings"
)

// DedupeOptions control how list lines are compared and rewritten.
type DedupeOptions struct {
	IgnoreCase   bool
	Strip        bool
	KeepComments bool // compare '#' lines too
	KeepEmpty    bool // compare blank lines too
	Sort         bool
	Reverse      bool
}

// Duplicate is a repeated line; numbers are 1-based.
type Duplicate struct {
	Line      int
	FirstLine int
	Text      string
}

// DedupeResult is the outcome of Dedupe.
type DedupeResult struct {
	Duplicates []Duplicate
	// Unique holds the distinct compared lines, sorted when Sort is set.
	Unique []string
	// Output is the rewritten file: first occurrences kept, skipped lines
	// preserved, and with Sort set comments and blanks moved to the top.
	Output []string
}

// Dedupe finds repeated lines in a list file.
func Dedupe(lines []string, opts DedupeOptions) DedupeResult {
	var res DedupeResult
	seen := make(map[string]int)
	added := make(map[string]bool)
	for i, original := range lines {
		skipped := (!opts.KeepComments && strings.HasPrefix(strings.TrimLeft(original, " \t"), "#")) ||
			(!opts.KeepEmpty && strings.TrimSpace(original) == "")
		if skipped {
			res.Output = append(res.Output, original)
			continue
		}
		norm := normalizeLine(original, opts)
		if first, ok := seen[norm]; ok {
			res.Duplicates = append(res.Duplicates, Duplicate{Line: i + 1, FirstLine: first, Text: original})
		} else {
			seen[norm] = i + 1
		}
		if added[norm] {
			continue
		}
		added[norm] = true
		kept := original
		if opts.Strip {
			kept = strings.TrimSpace(original)
		}
		res.Unique = append(res.Unique, kept)
		res.Output = append(res.Output, kept)
	}

	if opts.Sort {
		sortLines(res.Unique, opts)
		var head, words []string
		for _, l := range res.Output {
			if strings.TrimSpace(l) == "" || strings.HasPrefix(strings.TrimLeft(l, " \t"), "#") {
				head = append(head, l)
			} else {
				words = append(words, l)
			}
		}
		sortLines(words, opts)
		res.Output = append(head, words...)
	}
	return res
}

func normalizeLine(s string, opts DedupeOptions) string {
	if opts.Strip {
		s = strings.TrimSpace(s)
	}
	if opts.IgnoreCase {
		s = strings.ToLower(s)
	}
	return s
}

func sortLines(lines []string, opts DedupeOptions) {
	key := func(s string) string {
		if opts.IgnoreCase {
			return strings.ToLower(s)
		}
		return s
	}
	sort.SliceStable(lines, func(i, j int) bool {
		if opts.Reverse {
			return key(lines[i]) > key(lines[j])
		}
		return key(lines[i]) < key(lines[j])
	})
}
