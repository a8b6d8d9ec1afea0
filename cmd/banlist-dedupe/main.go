// Command banlist-dedupe reports repeated lines in a banned-phrase list and
// can rewrite the file keeping first occurrences.
//
// Usage:
//
//	banlist-dedupe [flags] banned_words.txt
//
// Blank lines and '#' comments are ignored unless --keep-empty or
// --keep-comments is set. --fix is shorthand for --in-place --sort --strip
// --ignore-case and saves the original as FILE.bak the first time.
//
// Exit status is 0 when the list is clean, 1 when duplicates were found
// and 2 when the file cannot be read.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/onnwee/chat-relay/moderation"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	moderation.DedupeOptions
	inPlace    bool
	reportOnly bool
	fix        bool
}

func parseFlags(args []string, stderr io.Writer) (options, string, error) {
	var o options
	fset := flag.NewFlagSet("banlist-dedupe", flag.ContinueOnError)
	fset.SetOutput(stderr)
	fset.BoolVar(&o.IgnoreCase, "ignore-case", false, "compare lines case-insensitively")
	fset.BoolVar(&o.Strip, "strip", false, "trim surrounding whitespace before comparing")
	fset.BoolVar(&o.KeepComments, "keep-comments", false, "include '#' lines in the duplicate check")
	fset.BoolVar(&o.KeepEmpty, "keep-empty", false, "include blank lines in the duplicate check")
	fset.BoolVar(&o.inPlace, "in-place", false, "rewrite the file without duplicates")
	fset.BoolVar(&o.Sort, "sort", false, "sort unique lines alphabetically")
	fset.BoolVar(&o.Reverse, "reverse", false, "reverse the sort order")
	fset.BoolVar(&o.reportOnly, "report-only", false, "only report findings (default unless --in-place)")
	fset.BoolVar(&o.fix, "fix", false, "in-place dedupe + sort + strip + ignore-case, with a .bak backup")
	if err := fset.Parse(args); err != nil {
		return o, "", err
	}
	if fset.NArg() != 1 {
		fset.Usage()
		return o, "", errors.New("expected exactly one FILE argument")
	}
	if o.fix {
		o.inPlace, o.Sort, o.Strip, o.IgnoreCase = true, true, true, true
	}
	if o.reportOnly {
		o.inPlace = false
	}
	return o, fset.Arg(0), nil
}

func run(args []string, stdout, stderr io.Writer) int {
	o, path, err := parseFlags(args, stderr)
	if err != nil {
		return 2
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(stderr, "ERROR: file does not exist: %s\n", path)
		} else {
			fmt.Fprintf(stderr, "ERROR: %v\n", err)
		}
		return 2
	}
	lines := splitLines(string(raw))
	res := moderation.Dedupe(lines, o.DedupeOptions)

	if len(res.Duplicates) == 0 {
		fmt.Fprintln(stdout, "No duplicates found.")
	} else {
		fmt.Fprintf(stdout, "Found %d duplicate line(s):\n", len(res.Duplicates))
		for _, d := range res.Duplicates {
			fmt.Fprintf(stdout, "  line %d (duplicate of line %d): %s\n", d.Line, d.FirstLine, d.Text)
		}
	}

	if o.Sort && !o.inPlace {
		fmt.Fprintln(stdout, "\nSorted unique lines:")
		for _, l := range res.Unique {
			fmt.Fprintln(stdout, l)
		}
	}

	if o.inPlace {
		if err := rewrite(path, raw, lines, res.Output, o.fix, stdout); err != nil {
			fmt.Fprintf(stderr, "ERROR: %v\n", err)
			return 2
		}
	}

	if len(res.Duplicates) > 0 {
		return 1
	}
	return 0
}

func rewrite(path string, raw []byte, original, output []string, backup bool, stdout io.Writer) error {
	if backup {
		bak := path + ".bak"
		if _, err := os.Stat(bak); errors.Is(err, fs.ErrNotExist) {
			if err := os.WriteFile(bak, []byte(strings.Join(original, "\n")+"\n"), 0o644); err != nil {
				return fmt.Errorf("write backup: %w", err)
			}
			fmt.Fprintf(stdout, "[backup] saved original to %s\n", bak)
		}
	}
	text := strings.Join(output, "\n") + "\n"
	if text == string(raw) {
		fmt.Fprintln(stdout, "No change needed (file already deduplicated).")
		return nil
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(stdout, "[written] updated %s\n", path)
	return nil
}

// splitLines splits on \n, dropping \r and the empty tail after a final newline.
func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
