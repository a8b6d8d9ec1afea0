// Package moderation filters relayed text against a banned word/phrase list.
//
// A list is compiled into one immutable Rules value. Filter owns the active
// Rules, re-reads the list file when its modification time changes and swaps
// the new value in atomically, so Apply never sees a half-built matcher.
package moderation

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Mode selects what happens to a message that matches.
type Mode int

const (
	ModeCensor Mode = iota
	ModeDrop
)

// ParseMode accepts "censor" or "drop" (any case).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "censor":
		return ModeCensor, nil
	case "drop":
		return ModeDrop, nil
	}
	return ModeCensor, fmt.Errorf("unknown moderation mode %q", s)
}

func (m Mode) String() string {
	if m == ModeDrop {
		return "drop"
	}
	return "censor"
}

// Action is the outcome of Apply.
type Action int

const (
	Allow Action = iota
	Censor
	Drop
)

func (a Action) String() string {
	switch a {
	case Censor:
		return "censor"
	case Drop:
		return "drop"
	default:
		return "allow"
	}
}

// Decision is the filtered result. Text is empty for Drop.
type Decision struct {
	Action Action
	Text   string
}

// Options are the compile-time settings of a rule set.
type Options struct {
	Mode          Mode
	CensorChar    rune
	CaseSensitive bool
}

// Rules is a compiled, immutable matcher. A nil *Rules allows everything.
type Rules struct {
	re      *regexp.Regexp
	groups  int
	phrases []string
	opts    Options
}

// wordClass matches a character that can be part of a word.
const wordClass = `\pL\pN_`

// Compile builds Rules from phrases. Blank entries are skipped and duplicates
// collapse. It returns (nil, nil) when nothing is left to match.
func Compile(phrases []string, opts Options) (*Rules, error) {
	if opts.CensorChar == 0 {
		opts.CensorChar = '*'
	}
	seen := make(map[string]bool, len(phrases))
	var list []string
	for _, p := range phrases {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		key := p
		if !opts.CaseSensitive {
			key = strings.ToLower(p)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		list = append(list, p)
	}
	if len(list) == 0 {
		return nil, nil
	}
	// Longest first so "free crypto giveaway" beats "free" at the same position.
	sort.SliceStable(list, func(i, j int) bool {
		return utf8.RuneCountInString(list[i]) > utf8.RuneCountInString(list[j])
	})

	alts := make([]string, 0, len(list))
	for _, p := range list {
		if !utf8.ValidString(p) {
			return nil, fmt.Errorf("phrase %q is not valid UTF-8", p)
		}
		var b strings.Builder
		first, _ := utf8.DecodeRuneInString(p)
		last, _ := utf8.DecodeLastRuneInString(p)
		if isWordRune(first) {
			b.WriteString(`[^` + wordClass + `]`)
		}
		b.WriteString("(" + regexp.QuoteMeta(p) + ")")
		if isWordRune(last) {
			b.WriteString(`[^` + wordClass + `]`)
		}
		alts = append(alts, b.String())
	}
	pattern := strings.Join(alts, "|")
	if !opts.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile moderation pattern: %w", err)
	}
	return &Rules{re: re, groups: len(list), phrases: list, opts: opts}, nil
}

// Parse reads a list: one phrase per line, '#' comments and blank lines ignored.
func Parse(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r)
}

// Len is the number of distinct phrases.
func (r *Rules) Len() int {
	if r == nil {
		return 0
	}
	return len(r.phrases)
}

// Options returns the settings the rules were compiled with.
func (r *Rules) Options() Options {
	if r == nil {
		return Options{CensorChar: '*'}
	}
	return r.opts
}

type span struct{ start, end int }

// matches returns the byte spans of all non-overlapping matches in text.
func (r *Rules) matches(text string) []span {
	// Padding gives phrases at the very start or end a non-word neighbour to consume.
	padded := " " + text + " "
	var out []span
	pos := 0
	for pos < len(padded) {
		loc := r.re.FindStringSubmatchIndex(padded[pos:])
		if loc == nil {
			break
		}
		gs, ge := -1, -1
		for g := 1; g <= r.groups; g++ {
			if loc[2*g] >= 0 {
				gs, ge = loc[2*g], loc[2*g+1]
				break
			}
		}
		if gs < 0 {
			break
		}
		out = append(out, span{start: pos + gs - 1, end: pos + ge - 1})
		// Resume at the end of the phrase itself so a trailing separator can
		// serve as the leading separator of the next match.
		pos += ge
	}
	return out
}

// Apply runs the rules over text.
func (r *Rules) Apply(text string) Decision {
	if r == nil || text == "" {
		return Decision{Action: Allow, Text: text}
	}
	spans := r.matches(text)
	if len(spans) == 0 {
		return Decision{Action: Allow, Text: text}
	}
	if r.opts.Mode == ModeDrop {
		return Decision{Action: Drop}
	}
	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, s := range spans {
		b.WriteString(text[prev:s.start])
		n := utf8.RuneCountInString(text[s.start:s.end])
		b.WriteString(strings.Repeat(string(r.opts.CensorChar), n))
		prev = s.end
	}
	b.WriteString(text[prev:])
	return Decision{Action: Censor, Text: b.String()}
}
