package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeList(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "banned_words.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunExitCodes(t *testing.T) {
	tests := []struct {
		name    string
		content string
		args    []string
		want    int
	}{
		{"clean", "# list\nfoo\nbar\n", nil, 0},
		{"duplicate", "foo\nbar\nfoo\n", nil, 1},
		{"case differs", "foo\nFOO\n", nil, 0},
		{"case ignored", "foo\nFOO\n", []string{"--ignore-case"}, 1},
		{"blank lines ignored", "foo\n\n\nbar\n", nil, 0},
		{"blank lines kept", "foo\n\n\nbar\n", []string{"--keep-empty"}, 1},
		{"comments kept", "# x\n# x\n", []string{"--keep-comments"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeList(t, tt.content)
			var out, errOut bytes.Buffer
			if got := run(append(tt.args, path), &out, &errOut); got != tt.want {
				t.Errorf("run() = %d, want %d\nstdout: %s\nstderr: %s", got, tt.want, out.String(), errOut.String())
			}
		})
	}
}

func TestRunMissingFile(t *testing.T) {
	var out, errOut bytes.Buffer
	if got := run([]string{filepath.Join(t.TempDir(), "nope.txt")}, &out, &errOut); got != 2 {
		t.Fatalf("run() = %d, want 2", got)
	}
	if !strings.Contains(errOut.String(), "does not exist") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestRunReportsLineNumbers(t *testing.T) {
	path := writeList(t, "alpha\nbeta\nalpha\n")
	var out bytes.Buffer
	run([]string{path}, &out, &bytes.Buffer{})
	if !strings.Contains(out.String(), "line 3 (duplicate of line 1): alpha") {
		t.Errorf("stdout = %q", out.String())
	}
}

func TestRunFix(t *testing.T) {
	original := "# banned\nScam\nfree crypto\n scam \nAlpha\n"
	path := writeList(t, original)
	var out bytes.Buffer
	if got := run([]string{"--fix", path}, &out, &bytes.Buffer{}); got != 1 {
		t.Fatalf("run(--fix) = %d, want 1", got)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := "# banned\nAlpha\nfree crypto\nScam\n"; string(b) != want {
		t.Errorf("rewritten = %q, want %q", b, want)
	}
	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if string(bak) != original {
		t.Errorf("backup = %q", bak)
	}

	// Second run: clean, file untouched, backup kept as the first original.
	if got := run([]string{"--fix", path}, &out, &bytes.Buffer{}); got != 0 {
		t.Fatalf("second run = %d, want 0", got)
	}
	bak2, _ := os.ReadFile(path + ".bak")
	if string(bak2) != original {
		t.Error("backup overwritten on second run")
	}
}

func TestRunReportOnlyWins(t *testing.T) {
	content := "foo\nfoo\n"
	path := writeList(t, content)
	run([]string{"--in-place", "--report-only", path}, &bytes.Buffer{}, &bytes.Buffer{})
	b, _ := os.ReadFile(path)
	if string(b) != content {
		t.Errorf("file changed under --report-only: %q", b)
	}
}

func TestRunSortPreview(t *testing.T) {
	path := writeList(t, "zeta\nalpha\n")
	var out bytes.Buffer
	if got := run([]string{"--sort", path}, &out, &bytes.Buffer{}); got != 0 {
		t.Fatalf("run() = %d", got)
	}
	if !strings.Contains(out.String(), "alpha\nzeta\n") {
		t.Errorf("stdout = %q", out.String())
	}
	b, _ := os.ReadFile(path)
	if string(b) != "zeta\nalpha\n" {
		t.Error("preview must not rewrite the file")
	}
}
