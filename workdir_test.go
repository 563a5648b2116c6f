package manta

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestChangedFilesDetectsNewAndOverwritten(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.txt")
	if err := os.WriteFile(old, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Age the existing file well past the epsilon.
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	since := time.Now()
	time.Sleep(10 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(old, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := ChangedFiles(dir, since)
	if len(got) != 2 || got[0] != "new.txt" || got[1] != "old.txt" {
		t.Errorf("changed = %v", got)
	}
}

func TestChangedFilesSkipsUntouchedAndHidden(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "untouched.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	os.Chtimes(filepath.Join(dir, "untouched.txt"), past, past)

	since := time.Now()
	time.Sleep(10 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if got := ChangedFiles(dir, since); len(got) != 0 {
		t.Errorf("changed = %v, want none", got)
	}
}

func TestChangedFilesEpsilon(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	// A snapshot taken just after the write still reports the file: the
	// comparison allows a small clock skew window.
	since := time.Now().Add(2 * time.Millisecond)
	if got := ChangedFiles(dir, since); len(got) != 1 {
		t.Errorf("changed = %v, want f.txt inside epsilon", got)
	}
}

func TestUnionFilesOrderAndDedup(t *testing.T) {
	got := UnionFiles([]string{"a", "b"}, []string{"b", "c"}, []string{"a", "d"})
	want := []string{"a", "b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("union = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("union[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNormalizeFilenameNFC(t *testing.T) {
	// decomposed e + combining acute vs precomposed é
	decomposed := "re\u0301sume\u0301.pdf"
	composed := "r\u00e9sum\u00e9.pdf"
	if NormalizeFilename(decomposed) != composed {
		t.Errorf("normalize(%q) = %q", decomposed, NormalizeFilename(decomposed))
	}
	if got := UnionFiles([]string{NormalizeFilename(decomposed)}, []string{composed}); len(got) != 1 {
		t.Errorf("union of equivalent names = %v", got)
	}
}

func TestListWorkdir(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "b.txt"), []byte("bb"), 0o644)
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644)
	os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0o644)

	files, err := ListWorkdir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0].Name != "a.txt" || files[1].Name != "b.txt" {
		t.Fatalf("files = %v", files)
	}
	if files[0].Size != 1 || files[1].Size != 2 {
		t.Errorf("sizes = %d, %d", files[0].Size, files[1].Size)
	}
}

func TestCollapseWhitespace(t *testing.T) {
	cases := map[string]string{
		"  a  b  ":        "a b",
		"a\n\tb\r\nc":     "a b c",
		"":                "",
		"   ":             "",
		"already normal":  "already normal",
		"tabs\t\t\tstack": "tabs stack",
	}
	for in, want := range cases {
		if got := CollapseWhitespace(in); got != want {
			t.Errorf("CollapseWhitespace(%q) = %q, want %q", in, got, want)
		}
	}
}
