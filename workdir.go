package manta

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// mtimeEpsilon absorbs filesystem timestamp granularity. Some filesystems
// round mtimes down, so a file written immediately after the snapshot can
// carry an mtime slightly before it.
const mtimeEpsilon = 5 * time.Millisecond

// ChangedFiles walks workdir and returns the relative paths of regular files
// modified at or after since (minus epsilon), sorted. Hidden entries and
// anything under hidden directories are skipped. Returns nil when the
// directory does not exist or nothing changed.
func ChangedFiles(workdir string, since time.Time) []string {
	cutoff := since.Add(-mtimeEpsilon)
	var out []string
	_ = filepath.WalkDir(workdir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are not change-set members
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") && path != workdir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			return nil
		}
		rel, err := filepath.Rel(workdir, path)
		if err != nil {
			return nil
		}
		out = append(out, NormalizeFilename(filepath.ToSlash(rel)))
		return nil
	})
	sort.Strings(out)
	return out
}

// NormalizeFilename returns the NFC form of a filename. macOS volumes hand
// back NFD names, which would otherwise never compare equal to the NFC
// names the model and the store use.
func NormalizeFilename(name string) string {
	return norm.NFC.String(name)
}

// UnionFiles merges file lists preserving first-seen order, dropping
// duplicates after normalization.
func UnionFiles(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, f := range list {
			n := NormalizeFilename(f)
			if n == "" || seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// ListWorkdir enumerates all regular files under workdir with size and
// mtime, sorted by name. Used by the outputs listing endpoint.
func ListWorkdir(workdir string) ([]FileInfo, error) {
	var out []FileInfo
	err := filepath.WalkDir(workdir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == workdir && os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") && path != workdir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		rel, relErr := filepath.Rel(workdir, path)
		if relErr != nil {
			return nil
		}
		out = append(out, FileInfo{
			Name:  NormalizeFilename(filepath.ToSlash(rel)),
			Size:  info.Size(),
			MTime: info.ModTime().Unix(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
