// Package walker discovers indexable source files under a project root.
package walker

import (
	"bufio"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// IgnoreFile is read from the project root when present. It is never written.
const IgnoreFile = ".coderagignore"

// FileInfo holds metadata about a discovered source file.
type FileInfo struct {
	Path    string // absolute
	RelPath string // slash-separated, relative to the root
	Size    int64
}

// DefaultIgnores are always skipped.
var DefaultIgnores = []string{
	".git",
	".svn",
	".hg",
	"node_modules",
	"vendor",
	"__pycache__",
	".venv",
	"venv",
	".idea",
	".vscode",
	".coderag",
	"dist",
	"build",
	"target",
}

// Options control a scan.
type Options struct {
	// Extensions lists the accepted file extensions without the dot.
	Extensions map[string]bool
	// Ignore adds patterns to DefaultIgnores and the project's ignore file.
	Ignore []string
}

// Scan returns the files under root with an accepted extension, in lexical
// path order. Ignored directories and files, and symlinks, are skipped.
// Unreadable subdirectories are skipped; an unreadable root is an error.
func Scan(ctx context.Context, root string, opts Options) ([]FileInfo, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	ignores := append(append([]string{}, DefaultIgnores...), opts.Ignore...)
	ignores = append(ignores, loadIgnorePatterns(absRoot)...)

	var files []FileInfo
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == absRoot {
				return err
			}
			return nil // skip errors, keep walking
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == absRoot {
			return nil
		}

		rel, _ := filepath.Rel(absRoot, path)
		rel = filepath.ToSlash(rel)
		name := d.Name()

		if d.IsDir() {
			if matchesIgnore(name, rel, ignores) {
				return filepath.SkipDir
			}
			return nil
		}

		// Skip symlinks.
		if d.Type()&fs.ModeSymlink != 0 || !d.Type().IsRegular() {
			return nil
		}

		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
		if !opts.Extensions[ext] || matchesIgnore(name, rel, ignores) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, FileInfo{
			Path:    path,
			RelPath: rel,
			Size:    info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, nil
}

// loadIgnorePatterns reads the ignore file from the project root.
func loadIgnorePatterns(root string) []string {
	f, err := os.Open(filepath.Join(root, IgnoreFile))
	if err != nil {
		return nil
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, strings.TrimSuffix(line, "/"))
	}
	return patterns
}

// matchesIgnore checks if a name or relative path matches any ignore pattern.
func matchesIgnore(name, relPath string, patterns []string) bool {
	for _, p := range patterns {
		// Exact name match (e.g. "node_modules", ".git").
		if name == p {
			return true
		}
		// Path prefix match on a segment boundary (e.g. "third_party/vendor").
		if relPath == p || strings.HasPrefix(relPath, p+"/") {
			return true
		}
		// Glob match against the relative path or the name.
		if matched, _ := filepath.Match(p, relPath); matched {
			return true
		}
		if matched, _ := filepath.Match(p, name); matched {
			return true
		}
	}
	return false
}
