package scanner

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ProjectOptions controls which files a project scan visits.
type ProjectOptions struct {
	Extensions []string // defaults to ".py"
	SkipDirs   []string // directory base names to prune
}

// ScanProject walks root and scans every file with a managed extension.
// Files or directories that cannot be read are skipped. The returned error is
// only non-nil when root itself cannot be walked.
func ScanProject(root string, opts ProjectOptions) ([]Finding, error) {
	return defaultMatcher.ScanProject(root, opts)
}

func (m *Matcher) ScanProject(root string, opts ProjectOptions) ([]Finding, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, err
	}

	extensions := opts.Extensions
	if len(extensions) == 0 {
		extensions = []string{".py"}
	}

	skip := make(map[string]bool, len(opts.SkipDirs))
	for _, d := range opts.SkipDirs {
		skip[d] = true
	}

	all := make([]Finding, 0)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// unreadable entry: keep walking the rest of the tree
			return nil
		}

		if d.IsDir() {
			if path != root && skip[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		if !hasExtension(d.Name(), extensions) {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return nil
		}

		findings := m.Scan(Decode(content))
		for i := range findings {
			findings[i].File = path
		}
		all = append(all, findings...)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return all, nil
}

func hasExtension(name string, extensions []string) bool {
	for _, ext := range extensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}
