package fs

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// IgnoreFile lists member paths a directory group does not sync. It lives
// at the group root and is never synced itself.
const IgnoreFile = ".fsyignore"

// IgnoreMatcher decides which member paths of a directory group are left
// alone. A pattern without '/' matches the base name at any depth; one
// with '/' matches the whole member path.
type IgnoreMatcher struct {
	base  []string
	whole []string
}

// NewIgnoreMatcher parses raw lines, skipping blanks and '#' comments.
func NewIgnoreMatcher(lines []string) *IgnoreMatcher {
	m := &IgnoreMatcher{base: []string{IgnoreFile}}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.Contains(line, "/") {
			m.whole = append(m.whole, strings.TrimPrefix(line, "/"))
		} else {
			m.base = append(m.base, line)
		}
	}
	return m
}

// Match reports whether the slash-separated member path is ignored.
// Malformed patterns never match.
func (m *IgnoreMatcher) Match(member string) bool {
	if member == "" {
		return false
	}
	name := path.Base(member)
	for _, p := range m.base {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	for _, p := range m.whole {
		if ok, _ := path.Match(p, member); ok {
			return true
		}
	}
	return false
}

// LoadIgnore reads the ignore file under root. A missing file yields a
// matcher that only ignores the ignore file.
func LoadIgnore(fsys afero.Fs, root string) (*IgnoreMatcher, error) {
	f, err := fsys.Open(filepath.Join(root, IgnoreFile))
	if errors.Is(err, os.ErrNotExist) {
		return NewIgnoreMatcher(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", IgnoreFile, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", IgnoreFile, err)
	}
	return NewIgnoreMatcher(lines), nil
}
