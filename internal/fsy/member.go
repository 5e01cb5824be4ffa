package fsy

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

const (
	// LockSuffix names the lock marker written beside a member file.
	LockSuffix = ".fsy-lock"
	// SwapSuffix names the swap file written beside a member file.
	SwapSuffix = ".fsy-swap"
)

// IsArtifact reports whether p is a lock marker or swap file.
func IsArtifact(p string) bool {
	return strings.HasSuffix(p, LockSuffix) || strings.HasSuffix(p, SwapSuffix)
}

// Member is one synced file. A file group has a single member with an empty
// Path; a directory group has one member per regular file below its root,
// with Path relative to the root and slash-separated.
type Member struct {
	Group string
	Path  string
}

func (m Member) String() string {
	if m.Path == "" {
		return m.Group
	}
	return m.Group + ":" + m.Path
}

// CleanMemberPath validates a member path received from a peer. It must be
// relative, stay below the group root and not name a lock artifact.
func CleanMemberPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.ContainsRune(p, 0) || strings.Contains(p, `\`) {
		return "", fmt.Errorf("member path %q contains an illegal character: %w", p, ErrUnauthorized)
	}
	clean := path.Clean(p)
	if path.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("member path %q escapes the group root: %w", p, ErrUnauthorized)
	}
	if IsArtifact(clean) {
		return "", fmt.Errorf("member path %q names a lock artifact: %w", p, ErrUnauthorized)
	}
	return clean, nil
}

// MemberPath returns the local file for the member at rel.
func (g *TargetGroup) MemberPath(rel string) string {
	if rel == "" {
		return g.LocalPath
	}
	return filepath.Join(g.LocalPath, filepath.FromSlash(rel))
}

// memberRel returns the member path of local below the group root.
func (g *TargetGroup) memberRel(local string) (string, bool) {
	rel, err := filepath.Rel(g.LocalPath, local)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if rel == "." {
		return "", true
	}
	return filepath.ToSlash(rel), true
}
