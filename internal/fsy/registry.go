package fsy

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Mode is the direction of a (group, trustee) relationship.
type Mode int

const (
	// ModePush: local is authoritative, outbound only.
	ModePush Mode = iota + 1
	// ModePull: remote is authoritative, local applies only.
	ModePull
	// ModePushPull: both directions.
	ModePushPull
)

// ParseMode accepts the mode spellings found in config files.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "push":
		return ModePush, nil
	case "pull":
		return ModePull, nil
	case "pushpull", "push-pull", "push_pull":
		return ModePushPull, nil
	default:
		return 0, fmt.Errorf("unknown mode %q: %w", s, ErrConfigInvalid)
	}
}

func (m Mode) String() string {
	switch m {
	case ModePush:
		return "push"
	case ModePull:
		return "pull"
	case ModePushPull:
		return "pushpull"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Outbound reports whether local changes are sent to the trustee.
func (m Mode) Outbound() bool { return m == ModePush || m == ModePushPull }

// Inbound reports whether the trustee's changes are applied locally.
func (m Mode) Inbound() bool { return m == ModePull || m == ModePushPull }

// Target binds a group to one trustee in one direction.
type Target struct {
	Mode        Mode
	TrusteeName string
}

// TargetGroup is one synchronization unit. Name must match across peers.
type TargetGroup struct {
	Name      string
	LocalPath string
	Targets   []Target
}

// Outbound returns the Push and PushPull targets.
func (g *TargetGroup) Outbound() []Target {
	return g.filter(func(m Mode) bool { return m.Outbound() })
}

// Inbound returns the Pull and PushPull targets.
func (g *TargetGroup) Inbound() []Target {
	return g.filter(func(m Mode) bool { return m.Inbound() })
}

// inboundFrom returns the first of names this group accepts changes from.
func (g *TargetGroup) inboundFrom(names []string) (string, bool) {
	return g.firstMatch(names, Mode.Inbound)
}

// outboundTo returns the first of names this group serves content to.
func (g *TargetGroup) outboundTo(names []string) (string, bool) {
	return g.firstMatch(names, Mode.Outbound)
}

func (g *TargetGroup) firstMatch(names []string, ok func(Mode) bool) (string, bool) {
	for _, t := range g.Targets {
		if !ok(t.Mode) {
			continue
		}
		for _, name := range names {
			if t.TrusteeName == name {
				return name, true
			}
		}
	}
	return "", false
}

func (g *TargetGroup) filter(keep func(Mode) bool) []Target {
	var out []Target
	for _, t := range g.Targets {
		if keep(t.Mode) {
			out = append(out, t)
		}
	}
	return out
}

// Registry holds the validated target groups. It is built once at startup
// and never mutated.
type Registry struct {
	groups []*TargetGroup
	byName map[string]*TargetGroup
	byPath map[string]*TargetGroup
}

// NewRegistry validates groups against the trust store. Any failure wraps
// ErrConfigInvalid.
func NewRegistry(groups []TargetGroup, trust *TrustStore) (*Registry, error) {
	r := &Registry{
		byName: make(map[string]*TargetGroup, len(groups)),
		byPath: make(map[string]*TargetGroup, len(groups)),
	}

	for i := range groups {
		g := groups[i]
		if g.Name == "" {
			return nil, fmt.Errorf("target group %d has no name: %w", i, ErrConfigInvalid)
		}
		if _, dup := r.byName[g.Name]; dup {
			return nil, fmt.Errorf("duplicate target group name %q: %w", g.Name, ErrConfigInvalid)
		}
		if g.LocalPath == "" || !filepath.IsAbs(g.LocalPath) || strings.ContainsRune(g.LocalPath, 0) {
			return nil, fmt.Errorf("target group %q: path %q must be absolute: %w", g.Name, g.LocalPath, ErrConfigInvalid)
		}
		g.LocalPath = filepath.Clean(g.LocalPath)
		if other, dup := r.byPath[g.LocalPath]; dup {
			return nil, fmt.Errorf("target groups %q and %q share path %s: %w", other.Name, g.Name, g.LocalPath, ErrConfigInvalid)
		}
		for _, other := range r.groups {
			if within(other.LocalPath, g.LocalPath) || within(g.LocalPath, other.LocalPath) {
				return nil, fmt.Errorf("target groups %q and %q overlap: %w", other.Name, g.Name, ErrConfigInvalid)
			}
		}

		seen := make(map[string]bool, len(g.Targets))
		g.Targets = append([]Target(nil), g.Targets...)
		for _, t := range g.Targets {
			if t.Mode < ModePush || t.Mode > ModePushPull {
				return nil, fmt.Errorf("target group %q: trustee %q has no valid mode: %w", g.Name, t.TrusteeName, ErrConfigInvalid)
			}
			if _, err := trust.Resolve(t.TrusteeName); err != nil {
				return nil, fmt.Errorf("target group %q: %v: %w", g.Name, err, ErrConfigInvalid)
			}
			if seen[t.TrusteeName] {
				return nil, fmt.Errorf("target group %q lists trustee %q twice: %w", g.Name, t.TrusteeName, ErrConfigInvalid)
			}
			seen[t.TrusteeName] = true
		}

		r.groups = append(r.groups, &g)
		r.byName[g.Name] = &g
		r.byPath[g.LocalPath] = &g
	}
	return r, nil
}

// ListGroups returns all groups in config order.
func (r *Registry) ListGroups() []*TargetGroup {
	return append([]*TargetGroup(nil), r.groups...)
}

// FindByName returns the named group or ErrNotFound.
func (r *Registry) FindByName(name string) (*TargetGroup, error) {
	g, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("target group %q: %w", name, ErrNotFound)
	}
	return g, nil
}

// FindByPath returns the group syncing path and the member path of path
// within it. path may be the group root or any file below it.
func (r *Registry) FindByPath(path string) (*TargetGroup, string, bool) {
	path = filepath.Clean(path)
	for dir := path; ; {
		if g, ok := r.byPath[dir]; ok {
			rel, ok := g.memberRel(path)
			return g, rel, ok
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, "", false
		}
		dir = parent
	}
}

// TargetsFor returns the group's targets whose mode is one of modes.
// With no modes every target is returned.
func (r *Registry) TargetsFor(group string, modes ...Mode) ([]Target, error) {
	g, err := r.FindByName(group)
	if err != nil {
		return nil, err
	}
	if len(modes) == 0 {
		return append([]Target(nil), g.Targets...), nil
	}
	return g.filter(func(m Mode) bool {
		for _, want := range modes {
			if m == want {
				return true
			}
		}
		return false
	}), nil
}

// within reports whether child lies strictly below parent.
func within(parent, child string) bool {
	prefix := parent
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(child, prefix)
}
