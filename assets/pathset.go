package assets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrUnknownClass is returned when a PathSet has no rule for a class.
var ErrUnknownClass = errors.New("no rule for asset class")

// Rule binds one asset class to its input pattern and output location.
type Rule struct {
	Class Class
	// Pattern is a slash separated doublestar pattern relative to the project root.
	Pattern string
	// OutDir is relative to the destination root. Empty means the root itself.
	OutDir string
	Mode   OutputMode
	// Ext replaces the input extension when non-empty.
	Ext string
	// Emit reports whether the class produces files in the destination tree.
	Emit bool
	// Required makes a missing input directory a fatal configuration error.
	Required bool
}

// PathSet resolves inputs and outputs for every asset class of one project.
type PathSet struct {
	root  string
	dist  string
	rules map[Class]Rule
	bases map[Class]string
}

// New validates the rules and returns a PathSet rooted at root writing into dist.
func New(root, dist string, rules []Rule) (*PathSet, error) {
	if strings.TrimSpace(dist) == "" {
		return nil, fmt.Errorf("destination directory not configured")
	}
	if root == "" {
		root = "."
	}
	ps := &PathSet{
		root:  filepath.Clean(root),
		dist:  filepath.Clean(dist),
		rules: make(map[Class]Rule, len(rules)),
		bases: make(map[Class]string, len(rules)),
	}
	for _, rule := range rules {
		pattern := strings.TrimPrefix(path.Clean(filepath.ToSlash(rule.Pattern)), "./")
		if pattern == "" || pattern == "." || !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("%s: invalid pattern %q", rule.Class, rule.Pattern)
		}
		if _, dup := ps.rules[rule.Class]; dup {
			return nil, fmt.Errorf("%s: duplicate rule", rule.Class)
		}
		rule.Pattern = pattern
		rule.OutDir = filepath.ToSlash(strings.Trim(rule.OutDir, "/"))
		if rule.Ext != "" && !strings.HasPrefix(rule.Ext, ".") {
			rule.Ext = "." + rule.Ext
		}
		base, _ := doublestar.SplitPattern(pattern)
		ps.rules[rule.Class] = rule
		ps.bases[rule.Class] = base
	}
	return ps, nil
}

// Root returns the project root patterns are resolved against.
func (p *PathSet) Root() string { return p.root }

// Dist returns the destination root.
func (p *PathSet) Dist() string { return p.dist }

// Rule returns the rule registered for c.
func (p *PathSet) Rule(c Class) (Rule, bool) {
	r, ok := p.rules[c]
	return r, ok
}

// Abs converts a root relative slash path into a filesystem path.
func (p *PathSet) Abs(rel string) string {
	return filepath.Join(p.root, filepath.FromSlash(rel))
}

// Rel converts a filesystem path into a root relative slash path.
func (p *PathSet) Rel(name string) (string, error) {
	rootAbs, err := filepath.Abs(p.root)
	if err != nil {
		return "", err
	}
	nameAbs, err := filepath.Abs(name)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(rootAbs, nameAbs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", name, p.root)
	}
	return rel, nil
}

// Base returns the static directory prefix of the class pattern on disk.
func (p *PathSet) Base(c Class) string {
	base, ok := p.bases[c]
	if !ok {
		return ""
	}
	return p.Abs(base)
}

// Exists reports whether the base directory of the class is present.
func (p *PathSet) Exists(c Class) bool {
	base := p.Base(c)
	if base == "" {
		return false
	}
	info, err := os.Stat(base)
	return err == nil && info.IsDir()
}

// Match reports whether rel is selected by the pattern of c.
func (p *PathSet) Match(c Class, rel string) bool {
	rule, ok := p.rules[c]
	if !ok {
		return false
	}
	matched, err := doublestar.Match(rule.Pattern, rel)
	return err == nil && matched
}

// Files lists the inputs of c as sorted root relative slash paths.
// A missing base directory yields no files and no error.
func (p *PathSet) Files(c Class) ([]string, error) {
	if _, ok := p.rules[c]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, c)
	}
	if !p.Exists(c) {
		return nil, nil
	}
	distAbs, _ := filepath.Abs(p.dist)
	files := make([]string, 0, 32)
	err := filepath.WalkDir(p.Base(c), func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if abs, _ := filepath.Abs(name); abs == distAbs {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := p.Rel(name)
		if err != nil {
			return err
		}
		if p.Match(c, rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s inputs: %w", c, err)
	}
	sort.Strings(files)
	return files, nil
}

// Classify returns the class owning rel. Specific classes win over GenericAsset.
func (p *PathSet) Classify(rel string) (Class, bool) {
	for _, c := range classifyOrder {
		if p.Match(c, rel) {
			return c, true
		}
	}
	return 0, false
}

// Claimed reports whether an emitting class other than GenericAsset selects rel.
func (p *PathSet) Claimed(rel string) bool {
	for _, c := range classifyOrder {
		if c == GenericAsset {
			continue
		}
		if rule := p.rules[c]; rule.Emit && p.Match(c, rel) {
			return true
		}
	}
	return false
}

// OutputPath maps an input of class c onto its destination file.
func (p *PathSet) OutputPath(c Class, rel string) (string, error) {
	rule, ok := p.rules[c]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownClass, c)
	}
	if !rule.Emit {
		return "", fmt.Errorf("%s inputs produce no output", c)
	}
	var name string
	switch rule.Mode {
	case Flat:
		name = path.Base(rel)
	default:
		base := p.bases[c]
		name = strings.TrimPrefix(rel, base+"/")
		if base == "." || base == "" {
			name = rel
		}
	}
	if rule.Ext != "" {
		name = strings.TrimSuffix(name, path.Ext(name)) + rule.Ext
	}
	return filepath.Join(p.dist, filepath.FromSlash(rule.OutDir), filepath.FromSlash(name)), nil
}

// OutputDirs lists the destination directories declared by emitting rules.
func (p *PathSet) OutputDirs() []string {
	seen := make(map[string]struct{})
	dirs := make([]string, 0, len(p.rules))
	for _, c := range Classes() {
		rule, ok := p.rules[c]
		if !ok || !rule.Emit {
			continue
		}
		dir := filepath.Join(p.dist, filepath.FromSlash(rule.OutDir))
		if _, dup := seen[dir]; dup {
			continue
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}
	return dirs
}

// WatchRoots returns the distinct existing base directories of all classes.
func (p *PathSet) WatchRoots() []string {
	seen := make(map[string]struct{})
	roots := make([]string, 0, len(p.bases))
	for _, c := range Classes() {
		if !p.Exists(c) {
			continue
		}
		base := p.Base(c)
		if _, dup := seen[base]; dup {
			continue
		}
		seen[base] = struct{}{}
		roots = append(roots, base)
	}
	sort.Strings(roots)
	return roots
}
