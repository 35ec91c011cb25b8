// Package sketch locates sketch scripts inside the project's approved
// directories and refuses anything that would escape them.
package sketch

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("sketch not found")
	ErrInvalidName = errors.New("invalid sketch name")
)

const maxNameLength = 100

var (
	validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
	// Shell metacharacters and control characters stripped before validation.
	unsafeChars = regexp.MustCompile("[<>'\"$`;\\x00-\\x1f\\x7f-\\x9f]")
)

var traversalPatterns = []string{
	"../",
	"..\\",
	"..%2f",
	"..%5c",
	"%2e%2e%2f",
	"%2e%2e%5c",
	"%2e%2e/",
	"....//",
}

// Script is a resolved, runnable sketch.
type Script struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Dir         string    `json:"dir"`
	Collection  string    `json:"collection"` // base name of the sketch directory it was found in
	ProjectRoot string    `json:"-"`
	ModTime     time.Time `json:"modified"`
}

// Resolver maps sketch names to scripts.
type Resolver interface {
	Resolve(name string) (*Script, error)
}

// FSResolver resolves sketches from a fixed list of directories.
type FSResolver struct {
	root       string
	dirs       []string
	patterns   []string
	extensions []string
}

// NewFSResolver creates a resolver over dirs. Names must match one of
// patterns (path.Match syntax); extensions lists the script types to look for.
func NewFSResolver(root string, dirs, patterns, extensions []string) *FSResolver {
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	if len(extensions) == 0 {
		extensions = []string{".py"}
	}
	return &FSResolver{root: root, dirs: dirs, patterns: patterns, extensions: extensions}
}

// Dirs returns the approved sketch directories.
func (r *FSResolver) Dirs() []string { return r.dirs }

// Sanitize strips unsafe characters, caps the length and trims whitespace.
func Sanitize(name string) string {
	s := unsafeChars.ReplaceAllString(name, "")
	if len(s) > maxNameLength {
		s = s[:maxNameLength]
	}
	return strings.TrimSpace(s)
}

// IsTraversal reports whether name contains a path traversal sequence,
// including percent-encoded forms.
func IsTraversal(name string) bool {
	normalized := strings.ToLower(strings.ReplaceAll(name, "\\", "/"))
	for _, p := range traversalPatterns {
		if strings.Contains(normalized, strings.ReplaceAll(p, "\\", "/")) {
			return true
		}
	}
	return normalized == ".." || strings.HasSuffix(normalized, "/..") || strings.HasSuffix(normalized, "%2e%2e")
}

// ValidateName sanitizes name and checks it against the naming rules.
// It returns the canonical name.
func (r *FSResolver) ValidateName(name string) (string, error) {
	if IsTraversal(name) {
		return "", fmt.Errorf("%w: path traversal attempt", ErrInvalidName)
	}
	clean := Sanitize(name)
	for _, ext := range r.extensions {
		clean = strings.TrimSuffix(clean, ext)
	}
	if clean == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if !validName.MatchString(clean) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, clean)
	}
	if !r.matchesPatterns(clean) {
		return "", fmt.Errorf("%w: %q does not match allowed patterns", ErrInvalidName, clean)
	}
	return clean, nil
}

// Resolve finds the script for name. Lookup order per directory: flat
// <dir>/<name><ext>, then <dir>/<name>/<name><ext>, then <dir>/<name>/sketch<ext>.
func (r *FSResolver) Resolve(name string) (*Script, error) {
	clean, err := r.ValidateName(name)
	if err != nil {
		return nil, err
	}

	for _, dir := range r.dirs {
		for _, candidate := range r.candidates(dir, clean) {
			info, err := os.Stat(candidate)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			if !within(candidate, dir) {
				return nil, fmt.Errorf("%w: %q resolves outside %s", ErrInvalidName, clean, dir)
			}
			return &Script{
				Name:        clean,
				Path:        candidate,
				Dir:         filepath.Dir(candidate),
				Collection:  filepath.Base(dir),
				ProjectRoot: r.root,
				ModTime:     info.ModTime(),
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, clean)
}

// Source returns the script text for name.
func (r *FSResolver) Source(name string) (*Script, string, error) {
	s, err := r.Resolve(name)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(s.Path) // #nosec G304 -- path resolved within an approved directory
	if err != nil {
		return nil, "", fmt.Errorf("reading sketch %q: %w", s.Name, err)
	}
	return s, string(data), nil
}

// List enumerates every resolvable sketch, sorted by name. A name found in
// several directories is reported once, from the directory Resolve would use.
func (r *FSResolver) List() ([]Script, error) {
	seen := make(map[string]bool)
	var scripts []Script

	for _, dir := range r.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("listing %s: %w", dir, err)
		}
		for _, e := range entries {
			name := e.Name()
			if !e.IsDir() {
				ext := filepath.Ext(name)
				if !r.hasExtension(ext) {
					continue
				}
				name = strings.TrimSuffix(name, ext)
			}
			if seen[name] || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
				continue
			}
			s, err := r.Resolve(name)
			if err != nil {
				continue
			}
			seen[name] = true
			scripts = append(scripts, *s)
		}
	}

	sort.Slice(scripts, func(i, j int) bool { return scripts[i].Name < scripts[j].Name })
	return scripts, nil
}

func (r *FSResolver) candidates(dir, name string) []string {
	out := make([]string, 0, 3*len(r.extensions))
	for _, ext := range r.extensions {
		out = append(out,
			filepath.Join(dir, name+ext),
			filepath.Join(dir, name, name+ext),
			filepath.Join(dir, name, "sketch"+ext),
		)
	}
	return out
}

func (r *FSResolver) hasExtension(ext string) bool {
	for _, e := range r.extensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

func (r *FSResolver) matchesPatterns(name string) bool {
	for _, p := range r.patterns {
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// within reports whether file, after resolving symlinks, stays inside dir.
func within(file, dir string) bool {
	realFile, err := filepath.EvalSymlinks(file)
	if err != nil {
		return false
	}
	realDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(realDir, realFile)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
