package sketch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type fixture struct {
	root     string
	sketches string
	examples string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	f := fixture{
		root:     root,
		sketches: filepath.Join(root, "sketches"),
		examples: filepath.Join(root, "examples"),
	}
	for _, d := range []string{f.sketches, f.examples} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

func (f fixture) write(t *testing.T, rel, body string) string {
	t.Helper()
	p := filepath.Join(f.root, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func (f fixture) resolver(patterns ...string) *FSResolver {
	return NewFSResolver(f.root, []string{f.sketches, f.examples}, patterns, []string{".py", ".sh"})
}

func TestResolve_LookupOrder(t *testing.T) {
	f := newFixture(t)
	flat := f.write(t, "sketches/demo.py", "pass\n")
	f.write(t, "sketches/demo/demo.py", "pass\n")
	folder := f.write(t, "sketches/poster/poster.py", "pass\n")
	sketchPy := f.write(t, "sketches/book/sketch.py", "pass\n")
	example := f.write(t, "examples/grid.py", "pass\n")

	r := f.resolver()
	tests := []struct {
		name string
		want string
	}{
		{"demo", flat},
		{"demo.py", flat},
		{"poster", folder},
		{"book", sketchPy},
		{"grid", example},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := r.Resolve(tt.name)
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tt.name, err)
			}
			if s.Path != tt.want {
				t.Errorf("Resolve(%q).Path = %q, want %q", tt.name, s.Path, tt.want)
			}
			if s.Dir != filepath.Dir(tt.want) {
				t.Errorf("Resolve(%q).Dir = %q", tt.name, s.Dir)
			}
			if s.ProjectRoot != f.root {
				t.Errorf("ProjectRoot = %q, want %q", s.ProjectRoot, f.root)
			}
		})
	}
}

func TestResolve_Rejects(t *testing.T) {
	f := newFixture(t)
	f.write(t, "sketches/demo.py", "pass\n")
	f.write(t, "secret.py", "pass\n")

	r := f.resolver("demo*")
	tests := []struct {
		name    string
		wantErr error
	}{
		{"../secret", ErrInvalidName},
		{"..%2fsecret", ErrInvalidName},
		{"%2e%2e%2fsecret", ErrInvalidName},
		{"..\\secret", ErrInvalidName},
		{"..", ErrInvalidName},
		{"sub/demo", ErrInvalidName},
		{"-flag", ErrInvalidName},
		{"", ErrInvalidName},
		{"other", ErrInvalidName}, // does not match demo*
		{"demo_missing", ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(tt.name)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Resolve(%q) error = %v, want %v", tt.name, err, tt.wantErr)
			}
		})
	}
}

func TestResolve_SymlinkEscape(t *testing.T) {
	f := newFixture(t)
	outside := f.write(t, "outside/evil.py", "pass\n")
	if err := os.Symlink(outside, filepath.Join(f.sketches, "evil.py")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	_, err := f.resolver().Resolve("evil")
	if !errors.Is(err, ErrInvalidName) {
		t.Errorf("Resolve(evil) error = %v, want ErrInvalidName", err)
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"demo", "demo"},
		{"  demo  ", "demo"},
		{"de;mo`rm`", "demorm"},
		{"a$b\"c'd<e>f", "abcdef"},
		{"tab\there", "tabhere"},
	}
	for _, tt := range tests {
		if got := Sanitize(tt.in); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	long := make([]byte, 150)
	for i := range long {
		long[i] = 'a'
	}
	if got := Sanitize(string(long)); len(got) != maxNameLength {
		t.Errorf("Sanitize(long) len = %d, want %d", len(got), maxNameLength)
	}
}

func TestList(t *testing.T) {
	f := newFixture(t)
	f.write(t, "sketches/b.py", "pass\n")
	f.write(t, "sketches/a/a.py", "pass\n")
	f.write(t, "sketches/notes.txt", "x")
	f.write(t, "sketches/_private.py", "pass\n")
	f.write(t, "sketches/empty/readme.md", "x")
	f.write(t, "examples/b.py", "pass\n") // shadowed by sketches/b.py
	f.write(t, "examples/gen.sh", "true\n")

	scripts, err := f.resolver().List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var names []string
	for _, s := range scripts {
		names = append(names, s.Name)
	}
	want := []string{"a", "b", "gen"}
	if len(names) != len(want) {
		t.Fatalf("List() names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
	if scripts[1].Collection != "sketches" {
		t.Errorf("b collection = %q, want sketches", scripts[1].Collection)
	}
}

func TestList_MissingDirectory(t *testing.T) {
	r := NewFSResolver(t.TempDir(), []string{filepath.Join(t.TempDir(), "absent")}, nil, nil)
	scripts, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(scripts) != 0 {
		t.Errorf("List() = %v, want empty", scripts)
	}
}

func TestSource(t *testing.T) {
	f := newFixture(t)
	f.write(t, "sketches/demo.py", "rect(0, 0, 10, 10)\n")

	s, src, err := f.resolver().Source("demo")
	if err != nil {
		t.Fatalf("Source: %v", err)
	}
	if s.Name != "demo" || src != "rect(0, 0, 10, 10)\n" {
		t.Errorf("Source() = %q, %q", s.Name, src)
	}
}

func TestParseMetadata(t *testing.T) {
	src := `"""
Title: Concentric Circles
Author: A. Designer
Description: Rings in a grid
Tags: grid, circles ,
"""
import drawBot
`
	md := ParseMetadata("concentric_circles", src)
	if md.Title != "Concentric Circles" {
		t.Errorf("Title = %q", md.Title)
	}
	if md.Author != "A. Designer" {
		t.Errorf("Author = %q", md.Author)
	}
	if len(md.Tags) != 2 || md.Tags[1] != "circles" {
		t.Errorf("Tags = %v", md.Tags)
	}

	plain := ParseMetadata("my_sketch", "rect(0,0,1,1)\n")
	if plain.Title != "my sketch" {
		t.Errorf("default Title = %q, want %q", plain.Title, "my sketch")
	}
}
