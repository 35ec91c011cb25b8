package sandbox

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ArtifactExtensions are the file types a sketch may render to.
var ArtifactExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".pdf":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
}

type fileStamp struct {
	modTime time.Time
	size    int64
}

// dirSnapshot records the renderable files present in a set of directories,
// keyed by path.
type dirSnapshot map[string]fileStamp

func snapshotDirs(dirs ...string) dirSnapshot {
	snap := make(dirSnapshot)
	for _, dir := range uniqueDirs(dirs) {
		for _, a := range scanDir(dir) {
			snap[a.path] = a.stamp
		}
	}
	return snap
}

type artifact struct {
	path  string
	stamp fileStamp
}

// changedSince reports whether the file is absent from the snapshot or was
// rewritten after it was taken.
func (s dirSnapshot) changedSince(a artifact) bool {
	before, ok := s[a.path]
	return !ok || !before.modTime.Equal(a.stamp.modTime) || before.size != a.stamp.size
}

// artifactSearch locates one run's output. Tiers are searched in order and
// the first tier holding new or rewritten files wins.
type artifactSearch struct {
	before dirSnapshot
	// owners are name prefixes identifying this run's files in directories
	// other sketches may share.
	owners []string
}

// collect returns the run's artifacts, oldest first. outputDir belongs to the
// run; shared directories are searched only when it holds nothing.
func (s artifactSearch) collect(outputDir string, shared ...string) []string {
	if found := s.fresh(outputDir); len(found) > 0 {
		return sortedPaths(found)
	}
	for _, dir := range uniqueDirs(shared) {
		if filepath.Clean(dir) == filepath.Clean(outputDir) {
			continue
		}
		found := s.fresh(dir)
		if len(found) == 0 {
			continue
		}
		if mine := s.owned(found); len(mine) > 0 {
			found = mine
		}
		return sortedPaths(found)
	}
	return nil
}

func (s artifactSearch) fresh(dir string) []artifact {
	if dir == "" {
		return nil
	}
	var out []artifact
	for _, a := range scanDir(filepath.Clean(dir)) {
		if s.before.changedSince(a) {
			out = append(out, a)
		}
	}
	return out
}

// owned keeps the files named after the running sketch. A concurrent run of
// a neighbouring sketch can write into the same directory.
func (s artifactSearch) owned(found []artifact) []artifact {
	var mine []artifact
	for _, a := range found {
		stem := strings.ToLower(strings.TrimSuffix(filepath.Base(a.path), filepath.Ext(a.path)))
		for _, o := range s.owners {
			if o != "" && strings.HasPrefix(stem, strings.ToLower(o)) {
				mine = append(mine, a)
				break
			}
		}
	}
	return mine
}

func scanDir(dir string) []artifact {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []artifact
	for _, e := range entries {
		if e.IsDir() || !ArtifactExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, artifact{
			path:  filepath.Join(dir, e.Name()),
			stamp: fileStamp{modTime: info.ModTime(), size: info.Size()},
		})
	}
	return out
}

func uniqueDirs(dirs []string) []string {
	seen := make(map[string]bool, len(dirs))
	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if d == "" {
			continue
		}
		clean := filepath.Clean(d)
		if seen[clean] {
			continue
		}
		seen[clean] = true
		out = append(out, clean)
	}
	return out
}

func sortedPaths(found []artifact) []string {
	sort.SliceStable(found, func(i, j int) bool {
		ti, tj := found[i].stamp.modTime, found[j].stamp.modTime
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return found[i].path < found[j].path
	})
	paths := make([]string, len(found))
	for i, a := range found {
		paths[i] = a.path
	}
	return paths
}
