package preview

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"sketchbook/internal/monitor"
	"sketchbook/internal/render"
)

const (
	metaFile      = "meta.json"
	currentFile   = "current.json"
	thumbFile     = "thumb.png"
	tmpPrefix     = ".tmp-"
	versionPrefix = "v"
)

// CacheOptions configures a Cache.
type CacheOptions struct {
	Dir           string
	MaxVersions   int           // per sketch, the latest always survives
	MaxAge        time.Duration // zero disables age-based eviction
	MemoryEntries int           // page payloads kept in memory
	ThumbWidth    int
	ThumbHeight   int
	DisplayScale  float64
	Metrics       *monitor.Metrics
}

type pageKey struct {
	sketch  string
	version int
	page    int
}

type sketchIndex struct {
	put      sync.Mutex // serializes version assignment and publication
	versions map[int]*Version
	highest  int
	latest   int
	lastGood int
}

type pointer struct {
	Version  int       `json:"version"`
	LastGood int       `json:"last_good"`
	Updated  time.Time `json:"updated"`
}

// Cache is the versioned on-disk preview store. A version becomes visible
// only after its directory has been fully written and renamed into place.
type Cache struct {
	opts CacheOptions
	mem  *lru.Cache[pageKey, []byte]

	mu     sync.RWMutex
	index  map[string]*sketchIndex
	closed bool
}

// NewCache opens the cache at opts.Dir, creating it if needed, and rebuilds
// the index from what is on disk.
func NewCache(opts CacheOptions) (*Cache, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	if opts.MaxVersions < 1 {
		opts.MaxVersions = 5
	}
	if opts.MemoryEntries < 1 {
		opts.MemoryEntries = 64
	}
	if opts.ThumbWidth < 1 {
		opts.ThumbWidth = 300
	}
	if opts.ThumbHeight < 1 {
		opts.ThumbHeight = 200
	}
	if opts.DisplayScale <= 0 {
		opts.DisplayScale = 1
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	mem, err := lru.New[pageKey, []byte](opts.MemoryEntries)
	if err != nil {
		return nil, fmt.Errorf("creating page cache: %w", err)
	}

	c := &Cache{
		opts:  opts,
		mem:   mem,
		index: make(map[string]*sketchIndex),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.opts.Dir }

func validID(id string) bool {
	if id == "" || strings.HasPrefix(id, ".") || strings.ContainsAny(id, `/\`) {
		return false
	}
	return id == filepath.Base(id)
}

func versionDir(n int) string {
	return fmt.Sprintf("%s%07d", versionPrefix, n)
}

func parseVersionDir(name string) (int, bool) {
	if !strings.HasPrefix(name, versionPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, versionPrefix))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func pageFile(n int) string {
	return fmt.Sprintf("page_%d.png", n)
}

// load scans the cache root. Interrupted writes and versions whose metadata
// cannot be read are removed.
func (c *Cache) load() error {
	entries, err := os.ReadDir(c.opts.Dir)
	if err != nil {
		return fmt.Errorf("scanning cache dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !validID(e.Name()) {
			continue
		}
		id := e.Name()
		root := filepath.Join(c.opts.Dir, id)
		children, err := os.ReadDir(root)
		if err != nil {
			log.Warn().Err(err).Str("sketch", id).Msg("skipping unreadable cache entry")
			continue
		}
		idx := &sketchIndex{versions: make(map[int]*Version)}
		for _, child := range children {
			name := child.Name()
			if strings.HasPrefix(name, tmpPrefix) {
				_ = os.RemoveAll(filepath.Join(root, name))
				removed++
				continue
			}
			n, ok := parseVersionDir(name)
			if !ok || !child.IsDir() {
				continue
			}
			v, err := readMeta(filepath.Join(root, name))
			if err != nil || v.Number != n || v.Sketch != id {
				log.Warn().Err(err).Str("sketch", id).Int("version", n).Msg("removing corrupt cache version")
				_ = os.RemoveAll(filepath.Join(root, name))
				removed++
				continue
			}
			idx.versions[n] = v
			if n > idx.highest {
				idx.highest = n
			}
		}
		if len(idx.versions) == 0 {
			continue
		}

		idx.latest = idx.highest
		if p, err := readPointer(filepath.Join(root, currentFile)); err == nil {
			if _, ok := idx.versions[p.Version]; ok {
				idx.latest = p.Version
			}
		}
		for n := idx.latest; n > 0; n-- {
			if v, ok := idx.versions[n]; ok && v.OK() {
				idx.lastGood = n
				break
			}
		}
		c.index[id] = idx
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("cleaned up incomplete cache entries")
	}
	log.Info().Int("sketches", len(c.index)).Str("dir", c.opts.Dir).Msg("preview cache loaded")
	return nil
}

func readMeta(dir string) (*Version, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile)) // #nosec G304 -- path under the cache root
	if err != nil {
		return nil, err
	}
	var v Version
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", metaFile, err)
	}
	for _, p := range v.Pages {
		if _, err := os.Stat(filepath.Join(dir, pageFile(p.Index))); err != nil {
			return nil, fmt.Errorf("page %d missing: %w", p.Index, err)
		}
	}
	return &v, nil
}

func readPointer(path string) (*pointer, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path under the cache root
	if err != nil {
		return nil, err
	}
	var p pointer
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp := filepath.Join(filepath.Dir(path), tmpPrefix+uuid.New().String())
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (c *Cache) sketch(id string, create bool) (*sketchIndex, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCacheClosed
	}
	idx, ok := c.index[id]
	if !ok {
		if !create {
			return nil, ErrNotFound
		}
		idx = &sketchIndex{versions: make(map[int]*Version)}
		c.index[id] = idx
	}
	return idx, nil
}

// Put stores pages as the next version of sketch id and marks it latest.
// Error and empty records are stored with zero pages.
func (c *Cache) Put(id string, pages []render.Page, rec Record) (*Version, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if rec.Status == "" {
		rec.Status = StatusSuccess
	}
	if rec.Status == StatusSuccess && len(pages) == 0 {
		rec.Status = StatusEmpty
	}
	if rec.Status == StatusError {
		pages = nil
	}

	idx, err := c.sketch(id, true)
	if err != nil {
		return nil, err
	}
	idx.put.Lock()
	defer idx.put.Unlock()

	c.mu.RLock()
	n := idx.highest + 1
	c.mu.RUnlock()

	root := filepath.Join(c.opts.Dir, id)
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("creating sketch cache dir: %w", err)
	}
	tmp := filepath.Join(root, tmpPrefix+uuid.New().String())
	if err := os.Mkdir(tmp, 0o750); err != nil {
		return nil, fmt.Errorf("creating version dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmp)
		}
	}()

	v := &Version{
		Sketch:         id,
		Number:         n,
		Status:         rec.Status,
		ExecID:         rec.ExecID,
		Classification: rec.Classification,
		Message:        rec.Message,
		Stderr:         rec.Stderr,
		DurationMS:     rec.Duration.Milliseconds(),
		CreatedAt:      time.Now().UTC(),
		Pages:          make([]PageInfo, 0, len(pages)),
	}
	for i, p := range pages {
		index := i + 1
		if err := os.WriteFile(filepath.Join(tmp, pageFile(index)), p.Data, 0o640); err != nil {
			return nil, fmt.Errorf("writing page %d: %w", index, err)
		}
		dw, dh := p.DisplaySize(c.opts.DisplayScale)
		sum := sha256.Sum256(p.Data)
		v.Pages = append(v.Pages, PageInfo{
			Index:         index,
			Width:         p.Width,
			Height:        p.Height,
			DisplayWidth:  dw,
			DisplayHeight: dh,
			Size:          int64(len(p.Data)),
			ETag:          `"` + hex.EncodeToString(sum[:12]) + `"`,
		})
	}
	if len(pages) > 0 {
		thumb, err := Thumbnail(pages[0].Data, c.opts.ThumbWidth, c.opts.ThumbHeight)
		if err != nil {
			log.Warn().Err(err).Str("sketch", id).Int("version", n).Msg("thumbnail generation failed")
		} else if err := os.WriteFile(filepath.Join(tmp, thumbFile), thumb, 0o640); err == nil {
			v.Thumbnail = true
		}
	}

	meta, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, metaFile), meta, 0o640); err != nil {
		return nil, fmt.Errorf("writing metadata: %w", err)
	}

	final := filepath.Join(root, versionDir(n))
	if err := os.Rename(tmp, final); err != nil {
		return nil, fmt.Errorf("publishing version: %w", err)
	}
	committed = true

	c.mu.Lock()
	idx.versions[n] = v
	idx.highest = n
	idx.latest = n
	if v.OK() {
		idx.lastGood = n
	}
	ptr := pointer{Version: n, LastGood: idx.lastGood, Updated: v.CreatedAt}
	c.mu.Unlock()

	if data, err := json.Marshal(ptr); err == nil {
		if err := writeFileAtomic(filepath.Join(root, currentFile), data); err != nil {
			log.Warn().Err(err).Str("sketch", id).Msg("failed to write current pointer")
		}
	}

	for i, p := range pages {
		c.mem.Add(pageKey{id, n, i + 1}, p.Data)
	}
	c.opts.Metrics.RecordCacheVersion("stored", 1)

	log.Debug().Str("sketch", id).Int("version", n).Str("status", string(v.Status)).Int("pages", len(v.Pages)).Msg("preview version stored")

	if evicted := c.evict(id, idx, time.Now()); evicted > 0 {
		c.opts.Metrics.RecordCacheVersion("evicted", evicted)
	}
	return v.clone(), nil
}

// Get returns version n of sketch id, or the latest version when n is zero.
func (c *Cache) Get(id string, n int) (*Version, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.index[id]
	if !ok {
		return nil, ErrNotFound
	}
	if n == 0 {
		n = idx.latest
	}
	v, ok := idx.versions[n]
	if !ok {
		return nil, ErrNotFound
	}
	return v.clone(), nil
}

// Current is the headline version for sketch id, which may be an error.
func (c *Cache) Current(id string) (*Version, error) {
	return c.Get(id, 0)
}

// LastGood is the newest version of sketch id that rendered pages.
func (c *Cache) LastGood(id string) (*Version, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.index[id]
	if !ok || idx.lastGood == 0 {
		return nil, ErrNotFound
	}
	v, ok := idx.versions[idx.lastGood]
	if !ok {
		return nil, ErrNotFound
	}
	return v.clone(), nil
}

// Versions lists the retained version numbers of sketch id in ascending order.
func (c *Cache) Versions(id string) []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.index[id]
	if !ok {
		return nil
	}
	out := make([]int, 0, len(idx.versions))
	for n := range idx.versions {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// Sketches lists every sketch with at least one retained version.
func (c *Cache) Sketches() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.index))
	for id, idx := range c.index {
		if len(idx.versions) > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Page returns the PNG bytes of page p (1-based) of version n.
func (c *Cache) Page(id string, n, p int) ([]byte, *PageInfo, error) {
	v, err := c.Get(id, n)
	if err != nil {
		return nil, nil, err
	}
	if p < 1 || p > len(v.Pages) {
		return nil, nil, ErrNotFound
	}
	info := v.Pages[p-1]
	key := pageKey{id, v.Number, p}
	if data, ok := c.mem.Get(key); ok {
		c.opts.Metrics.RecordCacheRead("memory")
		return data, &info, nil
	}
	data, err := os.ReadFile(filepath.Join(c.opts.Dir, id, versionDir(v.Number), pageFile(p))) // #nosec G304 -- id validated, path under the cache root
	if err != nil {
		if os.IsNotExist(err) {
			// evicted between the index lookup and the read
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("reading page: %w", err)
	}
	c.mem.Add(key, data)
	c.opts.Metrics.RecordCacheRead("disk")
	return data, &info, nil
}

// Pages returns every page payload of version n in order.
func (c *Cache) Pages(id string, n int) ([][]byte, error) {
	v, err := c.Get(id, n)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(v.Pages))
	for _, p := range v.Pages {
		data, _, err := c.Page(id, v.Number, p.Index)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// Thumbnail returns the thumbnail of the last good version of sketch id.
func (c *Cache) Thumbnail(id string) ([]byte, *Version, error) {
	v, err := c.LastGood(id)
	if err != nil {
		return nil, nil, err
	}
	if !v.Thumbnail {
		return nil, nil, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(c.opts.Dir, id, versionDir(v.Number), thumbFile)) // #nosec G304 -- path under the cache root
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	return data, v, nil
}

// evict removes versions beyond MaxVersions and older than MaxAge. The
// latest version is never removed. Caller holds idx.put.
func (c *Cache) evict(id string, idx *sketchIndex, now time.Time) int {
	c.mu.Lock()
	numbers := make([]int, 0, len(idx.versions))
	for n := range idx.versions {
		numbers = append(numbers, n)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(numbers)))

	var doomed []int
	kept := 0
	for _, n := range numbers {
		if n == idx.latest {
			kept++
			continue
		}
		v := idx.versions[n]
		tooOld := c.opts.MaxAge > 0 && now.Sub(v.CreatedAt) > c.opts.MaxAge
		if kept >= c.opts.MaxVersions || tooOld {
			doomed = append(doomed, n)
			continue
		}
		kept++
	}
	for _, n := range doomed {
		pages := len(idx.versions[n].Pages)
		delete(idx.versions, n)
		for p := 1; p <= pages; p++ {
			c.mem.Remove(pageKey{id, n, p})
		}
	}
	if _, ok := idx.versions[idx.lastGood]; !ok {
		idx.lastGood = 0
		for n, v := range idx.versions {
			if v.OK() && n > idx.lastGood {
				idx.lastGood = n
			}
		}
	}
	c.mu.Unlock()

	for _, n := range doomed {
		if err := os.RemoveAll(filepath.Join(c.opts.Dir, id, versionDir(n))); err != nil {
			log.Warn().Err(err).Str("sketch", id).Int("version", n).Msg("failed to remove evicted version")
		}
	}
	if len(doomed) > 0 {
		log.Debug().Str("sketch", id).Ints("versions", doomed).Msg("evicted preview versions")
	}
	return len(doomed)
}

// Sweep applies retention to every sketch and returns the number of versions removed.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.RLock()
	ids := make([]string, 0, len(c.index))
	for id := range c.index {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	total := 0
	for _, id := range ids {
		idx, err := c.sketch(id, false)
		if err != nil {
			continue
		}
		idx.put.Lock()
		total += c.evict(id, idx, now)
		idx.put.Unlock()
	}
	if total > 0 {
		c.opts.Metrics.RecordCacheVersion("evicted", total)
		log.Info().Int("evicted", total).Msg("cache sweep complete")
	}
	return total
}

// Run sweeps the cache every interval until ctx is cancelled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Sweep(now)
		}
	}
}

// Close stops accepting new versions.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.mem.Purge()
}
