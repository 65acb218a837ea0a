package tile

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	modTimeFile = "modtime.txt"
	unsavedFile = "unsaved"
	tileExt     = ".png"
)

// CachePath derives the on-disk cache directory for a document URI:
// <root>/<h[0]>/<h[1]>/<h[2]>/<h[3:]> where h is the SHA-1 hex of the URI.
func CachePath(root, uri string) string {
	sum := sha1.Sum([]byte(uri))
	h := hex.EncodeToString(sum[:])
	return filepath.Join(root, h[:1], h[1:2], h[2:3], h[3:])
}

// Cache is a content-addressed store of rendered tiles for one document.
// Rendered payloads live on disk; pending renders carry the set of session
// ids to notify on arrival. A descriptor is requested from the kit at most
// once while its render is outstanding.
type Cache struct {
	dir string

	mu          sync.Mutex
	subscribers map[string][]string
	unsaved     bool
}

// New opens the cache for (uri, modified, root). A stored last-modified
// stamp that disagrees with the document's invalidates all cached tiles.
func New(uri string, modified time.Time, root string) (*Cache, error) {
	c := &Cache{
		dir:         CachePath(root, uri),
		subscribers: make(map[string][]string),
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tile cache dir: %w", err)
	}
	stored, err := c.LoadLastModified()
	if err == nil && !stored.Equal(modified) {
		if err := c.purgeTiles(); err != nil {
			return nil, err
		}
	}
	if err := c.SaveLastModified(modified); err != nil {
		return nil, err
	}
	c.unsaved = c.hasUnsavedMarker()
	return c, nil
}

func (c *Cache) tilePath(d Desc) string {
	return filepath.Join(c.dir, d.Key()+tileExt)
}

// Lookup returns the cached payload for a descriptor, if rendered.
func (c *Cache) Lookup(d Desc) ([]byte, bool) {
	data, err := os.ReadFile(c.tilePath(d))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	return data, true
}

// Subscribe records a session waiting on a render. The first subscription
// for a descriptor returns true: only then must the caller forward a
// render request to the kit.
func (c *Cache) Subscribe(d Desc, sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := d.Key()
	subs := c.subscribers[key]
	for _, id := range subs {
		if id == sessionID {
			return false
		}
	}
	c.subscribers[key] = append(subs, sessionID)
	return len(subs) == 0
}

// Save stores a rendered payload and returns the sessions to notify.
// Empty payloads are never stored.
func (c *Cache) Save(d Desc, data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if err := os.WriteFile(c.tilePath(d), data, 0o644); err != nil {
		return nil, fmt.Errorf("save tile %s: %w", d.Key(), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	key := d.Key()
	subs := c.subscribers[key]
	delete(c.subscribers, key)
	return subs, nil
}

// CancelTiles drops the session's pending subscriptions. Descriptors whose
// only subscriber was that session are returned serialized as a
// "canceltiles ..." frame for the kit; empty string when nothing to cancel.
func (c *Cache) CancelTiles(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var cancelled []string
	for key, subs := range c.subscribers {
		remaining := subs[:0]
		for _, id := range subs {
			if id != sessionID {
				remaining = append(remaining, id)
			}
		}
		if len(remaining) == len(subs) {
			continue
		}
		if len(remaining) == 0 {
			delete(c.subscribers, key)
			cancelled = append(cancelled, key)
		} else {
			c.subscribers[key] = remaining
		}
	}
	if len(cancelled) == 0 {
		return ""
	}
	sort.Strings(cancelled)
	return "canceltiles " + strings.Join(cancelled, " ")
}

// Invalidate removes entries matching an "invalidatetiles:" selector:
// either "EMPTY[, <part>]" (drop everything) or a part plus rectangle
// "part=P x=X y=Y width=W height=H" in document coordinates. Pending
// subscriptions for matching entries are dropped too; re-requests will
// carry a fresh version.
func (c *Cache) Invalidate(selector string) error {
	selector = strings.TrimSpace(selector)
	if strings.HasPrefix(selector, "EMPTY") {
		c.mu.Lock()
		c.subscribers = make(map[string][]string)
		c.mu.Unlock()
		return c.purgeTiles()
	}

	tokens := strings.Fields(selector)
	pairs := make(map[string]int)
	for _, t := range tokens {
		if i := strings.IndexByte(t, '='); i > 0 {
			if n, err := strconv.Atoi(t[i+1:]); err == nil {
				pairs[t[:i]] = n
			}
		}
	}
	part, okPart := pairs["part"]
	x, okX := pairs["x"]
	y, okY := pairs["y"]
	width, okW := pairs["width"]
	height, okH := pairs["height"]
	if !okPart || !okX || !okY || !okW || !okH {
		return fmt.Errorf("bad invalidatetiles selector: %q", selector)
	}

	match := func(d Desc) bool {
		if part >= 0 && d.Part != part {
			return false
		}
		return d.PosX+d.TileWidth > x && d.PosX < x+width &&
			d.PosY+d.TileHeight > y && d.PosY < y+height
	}

	c.mu.Lock()
	for key := range c.subscribers {
		if d, err := descFromKey(key); err == nil && match(d) {
			delete(c.subscribers, key)
		}
	}
	c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, tileExt) {
			continue
		}
		d, err := descFromKey(strings.TrimSuffix(name, tileExt))
		if err != nil {
			continue
		}
		if match(d) {
			_ = os.Remove(filepath.Join(c.dir, name))
		}
	}
	return nil
}

// SetUnsavedChanges tracks document dirtiness across process restarts with
// an on-disk marker.
func (c *Cache) SetUnsavedChanges(value bool) {
	c.mu.Lock()
	changed := c.unsaved != value
	c.unsaved = value
	c.mu.Unlock()
	if !changed {
		return
	}
	marker := filepath.Join(c.dir, unsavedFile)
	if value {
		_ = os.WriteFile(marker, nil, 0o644)
	} else {
		_ = os.Remove(marker)
	}
}

func (c *Cache) HasUnsavedChanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsaved
}

func (c *Cache) hasUnsavedMarker() bool {
	_, err := os.Stat(filepath.Join(c.dir, unsavedFile))
	return err == nil
}

// SaveLastModified persists the document's storage timestamp.
func (c *Cache) SaveLastModified(t time.Time) error {
	data := strconv.FormatInt(t.UnixNano(), 10)
	if err := os.WriteFile(filepath.Join(c.dir, modTimeFile), []byte(data), 0o644); err != nil {
		return fmt.Errorf("save cache modtime: %w", err)
	}
	return nil
}

func (c *Cache) LoadLastModified() (time.Time, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, modTimeFile))
	if err != nil {
		return time.Time{}, err
	}
	nanos, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cache modtime: %w", err)
	}
	return time.Unix(0, nanos), nil
}

// CompleteCleanup removes every trace of the document from disk.
func (c *Cache) CompleteCleanup() error {
	c.mu.Lock()
	c.subscribers = make(map[string][]string)
	c.mu.Unlock()
	return os.RemoveAll(c.dir)
}

func (c *Cache) purgeTiles() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), tileExt) {
			if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func descFromKey(key string) (Desc, error) {
	var d Desc
	_, err := fmt.Sscanf(key, "%d_%dx%d.%d,%d.%dx%d",
		&d.Part, &d.ImgWidth, &d.ImgHeight, &d.PosX, &d.PosY, &d.TileWidth, &d.TileHeight)
	if err != nil {
		return Desc{}, fmt.Errorf("%w: %s", ErrBadDesc, key)
	}
	return d, nil
}
