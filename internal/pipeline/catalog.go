package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "cronpipe/pkg/logx"
)

// Catalog holds the pipelines loaded from the immediate sub-directories of a
// root directory.
type Catalog struct {
	root string
	log  logx.Logger

	mu    sync.RWMutex
	byID  map[string]*Pipeline
	order []string

	// lastErr remembers the last error reported per directory so a broken
	// definition is reported once per change rather than on every refresh.
	lastErr map[string]string
}

func NewCatalog(root string, log logx.Logger) *Catalog {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Catalog{
		root:    root,
		log:     log,
		byID:    map[string]*Pipeline{},
		lastErr: map[string]string{},
	}
}

func (c *Catalog) Root() string { return c.root }

// Get returns the current snapshot of one pipeline.
func (c *Catalog) Get(id string) (*Pipeline, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byID[id]
	return p, ok
}

// Snapshot returns the loaded pipelines ordered by id.
func (c *Catalog) Snapshot() []*Pipeline {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Pipeline, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

// Refresh rescans the root directory and swaps in the new set of pipelines.
//
// Broken definitions are excluded and listed in Diff.Errors. The only error
// returned is ErrRootUnreadable, in which case the catalog is left untouched.
func (c *Catalog) Refresh() (Diff, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return Diff{}, fmt.Errorf("%w: %s: %v", ErrRootUnreadable, c.root, err)
	}

	c.mu.RLock()
	prev := c.byID
	c.mu.RUnlock()

	owner := make(map[string]string, len(prev))
	byDir := make(map[string]*Pipeline, len(prev))
	for id, p := range prev {
		owner[id] = p.Dir
		byDir[p.Dir] = p
	}

	var (
		diff    Diff
		loaded  []*Pipeline
		errsDir = map[string]error{}
	)
	for _, ent := range entries {
		name := ent.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		dir, err := filepath.Abs(filepath.Join(c.root, name))
		if err != nil {
			continue
		}
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			continue
		}

		p, err := c.load(dir, byDir[dir])
		if err != nil {
			errsDir[dir] = err
			continue
		}
		loaded = append(loaded, p)
	}

	// Resolve duplicate ids: the directory that already owns an id keeps it,
	// otherwise the first directory in lexical order wins.
	next := make(map[string]*Pipeline, len(loaded))
	for _, p := range loaded {
		cur, dup := next[p.ID]
		if !dup {
			next[p.ID] = p
			continue
		}
		keep, drop := cur, p
		if owner[p.ID] == p.Dir {
			keep, drop = p, cur
		}
		next[p.ID] = keep
		errsDir[drop.Dir] = defErr(KindDuplicate, filepath.Join(drop.Dir, DefinitionFile), drop.ID,
			fmt.Errorf("id already declared by %s", keep.Dir))
	}

	for id, p := range next {
		old, ok := prev[id]
		switch {
		case !ok:
			diff.Added = append(diff.Added, id)
		case old.Hash != p.Hash || old.Dir != p.Dir:
			diff.Updated = append(diff.Updated, id)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			diff.Removed = append(diff.Removed, id)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Updated)
	sort.Strings(diff.Removed)

	order := make([]string, 0, len(next))
	for id := range next {
		order = append(order, id)
	}
	sort.Strings(order)

	dirs := make([]string, 0, len(errsDir))
	for d := range errsDir {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	for _, d := range dirs {
		diff.Errors = append(diff.Errors, errsDir[d])
	}

	c.mu.Lock()
	c.byID = next
	c.order = order
	c.reportLocked(errsDir)
	c.mu.Unlock()

	for _, id := range diff.Added {
		p := next[id]
		c.log.Info("pipeline loaded",
			logx.String("pipeline", id),
			logx.String("dir", p.Dir),
			logx.String("expression", p.Expression),
			logx.Int("stages", len(p.Stages)),
			logx.Int("jobs", len(p.Jobs)),
		)
	}
	for _, id := range diff.Updated {
		c.log.Info("pipeline reloaded", logx.String("pipeline", id), logx.String("expression", next[id].Expression))
	}
	for _, id := range diff.Removed {
		c.log.Info("pipeline removed", logx.String("pipeline", id))
	}
	return diff, nil
}

// load decodes the definition in dir, reusing cur when the content is unchanged.
func (c *Catalog) load(dir string, cur *Pipeline) (*Pipeline, error) {
	path := filepath.Join(dir, DefinitionFile)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, defErr(KindRead, path, "", err)
	}
	if cur != nil && cur.Hash == hashBytes(b) {
		return cur, nil
	}
	return Decode(dir, b)
}

func (c *Catalog) reportLocked(errsDir map[string]error) {
	for dir, err := range errsDir {
		msg := err.Error()
		if c.lastErr[dir] == msg {
			continue
		}
		c.lastErr[dir] = msg

		fields := []logx.Field{logx.String("dir", dir), logx.Err(err)}
		var de *DefinitionError
		if errors.As(err, &de) {
			fields = append(fields, logx.String("kind", string(de.Kind)))
			if de.ID != "" {
				fields = append(fields, logx.String("pipeline", de.ID))
			}
		}
		if de != nil && de.Kind == KindDuplicate {
			c.log.Warn("pipeline id conflict", fields...)
		} else {
			c.log.Warn("pipeline reload failed", fields...)
		}
	}
	for dir := range c.lastErr {
		if _, still := errsDir[dir]; !still {
			delete(c.lastErr, dir)
		}
	}
}
