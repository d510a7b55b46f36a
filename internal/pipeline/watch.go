package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "cronpipe/pkg/logx"
)

const (
	watchDebounce           = 250 * time.Millisecond
	watchRestartBackoffBase = 250 * time.Millisecond
	watchRestartBackoffMax  = 5 * time.Second
)

// Watch calls poke (debounced) whenever something under the root changes.
// It does not refresh the catalog itself; the scheduler owns that.
//
// fsnotify is not recursive, so the root and each pipeline directory are
// watched individually; new directories are added as they appear.
// Watch blocks until ctx is done.
func (c *Catalog) Watch(ctx context.Context, poke func()) error {
	if poke == nil {
		return nil
	}

	backoff := watchRestartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, watchRestartBackoffMax)
		return wait
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, poke)
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := c.newWatcher()
		if err != nil {
			wait := nextWait()
			c.log.Warn("pipeline watch init failed", logx.Err(err), logx.String("root", c.root), logx.Duration("backoff", wait))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
				continue
			}
		}

		backoff = watchRestartBackoffBase
		c.log.Debug("pipeline watcher started", logx.String("root", c.root))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if c.ignored(ev.Name) {
					continue
				}
				if ev.Op&fsnotify.Create != 0 {
					if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
						_ = w.Add(ev.Name)
					}
				}
				debounce()
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means events were lost; a refresh recovers the state.
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					c.log.Warn("pipeline watch overflow; forcing refresh", logx.Err(err))
					debounce()
					continue
				}
				c.log.Warn("pipeline watch error", logx.Err(err))
				if errors.Is(err, fsnotify.ErrClosed) {
					broken = true
				}
			}
		}

		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		wait := nextWait()
		c.log.Warn("pipeline watcher stopped; restarting", logx.String("root", c.root), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *Catalog) newWatcher() (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(c.root); err != nil {
		_ = w.Close()
		return nil, err
	}
	entries, err := os.ReadDir(c.root)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	for _, ent := range entries {
		if !ent.IsDir() || strings.HasPrefix(ent.Name(), ".") {
			continue
		}
		if err := w.Add(filepath.Join(c.root, ent.Name())); err != nil {
			c.log.Debug("pipeline watch add failed", logx.String("dir", ent.Name()), logx.Err(err))
		}
	}
	return w, nil
}

// ignored filters events that cannot change a definition: hidden entries
// (including the state directory), editor temp files, and anything inside a
// pipeline directory other than its definition file (jobs write there).
func (c *Catalog) ignored(name string) bool {
	rel, err := filepath.Rel(c.root, name)
	if err != nil {
		return false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for _, part := range parts {
		if strings.HasPrefix(part, ".") && part != "." {
			return true
		}
	}
	if len(parts) > 2 || (len(parts) == 2 && parts[1] != DefinitionFile) {
		return true
	}
	base := filepath.Base(name)
	return strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, ".tmp")
}
