// Package access decides which chats may talk to the bot. Chat ids come from
// configuration and, optionally, a file that is reloaded when it changes.
package access

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Allowlist holds the permitted chat ids
type Allowlist struct {
	mu       sync.RWMutex
	static   map[int64]struct{}
	fromFile map[int64]struct{}

	file     string
	debounce time.Duration
	timer    *time.Timer
	cancel   context.CancelFunc
}

// New creates an allowlist from configured ids. When file is non-empty its
// ids are merged in and kept current by Watch.
func New(ids []int64, file string) (*Allowlist, error) {
	a := &Allowlist{
		static:   make(map[int64]struct{}, len(ids)),
		fromFile: make(map[int64]struct{}),
		file:     file,
		debounce: 200 * time.Millisecond,
	}
	for _, id := range ids {
		a.static[id] = struct{}{}
	}
	if file != "" {
		if err := a.Reload(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// IsAllowed reports whether chatID may use the bot. Denied ids are logged.
func (a *Allowlist) IsAllowed(chatID int64) bool {
	a.mu.RLock()
	_, ok := a.static[chatID]
	if !ok {
		_, ok = a.fromFile[chatID]
	}
	a.mu.RUnlock()

	if !ok {
		log.Printf("[access] denied chat %d", chatID)
	}
	return ok
}

// Allow adds a chat id at runtime
func (a *Allowlist) Allow(chatID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.static[chatID] = struct{}{}
}

// Len returns the number of distinct permitted ids
func (a *Allowlist) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := len(a.static)
	for id := range a.fromFile {
		if _, dup := a.static[id]; !dup {
			n++
		}
	}
	return n
}

// Reload re-reads the allowlist file. A missing file empties the file set.
func (a *Allowlist) Reload() error {
	ids, err := ReadFile(a.file)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	a.mu.Lock()
	a.fromFile = set
	a.mu.Unlock()

	log.Printf("[access] loaded %d chat id(s) from %s", len(set), a.file)
	return nil
}

// ReadFile parses one chat id per line. Blank lines and lines starting
// with # are ignored.
func ReadFile(path string) ([]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ids []int64
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}
		id, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: invalid chat id %q", path, lineNo, line)
		}
		ids = append(ids, id)
	}
	return ids, scanner.Err()
}

// Watch reloads the file whenever it is written, created or renamed.
// The parent directory is watched so editors that replace the file are seen.
func (a *Allowlist) Watch(ctx context.Context) error {
	if a.file == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(a.file)); err != nil {
		watcher.Close()
		return err
	}

	a.mu.Lock()
	ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				a.handleEvent(event)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[access] watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Stop stops watching the file
func (a *Allowlist) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	if a.timer != nil {
		a.timer.Stop()
	}
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *Allowlist) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(a.file) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.debounce, func() {
		if err := a.Reload(); err != nil {
			// keep the previous set on a bad edit
			log.Printf("[access] reload failed: %v", err)
		}
	})
}

// SetDebounce sets the delay that batches rapid file changes
func (a *Allowlist) SetDebounce(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.debounce = d
}
