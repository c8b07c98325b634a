package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const reloadDebounce = 100 * time.Millisecond

// fileDoc is the on-disk layout of a tenants file:
//
//	tenants:
//	  acme:
//	    provider: anthropic
//	    daily_budget_micros: 5000000
type fileDoc struct {
	Tenants map[string]Override `yaml:"tenants"`
}

// FileSource serves overrides from a YAML file and reloads it when it
// changes on disk. A file that fails to parse keeps the previous contents.
type FileSource struct {
	path string

	mu        sync.RWMutex
	overrides map[string]Override
	onReload  func(n int)
}

// LoadFile reads path and returns a FileSource holding its overrides.
func LoadFile(path string) (*FileSource, error) {
	f := &FileSource{path: path}
	if err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// OnReload registers fn to run after every successful reload with the
// number of tenants loaded.
func (f *FileSource) OnReload(fn func(n int)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onReload = fn
}

// Override implements Lookup.
func (f *FileSource) Override(_ context.Context, tenantID string) (*Override, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	o, ok := f.overrides[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

// Len returns the number of tenants with overrides.
func (f *FileSource) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.overrides)
}

func (f *FileSource) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("reading tenants file: %w", err)
	}

	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing tenants file: %w", err)
	}
	for id, o := range doc.Tenants {
		if err := o.Validate(); err != nil {
			return fmt.Errorf("tenant %s: %w", id, err)
		}
	}
	if doc.Tenants == nil {
		doc.Tenants = map[string]Override{}
	}

	f.mu.Lock()
	f.overrides = doc.Tenants
	fn := f.onReload
	f.mu.Unlock()

	if fn != nil {
		fn(len(doc.Tenants))
	}
	return nil
}

// Watch reloads the file on change until ctx is cancelled. The parent
// directory is watched so editors that replace the file are picked up.
func (f *FileSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching tenants file: %w", err)
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(f.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, func() {
					if err := f.reload(); err != nil {
						slog.Error("tenants file reload failed, keeping previous settings", "path", f.path, "error", err)
						return
					}
					slog.Info("tenants file reloaded", "path", f.path, "tenants", f.Len())
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("tenants file watcher error", "error", err)
			}
		}
	}()
	return nil
}
