package secret

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.yaml.in/yaml/v3"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// FileProvider reads secrets from a YAML file of name: value pairs and
// reloads it when the file changes on disk.
type FileProvider struct {
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}

	mu      sync.RWMutex
	secrets map[string]string

	// onReload, when set, is called after each successful reload.
	onReload func()
}

// NewFileProvider loads the secrets file and starts watching it for changes.
func NewFileProvider(path string) (*FileProvider, error) {
	p := &FileProvider{
		path: path,
		done: make(chan struct{}),
	}
	if err := p.load(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("secrets watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	p.watcher = w
	go p.watch()
	return p, nil
}

func (p *FileProvider) load() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read secrets file: %w", err)
	}
	secrets := make(map[string]string)
	if err := yaml.Unmarshal(data, &secrets); err != nil {
		return fmt.Errorf("parse secrets file: %w", err)
	}
	p.mu.Lock()
	p.secrets = secrets
	p.mu.Unlock()
	return nil
}

func (p *FileProvider) watch() {
	for {
		select {
		case <-p.done:
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := p.load(); err != nil {
				slog.Error("secrets reload failed", "path", p.path, "error", err)
				continue
			}
			slog.Info("secrets reloaded", "path", p.path)
			if p.onReload != nil {
				p.onReload()
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("secrets watcher error", "error", err)
		}
	}
}

// Get returns the named secret from the last loaded snapshot.
func (p *FileProvider) Get(_ context.Context, name string) (string, error) {
	p.mu.RLock()
	val, ok := p.secrets[name]
	p.mu.RUnlock()
	if !ok {
		return "", gateway.ErrNotFound
	}
	return val, nil
}

// Close stops the file watcher.
func (p *FileProvider) Close() error {
	close(p.done)
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}
