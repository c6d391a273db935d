package config

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Prompts serves the current system and greeting messages and hot-reloads
// them when the config file changes on disk. Sessions read prompts at call
// start, so edits apply to the next call without a restart.
type Prompts struct {
	path string

	mu      sync.RWMutex
	current PromptsConfig

	watcher  *fsnotify.Watcher
	debounce *time.Timer
	debMu    sync.Mutex
	stop     chan struct{}
}

// NewPrompts creates a prompt store seeded from cfg. If path is non-empty
// the file is watched and the [prompts] section reloaded on change.
func NewPrompts(cfg PromptsConfig, path string) (*Prompts, error) {
	p := &Prompts{
		path:    path,
		current: cfg,
		stop:    make(chan struct{}),
	}

	if path == "" {
		return p, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files on save, which would
	// otherwise drop the watch on the inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	p.watcher = watcher

	go p.watchLoop()
	log.Printf("[Prompts] Watching %s for prompt changes", path)
	return p, nil
}

// System returns the current system message.
func (p *Prompts) System() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current.SystemMessage
}

// Initial returns the current greeting spoken at call start.
func (p *Prompts) Initial() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current.InitialMessage
}

// Stop shuts down the file watcher.
func (p *Prompts) Stop() {
	if p.watcher == nil {
		return
	}
	close(p.stop)
	p.watcher.Close()
}

func (p *Prompts) watchLoop() {
	for {
		select {
		case <-p.stop:
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(p.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			p.debMu.Lock()
			if p.debounce != nil {
				p.debounce.Stop()
			}
			p.debounce = time.AfterFunc(200*time.Millisecond, p.reload)
			p.debMu.Unlock()
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[Prompts] Watcher error: %v", err)
		}
	}
}

func (p *Prompts) reload() {
	cfg, err := Load(p.path)
	if err != nil {
		log.Printf("[Prompts] Reload failed: %v", err)
		return
	}

	p.mu.Lock()
	changed := cfg.Prompts != p.current
	p.current = cfg.Prompts
	p.mu.Unlock()

	if changed {
		log.Printf("[Prompts] Prompts reloaded from %s", p.path)
	}
}
