package internal

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/m-mizutani/goerr/v2"

	"github.com/4thel00z/ctxmem/internal/logging"
)

type policyFile struct {
	Policies map[string]PolicyConfig `yaml:"policies" toml:"policies"`
}

// LoadPolicyFile reads a YAML or TOML file with a top-level policies table.
func LoadPolicyFile(path string) (map[string]PolicyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "read policy file", goerr.V("path", path))
	}
	var pf policyFile
	if err := decodeConfig(path, data, &pf); err != nil {
		return nil, err
	}
	return pf.Policies, nil
}

// PolicyWatcher registers a new policy version whenever an entry in the
// policy file changes. Removed entries keep their registered versions.
type PolicyWatcher struct {
	path     string
	registry *PolicyRegistry
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	applied map[string]PolicyConfig
}

type WatcherOption func(*PolicyWatcher)

func WithDebounce(d time.Duration) WatcherOption {
	return func(w *PolicyWatcher) {
		w.debounce = d
	}
}

func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *PolicyWatcher) {
		w.logger = logger
	}
}

func NewPolicyWatcher(path string, registry *PolicyRegistry, opts ...WatcherOption) *PolicyWatcher {
	w := &PolicyWatcher{
		path:     path,
		registry: registry,
		debounce: 250 * time.Millisecond,
		logger:   logging.Default(),
		applied:  make(map[string]PolicyConfig),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Seed records configs that were registered elsewhere so Reload only adds a
// version when the file differs from them.
func (w *PolicyWatcher) Seed(cfgs map[string]PolicyConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, pc := range cfgs {
		w.applied[id] = pc
	}
}

// Reload reads the policy file and registers changed entries. It returns the
// ids that got a new version. An invalid file changes nothing.
func (w *PolicyWatcher) Reload() ([]string, error) {
	cfgs, err := LoadPolicyFile(w.path)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(cfgs))
	for id := range cfgs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// Validate all entries first so a bad edit is not half applied.
	for _, id := range ids {
		p := cfgs[id].Policy(id)
		if err := p.compile(); err != nil {
			return nil, err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var changed []string
	for _, id := range ids {
		pc := cfgs[id]
		if prev, ok := w.applied[id]; ok && reflect.DeepEqual(prev, pc) {
			continue
		}
		p, err := w.registry.Register(pc.Policy(id))
		if err != nil {
			return changed, err
		}
		w.applied[id] = pc
		changed = append(changed, id)
		w.logger.Info("policy registered", "policy", p.Ref())
	}
	return changed, nil
}

// Run watches the policy file's directory until ctx is cancelled.
func (w *PolicyWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return goerr.Wrap(err, "create watcher")
	}
	defer watcher.Close()

	// Editors often replace the file, so watch the directory.
	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return goerr.Wrap(err, "watch policy directory", goerr.V("dir", dir))
	}

	target := filepath.Clean(w.path)
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !pending {
				timer.Reset(w.debounce)
				pending = true
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("policy watch error", "error", err)
		case <-timer.C:
			pending = false
			changed, err := w.Reload()
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				w.logger.Warn("policy reload failed", "path", w.path, "error", err)
				continue
			}
			if len(changed) > 0 {
				w.logger.Info("policies reloaded", "changed", changed)
			}
		}
	}
}
