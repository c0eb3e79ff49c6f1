package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ConflictView provides a thread-safe, hot-reloadable view of the conflict
// scoring knobs. The conflict engine reads through it on every detection so
// weight-table edits take effect without a restart.
type ConflictView struct {
	mu  sync.RWMutex
	cfg ConflictConfig
}

// NewConflictView creates a view seeded from the loaded configuration.
func NewConflictView(cfg ConflictConfig) *ConflictView {
	return &ConflictView{cfg: cfg}
}

// Current returns a copy of the active conflict configuration.
func (v *ConflictView) Current() ConflictConfig {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := v.cfg
	out.SourceWeights = make(map[string]float64, len(v.cfg.SourceWeights))
	for k, w := range v.cfg.SourceWeights {
		out.SourceWeights[k] = w
	}
	return out
}

// Set replaces the active conflict configuration.
func (v *ConflictView) Set(cfg ConflictConfig) {
	v.mu.Lock()
	v.cfg = cfg
	v.mu.Unlock()
}

// Watcher hot-reloads the conflict section of the config file on change.
type Watcher struct {
	path    string
	view    *ConflictView
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	stopped bool
	mu      sync.Mutex
	logger  *zap.Logger
}

// NewWatcher watches path for modifications and pushes valid conflict
// configuration into view.
func NewWatcher(path string, view *ConflictView, logger *zap.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	// Watch the directory; editors replace files on save and a direct file
	// watch would be lost after the first rename.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}
	w := &Watcher{
		path:    path,
		view:    view,
		watcher: fw,
		stopCh:  make(chan struct{}),
		logger:  logger,
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	// Debounce bursts of write events from editors and atomic saves.
	var pending <-chan time.Time
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(200 * time.Millisecond)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("Config reload failed", zap.String("path", w.path), zap.Error(err))
		return
	}
	var doc struct {
		Conflict struct {
			NumericThreshold      float64            `yaml:"numeric_threshold"`
			MinIndependentSources int                `yaml:"min_independent_sources"`
			MaxGatherRounds       int                `yaml:"max_gather_rounds"`
			SourceWeights         map[string]float64 `yaml:"source_weights"`
		} `yaml:"conflict"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		w.logger.Warn("Config reload: invalid yaml, keeping previous values",
			zap.String("path", w.path), zap.Error(err))
		return
	}

	current := w.view.Current()
	next := current
	if doc.Conflict.NumericThreshold > 0 && doc.Conflict.NumericThreshold < 1 {
		next.NumericThreshold = doc.Conflict.NumericThreshold
	}
	if doc.Conflict.MinIndependentSources >= 2 {
		next.MinIndependentSources = doc.Conflict.MinIndependentSources
	}
	if doc.Conflict.MaxGatherRounds >= 0 {
		next.MaxGatherRounds = doc.Conflict.MaxGatherRounds
	}
	if len(doc.Conflict.SourceWeights) > 0 {
		valid := true
		for st, weight := range doc.Conflict.SourceWeights {
			if weight <= 0 {
				w.logger.Warn("Config reload: rejecting non-positive source weight",
					zap.String("source_type", st), zap.Float64("weight", weight))
				valid = false
				break
			}
		}
		if valid {
			next.SourceWeights = doc.Conflict.SourceWeights
		}
	}

	w.view.Set(next)
	w.logger.Info("Conflict configuration reloaded",
		zap.Float64("numeric_threshold", next.NumericThreshold),
		zap.Int("source_weights", len(next.SourceWeights)),
	)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	return w.watcher.Close()
}
