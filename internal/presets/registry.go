package presets

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/meridianlabs-ai/atlas/internal/metrics"
)

// Registry maintains an in-memory catalogue of presets loaded from disk.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry

	logger *zap.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Entry captures a loaded preset alongside bookkeeping data.
type Entry struct {
	Key         string
	Preset      *Preset
	SourcePath  string
	ContentHash string
	LoadedAt    time.Time
}

// Summary exposes lightweight information about a registered preset.
type Summary struct {
	Name        string
	Version     string
	Key         string
	Description string
	ContentHash string
	SourcePath  string
}

// LoadError aggregates per-file load failures so one bad preset does
// not hide the rest.
type LoadError struct {
	Failures []string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %d preset(s): %s", len(e.Failures), strings.Join(e.Failures, "; "))
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]Entry),
		logger:  logger,
	}
}

// LoadDirectory loads every YAML preset under the provided directory.
// Valid presets register even when siblings fail; failures come back
// aggregated in a LoadError.
func (r *Registry) LoadDirectory(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("stat preset directory %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("preset path %s is not a directory", root)
	}

	var failures []string
	walkFn := func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, walkErr))
			return nil
		}
		if d.IsDir() || !isYAML(path) {
			return nil
		}
		if err := r.LoadFile(path); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, err))
		}
		return nil
	}

	if err := filepath.WalkDir(root, walkFn); err != nil {
		return fmt.Errorf("walk preset directory %s: %w", root, err)
	}

	if len(failures) > 0 {
		return &LoadError{Failures: failures}
	}
	return nil
}

// LoadFile loads, validates, and registers a single preset file,
// replacing any previous entry with the same name and version.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	preset, err := Parse(data)
	if err != nil {
		return err
	}
	if issues := Validate(preset); len(issues) > 0 {
		for _, issue := range issues {
			metrics.PresetValidationErrors.WithLabelValues(issue.Code).Inc()
		}
		return &ValidationError{Issues: issues}
	}

	entry := Entry{
		Key:         preset.Key(),
		Preset:      preset,
		SourcePath:  path,
		ContentHash: ContentHash(data),
		LoadedAt:    time.Now(),
	}

	r.mu.Lock()
	prior, existed := r.entries[entry.Key]
	r.entries[entry.Key] = entry
	r.mu.Unlock()

	if existed && prior.SourcePath != path {
		r.logger.Warn("Preset redefined by another file",
			zap.String("key", entry.Key),
			zap.String("previous", prior.SourcePath),
			zap.String("current", path),
		)
	}
	metrics.PresetsLoaded.WithLabelValues(preset.Name).Inc()
	return nil
}

// Find resolves a preset by name. An empty version selects the highest
// registered version for that name.
func (r *Registry) Find(name, version string) (*Preset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if version != "" {
		entry, ok := r.entries[Key(name, version)]
		if !ok {
			return nil, false
		}
		return entry.Preset, true
	}

	var best *Preset
	for _, entry := range r.entries {
		if entry.Preset.Name != name {
			continue
		}
		if best == nil || compareVersions(entry.Preset.Version, best.Version) > 0 {
			best = entry.Preset
		}
	}
	return best, best != nil
}

// List returns summaries of all loaded presets in name/version order.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summaries := make([]Summary, 0, len(r.entries))
	for _, entry := range r.entries {
		summaries = append(summaries, Summary{
			Name:        entry.Preset.Name,
			Version:     entry.Preset.Version,
			Key:         entry.Key,
			Description: entry.Preset.Description,
			ContentHash: entry.ContentHash,
			SourcePath:  entry.SourcePath,
		})
	}
	sortSummaries(summaries)
	return summaries
}

// Len reports how many presets are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Watch reloads preset files as they change on disk. Invalid edits are
// logged and skipped; the previous entry stays registered.
func (r *Registry) Watch(dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create preset watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch preset directory %s: %w", dir, err)
	}

	r.watcher = watcher
	r.done = make(chan struct{})

	go r.watchLoop()
	r.logger.Info("Watching preset directory", zap.String("dir", dir))
	return nil
}

// StopWatch halts the file watcher started by Watch.
func (r *Registry) StopWatch() {
	if r.watcher == nil {
		return
	}
	close(r.done)
	r.watcher.Close()
	r.watcher = nil
}

func (r *Registry) watchLoop() {
	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.handleWatchEvent(event)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("Preset watcher error", zap.Error(err))
		}
	}
}

func (r *Registry) handleWatchEvent(event fsnotify.Event) {
	if !isYAML(event.Name) {
		return
	}
	if event.Op&fsnotify.Chmod == fsnotify.Chmod {
		return
	}

	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		r.removeBySource(event.Name)
		return
	}

	// Small delay to let rapid successive writes settle.
	time.Sleep(50 * time.Millisecond)
	if err := r.LoadFile(event.Name); err != nil {
		r.logger.Warn("Preset reload failed, keeping previous version",
			zap.String("file", event.Name),
			zap.Error(err),
		)
		return
	}
	r.logger.Info("Preset reloaded", zap.String("file", event.Name))
}

func (r *Registry) removeBySource(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, entry := range r.entries {
		if entry.SourcePath == path {
			delete(r.entries, key)
			r.logger.Info("Preset removed", zap.String("key", key), zap.String("file", path))
		}
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
