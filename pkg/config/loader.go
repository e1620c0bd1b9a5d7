package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/doublegate/Only1MCP-sub003/pkg/logger"
	"github.com/doublegate/Only1MCP-sub003/pkg/registry"
)

// DefaultDebounce is spec §4.9's documented debounce window.
const DefaultDebounce = 500 * time.Millisecond

// Metrics receives reload outcomes (spec §4.9's config_reload_total /
// config_reload_errors_total counters).
type Metrics interface {
	IncReloadTotal()
	IncReloadErrors()
}

type noopMetrics struct{}

func (noopMetrics) IncReloadTotal()  {}
func (noopMetrics) IncReloadErrors() {}

// Options configures a Loader.
type Options struct {
	// Path to the config file. Its extension (.yaml/.yml, .toml, .json)
	// selects the decoder (spec §4.9).
	Path string
	// Debounce is the quiet period after the last filesystem event before
	// a reload is attempted; zero uses DefaultDebounce.
	Debounce time.Duration
	// AllowedStdioCommands, if non-empty, restricts which stdio Command
	// values a backend may name (spec §4.9's "allow-listed commands").
	AllowedStdioCommands map[string]bool
	Metrics              Metrics
}

// Loader watches Options.Path and republishes reg on every valid change
// (spec §4.9). It never runs a reload concurrently with another: each
// fsnotify burst collapses to at most one in-flight parse+validate+publish
// at a time, queued behind a single worker goroutine.
type Loader struct {
	opts     Options
	reg      *registry.Registry
	validate *validator.Validate

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}

	generationSeq atomic.Uint64

	mu          sync.Mutex
	debounce    *time.Timer
	reloadQueue chan struct{}
	lastFile    File
}

// New constructs a Loader bound to reg. Call Load once to publish the
// initial generation, then Start to begin watching for edits.
func New(opts Options, reg *registry.Registry) *Loader {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	return &Loader{
		opts:        opts,
		reg:         reg,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		reloadQueue: make(chan struct{}, 1),
	}
}

// Load reads, parses, validates, and publishes Options.Path once,
// returning any error unpublished (there is no prior generation to fall
// back to on a first load).
func (l *Loader) Load(ctx context.Context) error {
	gen, err := l.buildGeneration()
	if err != nil {
		l.opts.Metrics.IncReloadErrors()
		return err
	}
	if err := l.reg.Publish(ctx, gen); err != nil {
		l.opts.Metrics.IncReloadErrors()
		return err
	}
	l.opts.Metrics.IncReloadTotal()
	return nil
}

// Start begins watching Options.Path for changes, reloading (debounced)
// on every write/create/rename. Load must have been called first.
func (l *Loader) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: new watcher: %w", err)
	}
	dir := filepath.Dir(l.opts.Path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}
	l.watcher = watcher

	go l.worker(ctx)
	go l.processEvents()
	return nil
}

// Stop releases the watcher and drains the background goroutines.
func (l *Loader) Stop() {
	close(l.stopCh)
	if l.watcher != nil {
		_ = l.watcher.Close()
	}
	<-l.doneCh
}

func (l *Loader) processEvents() {
	target := filepath.Clean(l.opts.Path)
	for {
		select {
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			l.scheduleReload()
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			logger.Get().Warnw("config watcher error", "error", err)
		case <-l.stopCh:
			return
		}
	}
}

// scheduleReload (re)starts the debounce timer; only the last event in a
// burst within Options.Debounce actually triggers a reload.
func (l *Loader) scheduleReload() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.debounce != nil {
		l.debounce.Stop()
	}
	l.debounce = time.AfterFunc(l.opts.Debounce, func() {
		select {
		case l.reloadQueue <- struct{}{}:
		default:
		}
	})
}

func (l *Loader) worker(ctx context.Context) {
	defer close(l.doneCh)
	for {
		select {
		case <-l.reloadQueue:
			if err := l.Load(ctx); err != nil {
				logger.Get().Warnw("config reload failed, keeping previous generation", "path", l.opts.Path, "error", err)
			} else {
				logger.Get().Infow("config reloaded", "path", l.opts.Path)
			}
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (l *Loader) buildGeneration() (*registry.Generation, error) {
	raw, err := os.ReadFile(l.opts.Path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", l.opts.Path, err)
	}

	var f File
	if err := decode(l.opts.Path, raw, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", l.opts.Path, err)
	}

	if err := l.validate.Struct(&f); err != nil {
		return nil, formatValidationErrors(err)
	}

	backends, err := f.toBackends(l.opts.AllowedStdioCommands)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.lastFile = f
	l.mu.Unlock()

	id := l.generationSeq.Add(1)
	return registry.NewGeneration(id, backends), nil
}

// Settings returns the non-reloadable sections (ListenAddr, TLS, Proxy,
// ContextOptimization, Observability) of the most recently successfully
// parsed config file. Only the Backends section is hot-reloaded (spec
// §4.9); callers read Settings once at startup to configure the listener,
// load balancer, cache, batcher, and logger.
func (l *Loader) Settings() File {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastFile
}

// decode dispatches to the format indicated by path's extension (spec
// §4.9: "parse (YAML/TOML/JSON by extension)").
func decode(path string, raw []byte, out *File) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(raw, out)
	case ".toml":
		return toml.Unmarshal(raw, out)
	case ".json":
		return json.Unmarshal(raw, out)
	default:
		return fmt.Errorf("config: unrecognized extension %q (want .yaml, .yml, .toml, or .json)", ext)
	}
}

func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, e := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", e.Namespace(), e.Tag()))
		}
		return fmt.Errorf("config: validation failed: %s", strings.Join(msgs, "; "))
	}
	return err
}
