package chainspec

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeFunc is called after a spec file was loaded or removed. spec is the zero value on
// removal.
type ChangeFunc func(name string, spec Spec, removed bool)

// Watcher reloads specs when files in the store directory change. Rapid writes to the same file
// are coalesced.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onChange ChangeFunc

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	timersMu sync.Mutex
	timers   map[string]*time.Timer
}

// NewWatcher creates a watcher over the store directory. debounce defaults to 100ms.
func NewWatcher(store *Store, debounce time.Duration, onChange ChangeFunc) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}

	return &Watcher{
		store:    store,
		watcher:  fw,
		debounce: debounce,
		onChange: onChange,
		done:     make(chan struct{}),
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Start begins watching. The directory must exist.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.store.Dir()); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.store.Dir(), err)
	}

	w.wg.Add(1)
	go w.loop()

	w.store.logger.Info().Str("dir", w.store.Dir()).Msg("Chain spec watcher started")
	return nil
}

// Stop stops watching and cancels pending reloads.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })

	w.timersMu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	clear(w.timers)
	w.timersMu.Unlock()

	err := w.watcher.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if isSpecFile(filepath.Base(event.Name)) {
				w.schedule(event)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.store.logger.Error().Err(err).Msg("Chain spec watcher error")
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) schedule(event fsnotify.Event) {
	w.timersMu.Lock()
	defer w.timersMu.Unlock()

	if t, ok := w.timers[event.Name]; ok {
		t.Stop()
	}
	w.timers[event.Name] = time.AfterFunc(w.debounce, func() {
		w.timersMu.Lock()
		delete(w.timers, event.Name)
		w.timersMu.Unlock()

		select {
		case <-w.done:
		default:
			w.apply(event)
		}
	})
}

func (w *Watcher) apply(event fsnotify.Event) {
	name := nameOf(event.Name)

	if event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename) {
		if w.store.Remove(event.Name) && w.onChange != nil {
			w.onChange(name, Spec{}, true)
		}
		return
	}

	spec, err := w.store.LoadFile(event.Name)
	if err != nil {
		w.store.logger.Warn().Err(err).Str("chain", name).Msg("Chain spec reload rejected, keeping previous version")
		return
	}
	w.store.logger.Info().Str("chain", name).Msg("Chain spec reloaded")
	if w.onChange != nil {
		w.onChange(name, spec, false)
	}
}
