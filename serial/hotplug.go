package serial

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// HotplugKind distinguishes attach from detach notifications.
type HotplugKind int

const (
	// Attached means a device node appeared
	Attached HotplugKind = iota
	// Detached means a device node went away
	Detached
)

// String returns the string representation of the kind
func (k HotplugKind) String() string {
	switch k {
	case Attached:
		return "attached"
	case Detached:
		return "detached"
	default:
		return "unknown"
	}
}

// HotplugEvent is a device node change in the watched directory.
type HotplugEvent struct {
	Kind HotplugKind
	Name string
}

// virtual consoles (tty0, tty1, ...) come and go with VT switching
var virtualTerminal = regexp.MustCompile(`^tty\d+$`)

// isSerialNode reports whether a /dev entry name looks like a serial port.
func isSerialNode(name string) bool {
	if virtualTerminal.MatchString(name) || name == "tty" {
		return false
	}
	return strings.HasPrefix(name, "tty") || strings.HasPrefix(name, "cu.")
}

// Watcher turns fsnotify events on a device directory into HotplugEvents.
type Watcher struct {
	fs     *fsnotify.Watcher
	dir    string
	events chan HotplugEvent
	logger *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher starts watching dir (usually /dev).
func NewWatcher(dir string, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: create watcher: %w", ErrPlatformQuery, err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("%w: watch %s: %w", ErrPlatformQuery, dir, err)
	}

	w := &Watcher{
		fs:     fsw,
		dir:    dir,
		events: make(chan HotplugEvent, 16),
		logger: logger.With("watch", dir),
		stopCh: make(chan struct{}),
	}

	w.wg.Add(1)
	go w.run()

	return w, nil
}

// Events returns the notification channel. It is closed by Close.
func (w *Watcher) Events() <-chan HotplugEvent {
	return w.events
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.fs.Close()
		w.wg.Wait()
		close(w.events)
	})
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			hp, ok := translate(ev)
			if !ok {
				continue
			}
			w.logger.Debug("Hotplug event", "device", hp.Name, "kind", hp.Kind.String())
			select {
			case w.events <- hp:
			case <-w.stopCh:
				return
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Hotplug watcher error", "error", err)
		}
	}
}

func translate(ev fsnotify.Event) (HotplugEvent, bool) {
	name := filepath.Base(ev.Name)
	if !isSerialNode(name) {
		return HotplugEvent{}, false
	}
	switch {
	case ev.Has(fsnotify.Create):
		return HotplugEvent{Kind: Attached, Name: ev.Name}, true
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return HotplugEvent{Kind: Detached, Name: ev.Name}, true
	default:
		return HotplugEvent{}, false
	}
}
