package triggerload

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// fileWatcher debounces fsnotify events on a single directory into a
// single onChange call, grounded in style on
// internal/tmux/session_manager_idle.go's timer-reset-instead-of-stacking
// debounce idiom.
type fileWatcher struct {
	w        *fsnotify.Watcher
	debounce time.Duration
	onChange func()

	mu       sync.Mutex
	timer    *time.Timer
	stopOnce sync.Once
	doneCh   chan struct{}
}

func newFileWatcher(dir string, debounce time.Duration, onChange func()) (*fileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &fileWatcher{w: w, debounce: debounce, onChange: onChange, doneCh: make(chan struct{})}, nil
}

func (fw *fileWatcher) start() {
	go fw.loop()
}

func (fw *fileWatcher) loop() {
	defer close(fw.doneCh)
	for {
		select {
		case event, ok := <-fw.w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				fw.scheduleReload()
			}
		case err, ok := <-fw.w.Errors:
			if !ok {
				return
			}
			slog.Warn("triggerload: watch error", "error", err)
		}
	}
}

func (fw *fileWatcher) scheduleReload() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.timer = time.AfterFunc(fw.debounce, fw.onChange)
}

func (fw *fileWatcher) stop() {
	fw.stopOnce.Do(func() {
		fw.mu.Lock()
		if fw.timer != nil {
			fw.timer.Stop()
		}
		fw.mu.Unlock()
		fw.w.Close()
		<-fw.doneCh
	})
}
