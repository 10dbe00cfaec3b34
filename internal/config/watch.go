package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/knadh/koanf/providers/file"

	"github.com/easysave/easysave/internal/syslog"
)

// DefaultReloadDelay is how long the file must stay quiet before a change is
// loaded.
const DefaultReloadDelay = 150 * time.Millisecond

// Watcher reloads Path whenever it is written and passes every valid result
// to OnChange. Bursts of events are coalesced so the last write wins. It
// implements suture.Service.
type Watcher struct {
	Path     string
	OnChange func(*Config)
	Delay    time.Duration
}

func (w *Watcher) Serve(ctx context.Context) error {
	delay := w.Delay
	if delay <= 0 {
		delay = DefaultReloadDelay
	}

	provider := file.Provider(w.Path)
	failed := make(chan error, 1)

	var (
		mu      sync.Mutex
		pending *time.Timer
		stopped bool
	)

	reload := func() {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}

		cfg, err := Load(w.Path)
		if err != nil {
			syslog.L.Warn().
				WithMessage("ignoring invalid config change").
				WithField("path", w.Path).
				WithField("error", err.Error()).
				Write()
			return
		}
		w.OnChange(cfg)
	}

	err := provider.Watch(func(_ any, err error) {
		if err != nil {
			select {
			case failed <- err:
			default:
			}
			return
		}

		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		if pending == nil {
			pending = time.AfterFunc(delay, reload)
			return
		}
		pending.Reset(delay)
	})
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.Path, err)
	}
	defer provider.Unwatch()
	defer func() {
		mu.Lock()
		stopped = true
		if pending != nil {
			pending.Stop()
		}
		mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-failed:
		return fmt.Errorf("config watch on %s stopped: %w", w.Path, err)
	}
}

func (w *Watcher) String() string {
	return "config-watcher"
}
