package installer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/loykin/gatekeeper/internal/metrics"
)

// ErrInProgress is returned when another install of the same component is
// already running.
var ErrInProgress = errors.New("install is already in progress")

// Guard admits at most one install at a time. A second caller is rejected
// immediately rather than queued. When a lock file is configured the guard
// also excludes other processes sharing the same data directory.
type Guard struct {
	name     string
	lockPath func() string

	mu   sync.Mutex
	busy bool
}

// NewGuard creates a guard. lockPath may be empty to skip the file lock.
func NewGuard(name, lockPath string) *Guard {
	return NewGuardFunc(name, func() string { return lockPath })
}

// NewGuardFunc is NewGuard for a lock file that follows a movable data
// directory. fn is evaluated on every acquire.
func NewGuardFunc(name string, fn func() string) *Guard {
	if fn == nil {
		fn = func() string { return "" }
	}
	return &Guard{name: name, lockPath: fn}
}

// TryAcquire claims the guard and returns its release func.
func (g *Guard) TryAcquire() (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy {
		metrics.IncInstallRejected(g.name)
		return nil, fmt.Errorf("%s %w", g.name, ErrInProgress)
	}
	var fl *flock.Flock
	if lp := g.lockPath(); lp != "" {
		if err := os.MkdirAll(filepath.Dir(lp), 0o755); err != nil {
			return nil, fmt.Errorf("create lock dir: %w", err)
		}
		fl = flock.New(lp)
		ok, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", lp, err)
		}
		if !ok {
			metrics.IncInstallRejected(g.name)
			return nil, fmt.Errorf("%s %w", g.name, ErrInProgress)
		}
	}
	g.busy = true

	var once sync.Once
	return func() {
		once.Do(func() {
			if fl != nil {
				_ = fl.Unlock()
			}
			g.mu.Lock()
			g.busy = false
			g.mu.Unlock()
		})
	}, nil
}

// Busy reports whether an install currently holds the guard.
func (g *Guard) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.busy
}
