package installer

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_SingleFlight(t *testing.T) {
	g := NewGuard("openclaw", "")
	release, err := g.TryAcquire()
	require.NoError(t, err)

	_, err = g.TryAcquire()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInProgress))
	assert.Equal(t, "openclaw install is already in progress", err.Error())

	release()
	release()
	again, err := g.TryAcquire()
	require.NoError(t, err)
	again()
}

func TestGuard_ManyContenders(t *testing.T) {
	g := NewGuard("node", "")
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []func()
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rel, err := g.TryAcquire(); err == nil {
				mu.Lock()
				winners = append(winners, rel)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, winners, 1)
	winners[0]()
}

func TestGuard_FileLockAcrossGuards(t *testing.T) {
	lock := filepath.Join(t.TempDir(), "data", ".install.lock")
	a := NewGuard("node", lock)
	b := NewGuard("node", lock)

	release, err := a.TryAcquire()
	require.NoError(t, err)
	_, err = b.TryAcquire()
	assert.True(t, errors.Is(err, ErrInProgress), "second guard on the same lock file must be rejected, got %v", err)

	release()
	rb, err := b.TryAcquire()
	require.NoError(t, err)
	rb()
}
