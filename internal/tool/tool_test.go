package tool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/gatekeeper/internal/events"
	"github.com/loykin/gatekeeper/internal/installer"
	"github.com/loykin/gatekeeper/internal/node"
	"github.com/loykin/gatekeeper/internal/paths"
)

type fakeRuntime struct {
	st node.Status
}

func (f fakeRuntime) Status(context.Context) node.Status { return f.st }
func (f fakeRuntime) Environ(extra ...string) []string  { return append(os.Environ(), extra...) }

type finder map[string]string

func (f finder) Find(name string) (string, bool) {
	p, ok := f[name]
	return p, ok
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(name string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, events.Event{Name: name, Payload: payload})
	r.mu.Unlock()
}

func (r *recorder) details() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if p, ok := e.Payload.(installer.Progress); ok {
			out = append(out, p.Detail)
		}
	}
	return out
}

func script(t *testing.T, path, body string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// fakeNpm installs a tool script printing ver into --prefix, or answers
// `npm view` with latest.
func fakeNpm(t *testing.T, ver, latest string) string {
	return script(t, filepath.Join(t.TempDir(), "npm"), `
if [ "$1" = "view" ]; then echo "`+latest+`"; exit 0; fi
mkdir -p "$5/bin"
printf '#!/bin/sh\necho "OpenClaw `+ver+`"\n' > "$5/bin/openclaw"
chmod +x "$5/bin/openclaw"
echo "added 1 package in 2s"
echo "npm warn deprecated thing" >&2`)
}

func newManager(t *testing.T, data, npm string, rt bool, pub events.Publisher) *Manager {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script binaries")
	}
	return NewManager(Options{
		Layout:    func() paths.Layout { return paths.New(data) },
		Runtime:   fakeRuntime{st: node.Status{Installed: rt, Version: "22.16.0", NpmPath: npm}},
		Finder:    finder{},
		Publisher: pub,
		FileLock:  true,
	})
}

func TestInstall_StreamsAndVerifies(t *testing.T) {
	data := t.TempDir()
	rec := &recorder{}
	m := newManager(t, data, fakeNpm(t, "2026.2.1", "2026.3.0"), true, rec)

	st, err := m.Install(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Installed)
	assert.Equal(t, "2026.2.1", st.Version)
	assert.Equal(t, filepath.Join(data, "openclaw_global", "bin", "openclaw"), st.BinaryPath)

	d := rec.details()
	require.NotEmpty(t, d)
	assert.Equal(t, "Running npm install -g openclaw@latest", d[0])
	assert.Contains(t, d, "added 1 package in 2s")
	assert.Contains(t, d, "npm warn deprecated thing")

	// result was cached by the install
	require.NoError(t, os.Remove(st.BinaryPath))
	assert.True(t, m.Status(context.Background()).Installed)
}

func TestInstall_RequiresRuntime(t *testing.T) {
	m := newManager(t, t.TempDir(), "/nonexistent/npm", false, nil)
	_, err := m.Install(context.Background())
	require.ErrorIs(t, err, ErrRuntimeMissing)
	assert.Equal(t, "node runtime is not installed; run `gatekeeper runtime install` first", err.Error())
}

func TestInstall_NpmFailure(t *testing.T) {
	npm := script(t, filepath.Join(t.TempDir(), "npm"), `echo "ERR! 404" >&2; exit 7`)
	m := newManager(t, t.TempDir(), npm, true, nil)
	_, err := m.Install(context.Background())
	require.Error(t, err)
	assert.Equal(t, "npm install failed with status exit status 7", err.Error())
}

func TestInstall_VerificationFailure(t *testing.T) {
	npm := script(t, filepath.Join(t.TempDir(), "npm"), `echo "up to date"`)
	m := newManager(t, t.TempDir(), npm, true, nil)
	_, err := m.Install(context.Background())
	require.ErrorIs(t, err, installer.ErrVerification)
	assert.True(t, strings.HasSuffix(err.Error(), "openclaw install completed but binary verification failed"))
}

func TestInstall_RejectsConcurrent(t *testing.T) {
	m := newManager(t, t.TempDir(), fakeNpm(t, "1.0.0", "1.0.0"), true, nil)
	release, err := m.guard.TryAcquire()
	require.NoError(t, err)
	defer release()
	assert.True(t, m.Installing())

	_, err = m.Update(context.Background())
	require.True(t, errors.Is(err, installer.ErrInProgress), "got %v", err)
	_, statErr := os.Stat(filepath.Join(m.opts.Layout().ToolPrefix()))
	assert.True(t, os.IsNotExist(statErr), "rejected install must not touch the filesystem")
}

func TestStatus_Precedence(t *testing.T) {
	data := t.TempDir()
	sysBin := script(t, filepath.Join(t.TempDir(), "openclaw"), `echo "openclaw v2025.12.0"`)
	m := newManager(t, data, "", true, nil)
	assert.Equal(t, Status{}, m.Probe(context.Background()))

	m.opts.Finder = finder{"openclaw": sysBin}
	got := m.Probe(context.Background())
	assert.Equal(t, Status{Installed: true, Version: "2025.12.0", BinaryPath: sysBin}, got)

	bundled := script(t, filepath.Join(data, "openclaw_global", "node_modules", ".bin", "openclaw"), `echo 2026.1.5`)
	got = m.Probe(context.Background())
	assert.Equal(t, bundled, got.BinaryPath)
	assert.Equal(t, "2026.1.5", got.Version)
}

func TestBundledStatus_SkipsCandidatesWithoutVersion(t *testing.T) {
	data := t.TempDir()
	script(t, filepath.Join(data, "openclaw_global", "bin", "openclaw"), `echo "no version here"`)
	second := script(t, filepath.Join(data, "openclaw_global", "openclaw"), `echo 3.1.4`)
	m := newManager(t, data, "", true, nil)
	got := m.BundledStatus(context.Background())
	assert.Equal(t, second, got.BinaryPath)
}

func TestCheckUpdate(t *testing.T) {
	data := t.TempDir()
	m := newManager(t, data, fakeNpm(t, "2026.2.1", "2026.3.0"), true, nil)

	info, err := m.CheckUpdate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, UpdateInfo{LatestVersion: "2026.3.0"}, info, "nothing installed never offers an update")

	_, err = m.Install(context.Background())
	require.NoError(t, err)
	info, err = m.CheckUpdate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, UpdateInfo{InstalledVersion: "2026.2.1", LatestVersion: "2026.3.0", UpdateAvailable: true}, info)
}

func TestLatestVersion_Errors(t *testing.T) {
	m := newManager(t, t.TempDir(), "", false, nil)
	_, err := m.LatestVersion(context.Background())
	require.EqualError(t, err, "node runtime is not installed")

	empty := script(t, filepath.Join(t.TempDir(), "npm"), `exit 0`)
	m = newManager(t, t.TempDir(), empty, true, nil)
	_, err = m.LatestVersion(context.Background())
	require.EqualError(t, err, "npm did not return a version string")
}

func TestInstall_OversizedOutputLineDoesNotHang(t *testing.T) {
	// one 2 MB line, well past both the scanner limit and the pipe buffer
	npm := script(t, filepath.Join(t.TempDir(), "npm"), `
mkdir -p "$5/bin"
printf '#!/bin/sh\necho "OpenClaw 2026.2.1"\n' > "$5/bin/openclaw"
chmod +x "$5/bin/openclaw"
head -c 2000000 /dev/zero | tr '\0' 'a'
echo
echo "added 1 package in 2s"`)
	m := newManager(t, t.TempDir(), npm, true, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st, err := m.Install(ctx)
	require.NoError(t, err)
	assert.True(t, st.Installed)
	assert.False(t, m.Installing())
}
