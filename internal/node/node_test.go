package node

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/gatekeeper/internal/archive"
	"github.com/loykin/gatekeeper/internal/events"
	"github.com/loykin/gatekeeper/internal/fetch"
	"github.com/loykin/gatekeeper/internal/installer"
	"github.com/loykin/gatekeeper/internal/paths"
	"github.com/loykin/gatekeeper/internal/version"
)

func skipWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script binaries")
	}
}

func script(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
}

type finder map[string]string

func (f finder) Find(name string) (string, bool) {
	p, ok := f[name]
	return p, ok
}

type fakeFetcher struct {
	mu      sync.Mutex
	payload []byte
	urls    []string
}

func (f *fakeFetcher) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("offline")
}

func (f *fakeFetcher) Download(_ context.Context, url, dest string, _ fetch.ProgressFunc) error {
	f.mu.Lock()
	f.urls = append(f.urls, url)
	f.mu.Unlock()
	return os.WriteFile(dest, f.payload, 0o644)
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.urls)
}

type recorder struct {
	mu    sync.Mutex
	names []string
}

func (r *recorder) Publish(name string, _ any) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
}

// nodeArchive builds a darwin-style tar.gz whose node script prints ver.
func nodeArchive(t *testing.T, ver string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	top := "node-v" + ver + "-darwin-arm64/"
	files := map[string]string{
		top + "bin/node": "#!/bin/sh\necho v" + ver + "\n",
		top + "bin/npm":  "#!/bin/sh\necho 10.0.0\n",
	}
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: top, Typeflag: tar.TypeDir, Mode: 0o755}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: top + "bin/", Typeflag: tar.TypeDir, Mode: 0o755}))
	for _, name := range []string{top + "bin/node", top + "bin/npm"} {
		body := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o755, Size: int64(len(body))}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func newManager(t *testing.T, dataDir string, f *fakeFetcher, sys finder, pub events.Publisher) *Manager {
	t.Helper()
	// keep a real `node` on the host PATH out of the system probe
	t.Setenv("PATH", t.TempDir())
	return NewManager(Options{
		Layout:   func() paths.Layout { return paths.New(dataDir) },
		MinMajor: 22,
		DistURL:  "https://dist.example",
		Resolver: &version.Resolver{
			IndexURL: "https://dist.example/index.json",
			MinMajor: 22,
			Fallback: "22.16.0",
			Getter:   f,
		},
		Finder:    sys,
		Fetcher:   f,
		Publisher: pub,
		FileLock:  true,
	})
}

func TestDownloadTarget(t *testing.T) {
	cases := []struct {
		os, arch string
		kind     archive.Kind
		url      string
	}{
		{"macos", "arm64", archive.TarGz, "https://nodejs.org/dist/v22.16.0/node-v22.16.0-darwin-arm64.tar.gz"},
		{"macos", "x64", archive.TarGz, "https://nodejs.org/dist/v22.16.0/node-v22.16.0-darwin-x64.tar.gz"},
		{"windows", "x64", archive.Zip, "https://nodejs.org/dist/v22.16.0/node-v22.16.0-win-x64.zip"},
		{"windows", "arm64", archive.Zip, "https://nodejs.org/dist/v22.16.0/node-v22.16.0-win-arm64.zip"},
		{"linux", "x64", archive.TarXz, "https://nodejs.org/dist/v22.16.0/node-v22.16.0-linux-x64.tar.xz"},
		{"linux", "arm64", archive.TarXz, "https://nodejs.org/dist/v22.16.0/node-v22.16.0-linux-arm64.tar.xz"},
	}
	for _, c := range cases {
		d, err := DownloadTarget(c.os, c.arch, "https://nodejs.org/dist")
		require.NoError(t, err, c.os+"/"+c.arch)
		assert.Equal(t, c.kind, d.Kind)
		assert.Equal(t, c.url, d.URL("22.16.0"))
	}

	_, err := DownloadTarget("freebsd", "x64", "https://nodejs.org/dist")
	require.ErrorIs(t, err, ErrUnsupportedPlatform)
	assert.Equal(t, "unsupported platform combination: os=freebsd, arch=x64", err.Error())
	_, err = DownloadTarget("linux", "ia32", "")
	require.ErrorIs(t, err, ErrUnsupportedPlatform)
}

func TestProbe_Precedence(t *testing.T) {
	skipWindows(t)
	data := t.TempDir()
	sysDir := t.TempDir()
	l := paths.New(data)

	// nothing anywhere: bundled negative
	m := newManager(t, data, &fakeFetcher{}, finder{}, nil)
	assert.Equal(t, Status{}, m.Probe(context.Background()))

	// old system runtime still wins over a missing bundle because it reports a version
	script(t, filepath.Join(sysDir, "node"), "echo v20.11.1")
	script(t, filepath.Join(sysDir, "npm"), "echo 10.0.0")
	sys := finder{"node": filepath.Join(sysDir, "node"), "npm": filepath.Join(sysDir, "npm")}
	m = newManager(t, data, &fakeFetcher{}, sys, nil)
	got := m.Probe(context.Background())
	assert.False(t, got.Installed)
	assert.Equal(t, "20.11.1", got.Version)
	assert.Equal(t, filepath.Join(sysDir, "node"), got.NodePath)

	// bundled install meeting the minimum wins
	script(t, l.Node(), "echo v22.16.0")
	script(t, l.Npm(), "echo 10.0.0")
	got = m.Probe(context.Background())
	assert.True(t, got.Installed)
	assert.Equal(t, "22.16.0", got.Version)
	assert.Equal(t, l.Node(), got.NodePath)
	assert.Equal(t, l.Npm(), got.NpmPath)
}

func TestSystemStatus_RequiresNpm(t *testing.T) {
	skipWindows(t)
	sysDir := t.TempDir()
	script(t, filepath.Join(sysDir, "node"), "echo v24.1.0")
	m := newManager(t, t.TempDir(), &fakeFetcher{}, finder{"node": filepath.Join(sysDir, "node")}, nil)
	got := m.SystemStatus(context.Background())
	assert.Equal(t, "24.1.0", got.Version)
	assert.False(t, got.Installed)
}

func TestBundledStatus_OldVersionFallsBackToBundledNegative(t *testing.T) {
	skipWindows(t)
	data := t.TempDir()
	l := paths.New(data)
	script(t, l.Node(), "echo v18.19.0")
	script(t, l.Npm(), "echo 9.0.0")
	m := newManager(t, data, &fakeFetcher{}, finder{}, nil)
	got := m.Probe(context.Background())
	assert.False(t, got.Installed)
	assert.Equal(t, "18.19.0", got.Version)
	assert.Equal(t, l.Node(), got.NodePath)
}

func TestStatus_Cached(t *testing.T) {
	skipWindows(t)
	data := t.TempDir()
	l := paths.New(data)
	script(t, l.Node(), "echo v22.1.0")
	script(t, l.Npm(), "echo 10.0.0")
	m := newManager(t, data, &fakeFetcher{}, finder{}, nil)
	assert.Equal(t, "22.1.0", m.Status(context.Background()).Version)

	script(t, l.Node(), "echo v23.0.0")
	assert.Equal(t, "22.1.0", m.Status(context.Background()).Version, "served from cache")

	m.Invalidate()
	assert.Equal(t, "23.0.0", m.Status(context.Background()).Version)
}

func TestEnv_PrependsBundledBin(t *testing.T) {
	data := t.TempDir()
	m := newManager(t, data, &fakeFetcher{}, finder{}, nil)
	l := paths.New(data)
	e := m.Env()
	require.Len(t, e, 1)
	for _, v := range e {
		assert.True(t, strings.HasPrefix(v, l.NodeBin()+l.PathListSeparator()), v)
	}
	found := false
	for _, kv := range m.Environ("EXTRA=1") {
		if kv == "EXTRA=1" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestInstall_DownloadsThenSkips(t *testing.T) {
	skipWindows(t)
	data := t.TempDir()
	f := &fakeFetcher{payload: nodeArchive(t, "22.16.0")}
	rec := &recorder{}
	m := newManager(t, data, f, finder{}, rec)

	st, res, err := m.Install(context.Background(), "macos", "arm64")
	require.NoError(t, err)
	assert.True(t, st.Installed)
	assert.Equal(t, "22.16.0", st.Version)
	assert.False(t, res.Skipped)
	assert.Equal(t, []string{"https://dist.example/v22.16.0/node-v22.16.0-darwin-arm64.tar.gz"}, f.urls)
	assert.Contains(t, rec.names, events.RuntimeProgress)
	assert.Contains(t, rec.names, events.InstallFinished)

	_, err = os.Stat(filepath.Join(data, "tmp", "node-extract"))
	assert.True(t, os.IsNotExist(err), "extract dir cleaned up")

	st, res, err = m.Install(context.Background(), "macos", "arm64")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.True(t, st.Installed)
	assert.Equal(t, 1, f.calls(), "second install must not download")
}

func TestInstall_UnsupportedPlatformNoNetwork(t *testing.T) {
	f := &fakeFetcher{}
	m := newManager(t, t.TempDir(), f, finder{}, nil)
	_, _, err := m.Install(context.Background(), "solaris", "sparc")
	require.ErrorIs(t, err, ErrUnsupportedPlatform)
	assert.Zero(t, f.calls())
}

func TestInstall_VerificationMismatch(t *testing.T) {
	skipWindows(t)
	// archive reports a different version than the one requested
	f := &fakeFetcher{payload: nodeArchive(t, "22.9.0")}
	m := newManager(t, t.TempDir(), f, finder{}, nil)
	_, _, err := m.Install(context.Background(), "macos", "arm64")
	require.ErrorIs(t, err, installer.ErrVerification)
}
