package locate

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func script(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return p
}

func skipOnWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are unix-only")
	}
}

func TestFind_PathThenExtra(t *testing.T) {
	skipOnWindows(t)
	pathDir := t.TempDir()
	extraDir := t.TempDir()
	script(t, pathDir, "gk-probe-tool", "exit 0")
	script(t, extraDir, "gk-extra-only", "exit 0")
	t.Setenv("PATH", pathDir)

	s := System{GOOS: "plan9", Extra: []string{extraDir}}
	p, ok := s.Find("gk-probe-tool")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(pathDir, "gk-probe-tool"), p)

	p, ok = s.Find("gk-extra-only")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(extraDir, "gk-extra-only"), p)

	_, ok = s.Find("gk-does-not-exist")
	assert.False(t, ok)
}

func TestFind_KnownFirst(t *testing.T) {
	skipOnWindows(t)
	pathDir := t.TempDir()
	knownDir := t.TempDir()
	script(t, pathDir, "gk-dual", "exit 0")
	script(t, knownDir, "gk-dual", "exit 0")
	t.Setenv("PATH", pathDir)

	p, ok := System{GOOS: "plan9", KnownFirst: true, Extra: []string{knownDir}}.Find("gk-dual")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(knownDir, "gk-dual"), p)
}

func TestDefaultCandidates(t *testing.T) {
	assert.Equal(t, []string{"/opt/homebrew/bin/node", "/usr/local/bin/node", "/usr/bin/node"}, DefaultCandidates("darwin", "node"))
	assert.Equal(t, []string{"/usr/local/bin/npm", "/usr/bin/npm"}, DefaultCandidates("linux", "npm"))
	assert.Contains(t, DefaultCandidates("windows", "npm"), `C:\Program Files\nodejs\npm.cmd`)
	assert.Nil(t, DefaultCandidates("plan9", "node"))
}

func TestVersionFlag(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	ok := script(t, dir, "node", `echo "v22.16.0"`)
	bad := script(t, dir, "broken", "exit 3")

	v, found := VersionFlag(context.Background(), nil, ok, "--version")
	require.True(t, found)
	assert.Equal(t, "22.16.0", v)

	_, found = VersionFlag(context.Background(), nil, bad, "--version")
	assert.False(t, found)
}

func TestScanVersion_FallsBackToSecondFlagAndStderr(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	bin := script(t, dir, "openclaw", `
if [ "$1" = "-v" ]; then
  echo "OpenClaw 2026.2.1" >&2
  exit 0
fi
echo "usage: openclaw"`)
	v, ok := ScanVersion(context.Background(), nil, bin, "--version", "-v")
	require.True(t, ok)
	assert.Equal(t, "2026.2.1", v)
}

func TestScanVersion_IgnoresFailedRuns(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	bin := script(t, dir, "broken", `echo "broken 1.2.3"; exit 3`)
	_, ok := ScanVersion(context.Background(), nil, bin, "--version", "-v")
	assert.False(t, ok)
}

func TestOutput_PassesEnv(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	bin := script(t, dir, "envdump", `echo "$GK_MARKER"`)
	out, _, err := Output(context.Background(), []string{"GK_MARKER=hello"}, bin)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)
}
