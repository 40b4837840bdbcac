// Package locate finds executables on the host and runs short probe commands
// against them.
package locate

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/loykin/gatekeeper/internal/version"
)

// ProbeTimeout bounds every version probe.
const ProbeTimeout = 5 * time.Second

// Finder resolves a binary name to an absolute path.
type Finder interface {
	Find(name string) (string, bool)
}

// System looks on PATH first and then in well-known install locations.
// Set KnownFirst to reverse the order.
type System struct {
	GOOS       string
	KnownFirst bool
	// Extra is consulted after the defaults for the OS.
	Extra []string
}

// Host returns a System finder for the running OS.
func Host() System { return System{GOOS: runtime.GOOS} }

// Find implements Finder.
func (s System) Find(name string) (string, bool) {
	known := func() (string, bool) {
		for _, c := range append(DefaultCandidates(s.goos(), name), s.extra(name)...) {
			if exists(c) {
				return c, true
			}
		}
		return "", false
	}
	if s.KnownFirst {
		if p, ok := known(); ok {
			return p, true
		}
	}
	if p, err := exec.LookPath(name); err == nil {
		if abs, err := filepath.Abs(p); err == nil {
			return abs, true
		}
		return p, true
	}
	if !s.KnownFirst {
		return known()
	}
	return "", false
}

func (s System) goos() string {
	if s.GOOS == "" {
		return runtime.GOOS
	}
	return s.GOOS
}

func (s System) extra(name string) []string {
	out := make([]string, 0, len(s.Extra))
	for _, dir := range s.Extra {
		out = append(out, filepath.Join(dir, name))
	}
	return out
}

// DefaultCandidates lists conventional install locations for name.
func DefaultCandidates(goos, name string) []string {
	switch goos {
	case "darwin":
		return []string{"/opt/homebrew/bin/" + name, "/usr/local/bin/" + name, "/usr/bin/" + name}
	case "linux":
		return []string{"/usr/local/bin/" + name, "/usr/bin/" + name}
	case "windows":
		base := `C:\Program Files\nodejs\`
		switch strings.ToLower(name) {
		case "node":
			return []string{base + "node.exe", base + "node"}
		case "npm":
			return []string{base + "npm.cmd", base + "npm.exe", base + "npm"}
		default:
			return []string{base + name + ".cmd", base + name + ".exe"}
		}
	}
	return nil
}

func exists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

// Exists reports whether p is an existing regular file.
func Exists(p string) bool { return exists(p) }

// Output runs binary with args and returns stdout and stderr. env nil means
// the current process environment.
func Output(ctx context.Context, env []string, binary string, args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, binary, args...)
	if env != nil {
		cmd.Env = env
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = errors.Join(err, ctx.Err())
	}
	return stdout.String(), stderr.String(), err
}

// VersionFlag runs `binary flag` and returns the normalized first line of
// stdout. Non-zero exit or empty output yields ok=false.
func VersionFlag(ctx context.Context, env []string, binary, flag string) (string, bool) {
	out, _, err := Output(ctx, env, binary, flag)
	if err != nil {
		return "", false
	}
	v := version.Normalize(strings.SplitN(out, "\n", 2)[0])
	if v == "" {
		return "", false
	}
	return v, true
}

// ScanVersion tries each flag in order and extracts a version token from
// stdout, then stderr, of the first successful run that contains one.
func ScanVersion(ctx context.Context, env []string, binary string, flags ...string) (string, bool) {
	for _, f := range flags {
		out, errOut, err := Output(ctx, env, binary, f)
		if err != nil {
			continue
		}
		if v, ok := version.ParseFromOutput(out); ok {
			return v, true
		}
		if v, ok := version.ParseFromOutput(errOut); ok {
			return v, true
		}
	}
	return "", false
}
