// Package tool installs, updates and locates the OpenClaw CLI, which is
// distributed through npm and runs on the managed Node.js runtime.
package tool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/gatekeeper/internal/events"
	"github.com/loykin/gatekeeper/internal/installer"
	"github.com/loykin/gatekeeper/internal/locate"
	"github.com/loykin/gatekeeper/internal/metrics"
	"github.com/loykin/gatekeeper/internal/node"
	"github.com/loykin/gatekeeper/internal/paths"
	"github.com/loykin/gatekeeper/internal/statuscache"
	"github.com/loykin/gatekeeper/internal/version"
)

// ErrRuntimeMissing is returned when npm cannot run because no usable
// runtime is installed.
var ErrRuntimeMissing = errors.New("node runtime is not installed; run `gatekeeper runtime install` first")

// QueryTimeout bounds `npm view`.
const QueryTimeout = 60 * time.Second

// Status is the probed state of the tool.
type Status struct {
	Installed  bool   `json:"installed"`
	Version    string `json:"version,omitempty"`
	BinaryPath string `json:"binary_path,omitempty"`
}

// UpdateInfo compares the installed tool with the registry.
type UpdateInfo struct {
	InstalledVersion string `json:"installed_version"`
	LatestVersion    string `json:"latest_version"`
	UpdateAvailable  bool   `json:"update_available"`
}

// Runtime is the part of the runtime manager the tool depends on.
type Runtime interface {
	Status(ctx context.Context) node.Status
	Environ(extra ...string) []string
}

type Options struct {
	Layout  func() paths.Layout
	Package string
	Binary  string
	Runtime Runtime
	// Finder locates a system-wide install. Defaults to known locations
	// first, then PATH.
	Finder    locate.Finder
	Publisher events.Publisher
	Logger    *slog.Logger
	FileLock  bool
	Cache     []statuscache.Option
}

type Manager struct {
	opts  Options
	log   *slog.Logger
	cache *statuscache.Cache[Status]
	guard *installer.Guard
}

func NewManager(o Options) *Manager {
	if o.Package == "" {
		o.Package = "openclaw"
	}
	if o.Binary == "" {
		o.Binary = o.Package
	}
	if o.Finder == nil {
		f := locate.Host()
		f.KnownFirst = true
		o.Finder = f
	}
	if o.Publisher == nil {
		o.Publisher = events.Discard{}
	}
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		opts:  o,
		log:   log.With("component", o.Package),
		cache: statuscache.New[Status](o.Package, o.Cache...),
	}
	lock := func() string { return "" }
	if o.FileLock {
		lock = func() string { return o.Layout().InstallLock(o.Package) }
	}
	m.guard = installer.NewGuardFunc(o.Package, lock)
	return m
}

func (m *Manager) scope() string { return m.opts.Layout().DataDir }

// Status returns the cached status for the current data directory.
func (m *Manager) Status(ctx context.Context) Status {
	return m.cache.GetOrLoad(m.scope(), func() Status { return m.Probe(ctx) })
}

func (m *Manager) Invalidate() { m.cache.Invalidate() }

// Installing reports whether an install or update is running.
func (m *Manager) Installing() bool { return m.guard.Busy() }

// Probe prefers the install below the data directory, then a system-wide
// install, then reports the bundled negative result.
func (m *Manager) Probe(ctx context.Context) Status {
	if b := m.BundledStatus(ctx); b.Installed {
		return b
	}
	if s := m.SystemStatus(ctx); s.Installed {
		return s
	}
	return Status{}
}

// BundledStatus returns the first candidate below the npm prefix that
// reports a version.
func (m *Manager) BundledStatus(ctx context.Context) Status {
	for _, p := range m.opts.Layout().ToolCandidates(m.opts.Binary) {
		if !locate.Exists(p) {
			continue
		}
		if v, ok := locate.ScanVersion(ctx, nil, p, "--version", "-v"); ok {
			return Status{Installed: true, Version: v, BinaryPath: p}
		}
	}
	return Status{}
}

func (m *Manager) SystemStatus(ctx context.Context) Status {
	p, ok := m.opts.Finder.Find(m.opts.Binary)
	if !ok {
		return Status{}
	}
	v, ok := locate.ScanVersion(ctx, nil, p, "--version", "-v")
	return Status{Installed: ok, Version: v, BinaryPath: p}
}

func (m *Manager) progress(detail string) {
	m.opts.Publisher.Publish(events.ToolProgress, installer.Progress{Stage: installer.StageInstalling, Detail: detail})
}

// Install runs `npm install -g <package>@latest` into the data directory's
// prefix and verifies the result. A second concurrent call is rejected with
// installer.ErrInProgress.
func (m *Manager) Install(ctx context.Context) (Status, error) {
	release, err := m.guard.TryAcquire()
	if err != nil {
		return Status{}, err
	}
	defer release()

	started := time.Now()
	res := installer.Result{RunID: uuid.NewString(), Component: m.opts.Package}
	st, err := m.install(ctx)
	res.Duration = time.Since(started)
	res.Version = st.Version
	outcome := "installed"
	if err != nil {
		outcome = "failed"
		res.Error = err.Error()
	}
	metrics.ObserveInstall(m.opts.Package, outcome, res.Duration.Seconds())
	m.opts.Publisher.Publish(events.InstallFinished, res)
	m.log.Info("install finished", "run", res.RunID, "outcome", outcome, "version", st.Version, "duration", res.Duration)
	return st, err
}

// Update is Install; npm resolves @latest either way.
func (m *Manager) Update(ctx context.Context) (Status, error) { return m.Install(ctx) }

func (m *Manager) install(ctx context.Context) (Status, error) {
	m.Invalidate()

	rt := m.opts.Runtime.Status(ctx)
	if !rt.Installed {
		return Status{}, ErrRuntimeMissing
	}
	if rt.NpmPath == "" {
		return Status{}, errors.New("npm path missing from node status")
	}
	prefix := m.opts.Layout().ToolPrefix()
	if err := os.MkdirAll(prefix, 0o755); err != nil {
		return Status{}, fmt.Errorf("failed to create %s prefix dir: %w", m.opts.Package, err)
	}

	target := m.opts.Package + "@latest"
	m.progress("Running npm install -g " + target)

	cmd := exec.CommandContext(ctx, rt.NpmPath, "install", "-g", target, "--prefix", prefix)
	cmd.Env = m.opts.Runtime.Environ()
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Status{}, fmt.Errorf("failed to capture npm stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Status{}, fmt.Errorf("failed to capture npm stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Status{}, fmt.Errorf("failed to start npm install: %w", err)
	}

	var g errgroup.Group
	g.Go(func() error { return m.stream(stdout, "stdout") })
	g.Go(func() error { return m.stream(stderr, "stderr") })
	if err := g.Wait(); err != nil {
		m.log.Warn("npm output stream", "error", err)
	}
	if err := cmd.Wait(); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return Status{}, fmt.Errorf("npm install failed with status %s", ee.ProcessState)
		}
		return Status{}, fmt.Errorf("npm process wait failed: %w", err)
	}

	st := m.Probe(ctx)
	m.cache.Put(m.scope(), st)
	if !st.Installed {
		return st, fmt.Errorf("%w: %s install completed but binary verification failed", installer.ErrVerification, m.opts.Package)
	}
	return st, nil
}

func (m *Manager) stream(r io.Reader, name string) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		m.log.Debug("npm", "stream", name, "line", line)
		m.progress(line)
	}
	if err := sc.Err(); err != nil {
		// keep the pipe empty so npm can exit
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}

// LatestVersion asks the registry for the newest published version.
func (m *Manager) LatestVersion(ctx context.Context) (string, error) {
	rt := m.opts.Runtime.Status(ctx)
	if !rt.Installed {
		return "", errors.New("node runtime is not installed")
	}
	if rt.NpmPath == "" {
		return "", errors.New("npm path missing from node status")
	}
	ctx, cancel := context.WithTimeout(ctx, QueryTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, rt.NpmPath, "view", m.opts.Package, "version")
	cmd.Env = m.opts.Runtime.Environ()
	out, err := cmd.Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return "", fmt.Errorf("npm view %s version failed with status %s", m.opts.Package, ee.ProcessState)
		}
		return "", fmt.Errorf("failed to query npm version: %w", err)
	}
	v := strings.TrimSpace(string(out))
	if v == "" {
		return "", errors.New("npm did not return a version string")
	}
	return v, nil
}

// CheckUpdate compares the installed version with the registry. Nothing
// installed never reports an update.
func (m *Manager) CheckUpdate(ctx context.Context) (UpdateInfo, error) {
	installed := m.Status(ctx)
	latest, err := m.LatestVersion(ctx)
	if err != nil {
		return UpdateInfo{}, err
	}
	info := UpdateInfo{InstalledVersion: installed.Version, LatestVersion: latest}
	if info.InstalledVersion != "" {
		info.UpdateAvailable = version.IsNewer(info.InstalledVersion, latest)
	}
	return info, nil
}
