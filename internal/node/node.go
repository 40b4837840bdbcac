// Package node manages the bundled Node.js runtime: probing the bundled and
// system installs, composing the environment that puts the bundled runtime
// first on PATH, and installing release archives from nodejs.org.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loykin/gatekeeper/internal/archive"
	"github.com/loykin/gatekeeper/internal/env"
	"github.com/loykin/gatekeeper/internal/events"
	"github.com/loykin/gatekeeper/internal/fetch"
	"github.com/loykin/gatekeeper/internal/installer"
	"github.com/loykin/gatekeeper/internal/locate"
	"github.com/loykin/gatekeeper/internal/paths"
	"github.com/loykin/gatekeeper/internal/statuscache"
	"github.com/loykin/gatekeeper/internal/version"
)

const component = "node"

// ErrUnsupportedPlatform is returned for an (os, arch) pair with no release
// archive.
var ErrUnsupportedPlatform = errors.New("unsupported platform combination")

// Status is the probed state of a runtime install.
type Status struct {
	Installed bool   `json:"installed"`
	Version   string `json:"version,omitempty"`
	NodePath  string `json:"node_path,omitempty"`
	NpmPath   string `json:"npm_path,omitempty"`
}

// Options configures a Manager. Layout is required; it is consulted on every
// call so a changed install location takes effect immediately.
type Options struct {
	Layout    func() paths.Layout
	MinMajor  int
	DistURL   string
	Resolver  *version.Resolver
	Finder    locate.Finder
	Fetcher   fetch.Fetcher
	Extractor archive.Extractor
	Publisher events.Publisher
	Logger    *slog.Logger
	// FileLock adds a cross-process lock below the data directory.
	FileLock bool
	Cache    []statuscache.Option
}

// Manager answers runtime status queries and runs installs.
type Manager struct {
	opts  Options
	log   *slog.Logger
	cache *statuscache.Cache[Status]
	guard *installer.Guard
}

func NewManager(o Options) *Manager {
	if o.Finder == nil {
		o.Finder = locate.Host()
	}
	if o.Extractor == nil {
		o.Extractor = archive.Unpacker{}
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
		log:   log.With("component", component),
		cache: statuscache.New[Status](component, o.Cache...),
	}
	lock := func() string { return "" }
	if o.FileLock {
		lock = func() string { return o.Layout().InstallLock(component) }
	}
	m.guard = installer.NewGuardFunc(component, lock)
	return m
}

func (m *Manager) layout() paths.Layout { return m.opts.Layout() }

// Status returns the cached status for the current data directory, probing
// when the cache is cold or stale.
func (m *Manager) Status(ctx context.Context) Status {
	return m.cache.GetOrLoad(m.layout().DataDir, func() Status { return m.Probe(ctx) })
}

// Invalidate drops the cached status.
func (m *Manager) Invalidate() { m.cache.Invalidate() }

// Installing reports whether an install currently holds the guard.
func (m *Manager) Installing() bool { return m.guard.Busy() }

// Probe determines the status without the cache. The bundled runtime wins
// when installed, then a system runtime that reports any version, then the
// bundled negative result.
func (m *Manager) Probe(ctx context.Context) Status {
	bundled := m.BundledStatus(ctx)
	if bundled.Installed {
		return bundled
	}
	if sys := m.SystemStatus(ctx); sys.Version != "" {
		return sys
	}
	return bundled
}

// BundledStatus inspects the runtime below the data directory. Both node and
// npm must exist and the version must meet the configured minimum.
func (m *Manager) BundledStatus(ctx context.Context) Status {
	l := m.layout()
	nodePath, npmPath := l.Node(), l.Npm()
	if !locate.Exists(nodePath) || !locate.Exists(npmPath) {
		return Status{}
	}
	v, ok := locate.VersionFlag(ctx, nil, nodePath, "--version")
	return Status{
		Installed: ok && version.MeetsMinimum(v, m.opts.MinMajor),
		Version:   v,
		NodePath:  nodePath,
		NpmPath:   npmPath,
	}
}

// SystemStatus inspects node and npm found on the host.
func (m *Manager) SystemStatus(ctx context.Context) Status {
	nodePath, _ := m.opts.Finder.Find("node")
	npmPath, _ := m.opts.Finder.Find("npm")
	var (
		v  string
		ok bool
	)
	if nodePath != "" {
		v, ok = locate.VersionFlag(ctx, nil, nodePath, "--version")
	}
	if !ok {
		v, ok = locate.VersionFlag(ctx, nil, "node", "--version")
	}
	return Status{
		Installed: ok && version.MeetsMinimum(v, m.opts.MinMajor) && npmPath != "",
		Version:   v,
		NodePath:  nodePath,
		NpmPath:   npmPath,
	}
}

func (m *Manager) environment() *env.Env {
	l := m.layout()
	e := env.New().FromOS()
	e.PrependPath(l.NodeBin(), l.PathListSeparator())
	return e
}

// Env returns the variables that put the bundled runtime first on PATH.
func (m *Manager) Env() map[string]string {
	e := m.environment()
	key := e.PathKey()
	v, _ := e.Lookup(key)
	return map[string]string{key: v}
}

// Environ is the full child environment with Env applied, plus extra
// "K=V" entries.
func (m *Manager) Environ(extra ...string) []string {
	return m.environment().Merge(extra)
}

// DownloadTarget returns the release archive descriptor for a platform.
// goos is macos, windows or linux and arch is x64 or arm64.
func DownloadTarget(goos, arch, distURL string) (installer.Descriptor, error) {
	var (
		platform string
		kind     archive.Kind
	)
	switch goos {
	case "macos":
		platform, kind = "darwin", archive.TarGz
	case "windows":
		platform, kind = "win", archive.Zip
	case "linux":
		platform, kind = "linux", archive.TarXz
	}
	if platform == "" || (arch != "x64" && arch != "arm64") {
		return installer.Descriptor{}, fmt.Errorf("%w: os=%s, arch=%s", ErrUnsupportedPlatform, goos, arch)
	}
	return installer.Descriptor{
		Kind: kind,
		URL: func(v string) string {
			return fmt.Sprintf("%s/v%s/node-v%s-%s-%s.%s", distURL, v, v, platform, arch, kind.Ext())
		},
	}, nil
}

// Install downloads and installs the desired runtime for (goos, arch) unless
// it is already present, and returns the resulting status.
func (m *Manager) Install(ctx context.Context, goos, arch string) (Status, installer.Result, error) {
	l := m.layout()
	p := &installer.Pipeline{
		Component:   component,
		EventName:   events.RuntimeProgress,
		TmpDir:      l.TmpDir(),
		ArchiveBase: "node-runtime",
		ExtractName: "node-extract",
		InstallDir:  l.NodeRoot(),
		Descriptor: func() (installer.Descriptor, error) {
			return DownloadTarget(goos, arch, m.opts.DistURL)
		},
		Desired: m.opts.Resolver.Desired,
		Probe: func(ctx context.Context) (string, bool) {
			s := m.BundledStatus(ctx)
			return s.Version, s.Installed
		},
		Invalidate: m.Invalidate,
		Fetcher:    m.opts.Fetcher,
		Extractor:  m.opts.Extractor,
		Guard:      m.guard,
		Publisher:  m.opts.Publisher,
		Logger:     m.log,
	}
	res, err := p.Run(ctx)
	if err != nil {
		return Status{}, res, err
	}
	return m.Status(ctx), res, nil
}
