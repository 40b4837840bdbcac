// Package gatekeeper installs and supervises a local AI gateway: a bundled
// Node.js runtime, the openclaw npm package on top of it, and the
// long-running gateway process the package provides.
//
// App is the composition root. Every user-facing command of the CLI and
// the HTTP API is a method on it.
package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	goruntime "runtime"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/gatekeeper/internal/config"
	"github.com/loykin/gatekeeper/internal/events"
	"github.com/loykin/gatekeeper/internal/fetch"
	"github.com/loykin/gatekeeper/internal/gateway"
	"github.com/loykin/gatekeeper/internal/health"
	"github.com/loykin/gatekeeper/internal/history"
	"github.com/loykin/gatekeeper/internal/history/factory"
	"github.com/loykin/gatekeeper/internal/installer"
	"github.com/loykin/gatekeeper/internal/llm"
	"github.com/loykin/gatekeeper/internal/locate"
	"github.com/loykin/gatekeeper/internal/location"
	"github.com/loykin/gatekeeper/internal/metrics"
	"github.com/loykin/gatekeeper/internal/node"
	"github.com/loykin/gatekeeper/internal/paths"
	"github.com/loykin/gatekeeper/internal/platform"
	"github.com/loykin/gatekeeper/internal/tool"
	"github.com/loykin/gatekeeper/internal/version"
)

// Re-export the types returned by App so callers need no internal imports.

type (
	Config         = config.Config
	RuntimeStatus  = node.Status
	ToolStatus     = tool.Status
	UpdateInfo     = tool.UpdateInfo
	GatewayStatus  = gateway.Status
	GatewayLogLine = gateway.LogLine
	PlatformInfo   = platform.Info
	Check          = platform.Check
	LocationState  = location.State
	Provider       = llm.Provider
	Model          = llm.Model
	LLMState       = llm.State
	Event          = events.Event
)

var (
	ErrInProgress          = installer.ErrInProgress
	ErrToolMissing         = errors.New("openclaw is not installed")
	ErrUnsupportedPlatform = node.ErrUnsupportedPlatform
	ErrAlreadyRunning      = gateway.ErrAlreadyRunning
	ErrStopping            = gateway.ErrStopping
)

// LoadConfig reads a TOML config file (optional: empty path means defaults)
// with GATEKEEPER_* environment overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Option customizes New.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	fetcher    fetch.Fetcher
	prober     health.Prober
	checker    *platform.Checker
	nodeFinder locate.Finder
	toolFinder locate.Finder
	toolConfig func() (string, error)
	sinks      []history.Sink
}

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithFetcher replaces the retrying HTTP client used for downloads and the
// release index.
func WithFetcher(f fetch.Fetcher) Option { return func(o *options) { o.fetcher = f } }

// WithGatewayProber replaces the supervisor's readiness and liveness probe.
func WithGatewayProber(p health.Prober) Option { return func(o *options) { o.prober = p } }

func WithChecker(c platform.Checker) Option { return func(o *options) { o.checker = &c } }

// WithFinders replaces the system-wide lookups for node and the tool.
func WithFinders(nodeFinder, toolFinder locate.Finder) Option {
	return func(o *options) { o.nodeFinder, o.toolFinder = nodeFinder, toolFinder }
}

// WithToolConfigFile overrides ~/.openclaw/openclaw.json.
func WithToolConfigFile(fn func() (string, error)) Option {
	return func(o *options) { o.toolConfig = fn }
}

// WithHistorySinks adds sinks on top of those opened from the config DSNs.
func WithHistorySinks(s ...history.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s...) }
}

type App struct {
	cfg     *config.Config
	log     *slog.Logger
	bus     *events.Bus
	loc     *location.Manager
	node    *node.Manager
	tool    *tool.Manager
	gw      *gateway.Supervisor
	llm     llm.Store
	checker platform.Checker
	prober  health.Prober
	sampler *metrics.ProcessSampler
	history *history.Recorder
}

// New wires every component from cfg. Nothing is started; call Run to
// begin recording history.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	log := o.logger
	if log == nil {
		log = cfg.Log.NewSlogger()
	}

	loc, err := location.New(cfg.DataDir, cfg.SettingsPath())
	if err != nil {
		return nil, err
	}
	layout := func() paths.Layout { return paths.New(loc.EffectivePath()) }

	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = fetch.New(fetch.Options{
			RetryMax:     cfg.Install.RetryMax,
			RetryWaitMin: cfg.Install.RetryWait,
			Logger:       log,
		})
	}

	bus := events.NewBus()
	a := &App{cfg: cfg, log: log, bus: bus, loc: loc}

	a.node = node.NewManager(node.Options{
		Layout:   layout,
		MinMajor: cfg.Runtime.MinMajor,
		DistURL:  cfg.Runtime.DistURL,
		Resolver: &version.Resolver{
			IndexURL: cfg.Runtime.IndexURL,
			MinMajor: cfg.Runtime.MinMajor,
			Fallback: cfg.Runtime.FallbackVersion,
			Getter:   fetcher,
			Logger:   log,
		},
		Finder:    o.nodeFinder,
		Fetcher:   fetcher,
		Publisher: bus,
		Logger:    log,
		FileLock:  cfg.Install.FileLock,
	})
	a.tool = tool.NewManager(tool.Options{
		Layout:    layout,
		Package:   cfg.Tool.Package,
		Binary:    cfg.Tool.Binary,
		Runtime:   a.node,
		Finder:    o.toolFinder,
		Publisher: bus,
		Logger:    log,
		FileLock:  cfg.Install.FileLock,
	})
	loc.OnChange(func(dir string) {
		a.node.Invalidate()
		a.tool.Invalidate()
		log.Info("install location changed", "dir", dir)
	})

	a.sampler = metrics.NewProcessSampler("gateway", cfg.Gateway.SampleInterval)
	a.gw = gateway.NewSupervisor(gateway.Options{
		Prober:            o.prober,
		PollInterval:      cfg.Gateway.PollInterval,
		ReadyAttempts:     cfg.Gateway.ReadyAttempts,
		MaxHealthFailures: cfg.Gateway.MaxHealthFailures,
		StopTimeout:       cfg.Gateway.StopTimeout,
		DefaultPort:       cfg.Gateway.Port,
		Publisher:         bus,
		Logger:            log,
		LogWriters: func() (io.WriteCloser, io.WriteCloser, error) {
			return cfg.Log.ProcessWriters("gateway")
		},
		Sampler: a.sampler,
	})

	toolConfig := o.toolConfig
	if toolConfig == nil {
		toolConfig = paths.ToolConfigFile
	}
	a.llm = llm.Store{
		KeysFile:   func() string { return layout().KeysFile() },
		ConfigFile: toolConfig,
		Logger:     log,
	}

	if o.checker != nil {
		a.checker = *o.checker
	}
	a.prober = health.FallbackProber{}

	sinks := o.sinks
	if cfg.History.Enabled && len(cfg.History.DSN) > 0 {
		opened, err := factory.NewSinks(cfg.History.DSN)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, opened...)
	}
	if len(sinks) > 0 {
		a.history = history.NewRecorder(log, sinks...)
	}
	return a, nil
}

// Run records history until ctx is done. Without sinks it only waits.
func (a *App) Run(ctx context.Context) {
	if a.history == nil {
		<-ctx.Done()
		return
	}
	a.history.Run(ctx, a.bus)
}

// Close stops the gateway and releases the history sinks.
func (a *App) Close() error {
	var errs []error
	if st := a.gw.Status(); st.PID != 0 {
		errs = append(errs, a.gw.Stop())
	}
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	return errors.Join(errs...)
}

// RegisterMetrics registers the package collectors and the gateway process
// sampler with r.
func (a *App) RegisterMetrics(r prometheus.Registerer) error {
	if err := metrics.Register(r); err != nil {
		return err
	}
	return a.sampler.RegisterMetrics(r)
}

// MetricsHandler serves the default registry.
func (a *App) MetricsHandler() http.Handler { return metrics.Handler() }

func (a *App) Config() *config.Config { return a.cfg }

func (a *App) Logger() *slog.Logger { return a.log }

// Events subscribes to the bus. The returned func cancels the
// subscription and closes the channel.
func (a *App) Events(buffer int, names ...string) (<-chan events.Event, func()) {
	return a.bus.Subscribe(buffer, names...)
}

// Subscribe is Events under the name expected by the HTTP layer.
func (a *App) Subscribe(buffer int, names ...string) (<-chan events.Event, func()) {
	return a.Events(buffer, names...)
}

// --- runtime ---

func (a *App) RuntimeStatus(ctx context.Context) node.Status { return a.node.Status(ctx) }

// RuntimeEnv returns the variables that put the bundled runtime first on
// PATH.
func (a *App) RuntimeEnv() map[string]string { return a.node.Env() }

// InstallRuntime installs the bundled runtime for goos/arch; empty values
// mean the running platform. Go names (darwin, amd64) are accepted.
func (a *App) InstallRuntime(ctx context.Context, goos, arch string) (node.Status, error) {
	if goos == "" {
		goos = goruntime.GOOS
	}
	if arch == "" {
		arch = goruntime.GOARCH
	}
	goos, arch = platform.NormalizeOS(goos), platform.NormalizeArch(arch)
	if _, err := a.loc.Effective(); err != nil {
		return node.Status{}, err
	}
	st, _, err := a.node.Install(ctx, goos, arch)
	return st, err
}

// --- tool ---

func (a *App) ToolStatus(ctx context.Context) tool.Status { return a.tool.Status(ctx) }

func (a *App) InstallTool(ctx context.Context) (tool.Status, error) {
	if _, err := a.loc.Effective(); err != nil {
		return tool.Status{}, err
	}
	return a.tool.Install(ctx)
}

func (a *App) UpdateTool(ctx context.Context) (tool.Status, error) {
	if _, err := a.loc.Effective(); err != nil {
		return tool.Status{}, err
	}
	return a.tool.Update(ctx)
}

func (a *App) CheckToolUpdate(ctx context.Context) (tool.UpdateInfo, error) {
	return a.tool.CheckUpdate(ctx)
}

// --- gateway ---

// StartGateway launches the installed tool's gateway on port (0 means the
// configured port). The child environment is, in increasing precedence:
// the runtime PATH, the configured gateway env, stored API keys, extra.
func (a *App) StartGateway(ctx context.Context, port int, extra map[string]string) (gateway.Status, error) {
	if port == 0 {
		port = a.cfg.Gateway.Port
	}
	ts := a.tool.Status(ctx)
	if !ts.Installed || ts.BinaryPath == "" {
		return a.gw.Status(), ErrToolMissing
	}
	env, err := a.gatewayEnv(extra)
	if err != nil {
		return a.gw.Status(), err
	}
	err = a.gw.Start(gateway.StartRequest{
		Command: ts.BinaryPath,
		Args:    a.cfg.GatewayArgs(port),
		Port:    port,
		Env:     env,
	})
	return a.gw.Status(), err
}

func (a *App) gatewayEnv(extra map[string]string) ([]string, error) {
	var out []string
	for k, v := range a.node.Env() {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	cfgEnv, err := a.cfg.GatewayEnv()
	if err != nil {
		return nil, err
	}
	out = append(out, cfgEnv...)
	keys, err := a.llm.Environ()
	if err != nil {
		// a broken keys file must not block the gateway
		a.log.Warn("api keys unavailable", "error", err)
	}
	out = append(out, keys...)
	names := make([]string, 0, len(extra))
	for k := range extra {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		out = append(out, k+"="+extra[k])
	}
	return out, nil
}

func (a *App) StopGateway() (gateway.Status, error) {
	err := a.gw.Stop()
	return a.gw.Status(), err
}

func (a *App) GatewayStatus() gateway.Status { return a.gw.Status() }

// HealthCheck probes port with curl, falling back to an in-process GET.
func (a *App) HealthCheck(ctx context.Context, port int) bool {
	if port == 0 {
		port = a.cfg.Gateway.Port
	}
	return a.prober.Check(ctx, port)
}

// WebchatURL is the browser URL of the gateway's chat UI.
func WebchatURL(port int) string { return fmt.Sprintf("http://127.0.0.1:%d", port) }

// --- platform ---

func (a *App) Platform(ctx context.Context) platform.Info { return platform.Detect(ctx) }

func (a *App) Prerequisites(ctx context.Context) []platform.Check {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return a.checker.Run(ctx, a.loc.EffectivePath())
}

// --- install location ---

func (a *App) InstallLocation() location.State { return a.loc.State() }

func (a *App) SetInstallLocation(path string) (location.State, error) { return a.loc.Set(path) }

func (a *App) ResetInstallLocation() (location.State, error) { return a.loc.Reset() }

// --- llm ---

func (a *App) Providers() []llm.Provider { return llm.Providers() }

func (a *App) LLMState() (llm.State, error) { return a.llm.State() }

func (a *App) SaveLLMConfig(provider, model, apiKey string) error {
	return a.llm.Save(provider, model, apiKey)
}

func (a *App) LoadAPIKeys() (map[string]string, error) { return a.llm.LoadAPIKeys() }
