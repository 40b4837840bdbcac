package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/gatekeeper"
	"github.com/loykin/gatekeeper/pkg/client"
)

type fakeAPI struct {
	mu sync.Mutex
	// ready, when set, holds events back until StartGateway ran
	ready     chan struct{}
	remote    bool
	installOS string
	started   []int
	env       map[string]string
	stopped   int
	saved     []string
	events    []string
	err       error
	gw        gatekeeper.GatewayStatus
}

func (f *fakeAPI) Remote() bool { return f.remote }
func (f *fakeAPI) RuntimeStatus(context.Context) (gatekeeper.RuntimeStatus, error) {
	return gatekeeper.RuntimeStatus{Installed: true, Version: "22.16.0", NodePath: "/d/node/bin/node"}, nil
}
func (f *fakeAPI) RuntimeEnv(context.Context) (map[string]string, error) {
	return map[string]string{"PATH": "/d/node/bin:/usr/bin"}, nil
}
func (f *fakeAPI) InstallRuntime(_ context.Context, goos, arch string) (gatekeeper.RuntimeStatus, error) {
	f.installOS = goos + "/" + arch
	return gatekeeper.RuntimeStatus{Installed: true, Version: "22.16.0"}, f.err
}
func (f *fakeAPI) ToolStatus(context.Context) (gatekeeper.ToolStatus, error) {
	return gatekeeper.ToolStatus{}, nil
}
func (f *fakeAPI) InstallTool(context.Context) (gatekeeper.ToolStatus, error) {
	return gatekeeper.ToolStatus{Installed: true, Version: "1.2.3"}, f.err
}
func (f *fakeAPI) UpdateTool(ctx context.Context) (gatekeeper.ToolStatus, error) {
	return f.InstallTool(ctx)
}
func (f *fakeAPI) CheckToolUpdate(context.Context) (gatekeeper.UpdateInfo, error) {
	return gatekeeper.UpdateInfo{InstalledVersion: "1.2.3", LatestVersion: "1.3.0", UpdateAvailable: true}, nil
}
func (f *fakeAPI) StartGateway(_ context.Context, port int, env map[string]string) (gatekeeper.GatewayStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, port)
	f.env = env
	if f.ready != nil {
		defer close(f.ready)
	}
	if f.err != nil {
		return gatekeeper.GatewayStatus{}, f.err
	}
	f.gw = gatekeeper.GatewayStatus{State: "starting", PID: 99, Port: port}
	return f.gw, nil
}
func (f *fakeAPI) StopGateway(context.Context) (gatekeeper.GatewayStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	f.gw = gatekeeper.GatewayStatus{State: "stopped", Port: f.gw.Port}
	return f.gw, nil
}
func (f *fakeAPI) GatewayStatus(context.Context) (gatekeeper.GatewayStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gw, nil
}
func (f *fakeAPI) Health(_ context.Context, port int) (client.Health, error) {
	return client.Health{Port: port, Healthy: port == 18789}, nil
}
func (f *fakeAPI) Platform(context.Context) (gatekeeper.PlatformInfo, error) {
	return gatekeeper.PlatformInfo{OS: "linux", Arch: "arm64", OSVersion: "6.1"}, nil
}
func (f *fakeAPI) Prerequisites(context.Context) ([]gatekeeper.Check, error) {
	return []gatekeeper.Check{
		{Name: "disk_space", Passed: true, Detail: "12.00 GB free"},
		{Name: "network", Passed: false, Detail: "Cannot reach nodejs.org"},
	}, nil
}
func (f *fakeAPI) InstallLocation(context.Context) (gatekeeper.LocationState, error) {
	return gatekeeper.LocationState{DefaultPath: "/d", EffectivePath: "/d"}, nil
}
func (f *fakeAPI) SetInstallLocation(_ context.Context, p string) (gatekeeper.LocationState, error) {
	return gatekeeper.LocationState{DefaultPath: "/d", SelectedPath: &p, EffectivePath: p}, nil
}
func (f *fakeAPI) ResetInstallLocation(ctx context.Context) (gatekeeper.LocationState, error) {
	return f.InstallLocation(ctx)
}
func (f *fakeAPI) Providers(context.Context) ([]gatekeeper.Provider, error) {
	return []gatekeeper.Provider{{
		ID: "anthropic", EnvVar: "ANTHROPIC_API_KEY", RequiresAPIKey: true,
		Models: []gatekeeper.Model{{ID: "anthropic/claude-x", DisplayName: "Claude X", IsDefault: true}},
	}}, nil
}
func (f *fakeAPI) LLMState(context.Context) (gatekeeper.LLMState, error) {
	return gatekeeper.LLMState{}, nil
}
func (f *fakeAPI) SaveLLMConfig(_ context.Context, provider, model, key string) (gatekeeper.LLMState, error) {
	f.saved = []string{provider, model, key}
	return gatekeeper.LLMState{SelectedProvider: provider, SelectedModel: model, HasAPIKey: key != ""}, nil
}
func (f *fakeAPI) Events(ctx context.Context, _ []string, fn func(string, json.RawMessage) error) error {
	if f.ready != nil {
		<-f.ready
	}
	for _, e := range f.events {
		name, data, _ := strings.Cut(e, " ")
		if name == "gateway:status" {
			f.mu.Lock()
			pid := f.gw.PID
			_ = json.Unmarshal([]byte(data), &f.gw)
			f.gw.PID = pid
			f.mu.Unlock()
		}
		if err := fn(name, json.RawMessage(data)); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func execute(t *testing.T, f *fakeAPI, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	root := buildRoot(func(*GlobalFlags) (api, func(), error) { return f, func() {}, nil })
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRuntimeCommands(t *testing.T) {
	f := &fakeAPI{}
	out, err := execute(t, f, "runtime", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "22.16.0")
	assert.Contains(t, out, "INSTALLED")

	out, err = execute(t, f, "runtime", "env")
	require.NoError(t, err)
	assert.Equal(t, "PATH=/d/node/bin:/usr/bin\n", out)

	_, err = execute(t, f, "runtime", "install", "--os", "linux", "--arch", "x64", "--json")
	require.NoError(t, err)
	assert.Equal(t, "linux/x64", f.installOS)
}

func TestInstallPrintsProgress(t *testing.T) {
	f := &fakeAPI{events: []string{
		`openclaw:install-progress {"stage":"installing","detail":"Running npm install -g openclaw@latest"}`,
	}}
	out, err := execute(t, f, "tool", "install")
	require.NoError(t, err)
	assert.Contains(t, out, "[installing] Running npm install -g openclaw@latest")
	assert.Contains(t, out, "openclaw install finished")
}

func TestInstallErrorPropagates(t *testing.T) {
	f := &fakeAPI{err: gatekeeper.ErrInProgress}
	_, err := execute(t, f, "tool", "update")
	assert.ErrorIs(t, err, gatekeeper.ErrInProgress)
}

func TestToolCheckUpdate_JSON(t *testing.T) {
	out, err := execute(t, &fakeAPI{}, "tool", "check-update", "--json")
	require.NoError(t, err)
	var info gatekeeper.UpdateInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.True(t, info.UpdateAvailable)
	assert.Equal(t, "1.3.0", info.LatestVersion)
}

func TestGatewayStart_Remote(t *testing.T) {
	f := &fakeAPI{remote: true}
	out, err := execute(t, f, "gateway", "start", "--port", "19000", "--env", "A=1", "--env", "B=x=y")
	require.NoError(t, err)
	assert.Equal(t, []int{19000}, f.started)
	assert.Equal(t, map[string]string{"A": "1", "B": "x=y"}, f.env)
	assert.Contains(t, out, "starting")
	assert.Equal(t, 0, f.stopped)

	_, err = execute(t, f, "gateway", "start", "--env", "novalue")
	assert.ErrorContains(t, err, "KEY=VALUE")
}

func TestGatewayStart_LocalStopsWhenGatewayEnds(t *testing.T) {
	f := &fakeAPI{ready: make(chan struct{}), events: []string{
		`gateway:log {"line":"listening on 18789","level":"stdout"}`,
		`gateway:status {"state":"error","port":18789,"error":"Gateway process exited unexpectedly (code 1)"}`,
	}}
	out, err := execute(t, f, "gateway", "start")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited unexpectedly")
	assert.Contains(t, out, "listening on 18789")
	assert.Equal(t, []int{0}, f.started)
	assert.Equal(t, 1, f.stopped)
}

func TestGatewayStatusShowsWebchat(t *testing.T) {
	up := uint64(5)
	f := &fakeAPI{gw: gatekeeper.GatewayStatus{State: "running", PID: 4, Port: 18789, UptimeSecs: &up}}
	out, err := execute(t, f, "gateway", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "5s")
	assert.Contains(t, out, "webchat: http://127.0.0.1:18789")
}

func TestHealthAndPlatform(t *testing.T) {
	f := &fakeAPI{}
	out, err := execute(t, f, "health", "--port", "18789", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"port":18789,"healthy":true}`, out)

	out, err = execute(t, f, "platform")
	require.NoError(t, err)
	assert.Contains(t, out, "arm64")

	out, err = execute(t, f, "platform", "check")
	assert.EqualError(t, err, "prerequisite network failed")
	assert.Contains(t, out, "Cannot reach nodejs.org")
}

func TestLocationCommands(t *testing.T) {
	out, err := execute(t, &fakeAPI{}, "location", "set", "/srv/gk")
	require.NoError(t, err)
	assert.Contains(t, out, "/srv/gk")

	_, err = execute(t, &fakeAPI{}, "location", "set")
	assert.Error(t, err)
}

func TestLLMSet_DefaultModel(t *testing.T) {
	f := &fakeAPI{}
	out, err := execute(t, f, "llm", "set", "--provider", "anthropic", "--api-key", "sk-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"anthropic", "anthropic/claude-x", "sk-1"}, f.saved)
	assert.Contains(t, out, "anthropic/claude-x")

	_, err = execute(t, f, "llm", "set", "--provider", "nope")
	assert.EqualError(t, err, "unknown provider: nope")

	_, err = execute(t, f, "llm", "set")
	assert.Error(t, err)
}

func TestProgressLine(t *testing.T) {
	color.NoColor = true
	line, ok := progressLine("node:progress", json.RawMessage(`{"stage":"downloading","percent":0.5,"detail":"Downloading x"}`))
	require.True(t, ok)
	assert.Equal(t, "[downloading]  50.0% Downloading x", line)

	line, ok = progressLine("gateway:log", json.RawMessage(`{"line":"boom","level":"stderr"}`))
	require.True(t, ok)
	assert.Equal(t, "boom", line)

	_, ok = progressLine("x", json.RawMessage(`{}`))
	assert.False(t, ok)
	_, ok = progressLine("x", json.RawMessage(`not json`))
	assert.False(t, ok)
}

func TestParseEnv(t *testing.T) {
	m, err := parseEnv(nil)
	require.NoError(t, err)
	assert.Nil(t, m)
	_, err = parseEnv([]string{"=v"})
	assert.Error(t, err)
}

func TestOpenAPI_Local(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "gatekeeper.toml")
	toml := "data_dir = " + tomlString(filepath.Join(dir, "data")) + "\n" +
		"config_dir = " + tomlString(filepath.Join(dir, "config")) + "\n" +
		"[log.file]\ndir = \"\"\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(toml), 0o600))

	a, release, err := openAPI(&GlobalFlags{ConfigPath: cfgPath})
	require.NoError(t, err)
	defer release()
	assert.False(t, a.Remote())

	target := filepath.Join(dir, "elsewhere")
	st, err := a.SetInstallLocation(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, target, st.EffectivePath)
	assert.FileExists(t, filepath.Join(dir, "config", "settings.json"))

	ps, err := a.Providers(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, ps)
}

func TestOpenAPI_BadConfig(t *testing.T) {
	_, _, err := openAPI(&GlobalFlags{ConfigPath: filepath.Join(t.TempDir(), "missing.toml")})
	require.Error(t, err)

	a, _, err := openAPI(&GlobalFlags{APIUrl: "http://127.0.0.1:1/api"})
	require.NoError(t, err)
	assert.True(t, a.Remote())
	_, err = a.GatewayStatus(context.Background())
	assert.False(t, errors.Is(err, context.Canceled))
	assert.Error(t, err)
}

func tomlString(s string) string { return "'" + s + "'" }
