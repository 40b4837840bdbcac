package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loykin/gatekeeper"
	"github.com/loykin/gatekeeper/pkg/client"
)

// api is what every subcommand talks to: the in-process App, or a running
// server through pkg/client.
type api interface {
	RuntimeStatus(ctx context.Context) (gatekeeper.RuntimeStatus, error)
	RuntimeEnv(ctx context.Context) (map[string]string, error)
	InstallRuntime(ctx context.Context, goos, arch string) (gatekeeper.RuntimeStatus, error)

	ToolStatus(ctx context.Context) (gatekeeper.ToolStatus, error)
	InstallTool(ctx context.Context) (gatekeeper.ToolStatus, error)
	UpdateTool(ctx context.Context) (gatekeeper.ToolStatus, error)
	CheckToolUpdate(ctx context.Context) (gatekeeper.UpdateInfo, error)

	StartGateway(ctx context.Context, port int, env map[string]string) (gatekeeper.GatewayStatus, error)
	StopGateway(ctx context.Context) (gatekeeper.GatewayStatus, error)
	GatewayStatus(ctx context.Context) (gatekeeper.GatewayStatus, error)
	Health(ctx context.Context, port int) (client.Health, error)

	Platform(ctx context.Context) (gatekeeper.PlatformInfo, error)
	Prerequisites(ctx context.Context) ([]gatekeeper.Check, error)

	InstallLocation(ctx context.Context) (gatekeeper.LocationState, error)
	SetInstallLocation(ctx context.Context, path string) (gatekeeper.LocationState, error)
	ResetInstallLocation(ctx context.Context) (gatekeeper.LocationState, error)

	Providers(ctx context.Context) ([]gatekeeper.Provider, error)
	LLMState(ctx context.Context) (gatekeeper.LLMState, error)
	SaveLLMConfig(ctx context.Context, provider, model, apiKey string) (gatekeeper.LLMState, error)

	Events(ctx context.Context, names []string, fn func(name string, data json.RawMessage) error) error

	// Remote reports whether the gateway outlives this CLI process.
	Remote() bool
}

type remote struct{ *client.Client }

func (remote) Remote() bool { return true }

// local adapts the in-process App to api.
type local struct{ app *gatekeeper.App }

func (local) Remote() bool { return false }

func (l local) RuntimeStatus(ctx context.Context) (gatekeeper.RuntimeStatus, error) {
	return l.app.RuntimeStatus(ctx), nil
}

func (l local) RuntimeEnv(context.Context) (map[string]string, error) { return l.app.RuntimeEnv(), nil }

func (l local) InstallRuntime(ctx context.Context, goos, arch string) (gatekeeper.RuntimeStatus, error) {
	return l.app.InstallRuntime(ctx, goos, arch)
}

func (l local) ToolStatus(ctx context.Context) (gatekeeper.ToolStatus, error) {
	return l.app.ToolStatus(ctx), nil
}

func (l local) InstallTool(ctx context.Context) (gatekeeper.ToolStatus, error) {
	return l.app.InstallTool(ctx)
}

func (l local) UpdateTool(ctx context.Context) (gatekeeper.ToolStatus, error) {
	return l.app.UpdateTool(ctx)
}

func (l local) CheckToolUpdate(ctx context.Context) (gatekeeper.UpdateInfo, error) {
	return l.app.CheckToolUpdate(ctx)
}

func (l local) StartGateway(ctx context.Context, port int, env map[string]string) (gatekeeper.GatewayStatus, error) {
	return l.app.StartGateway(ctx, port, env)
}

func (l local) StopGateway(context.Context) (gatekeeper.GatewayStatus, error) {
	return l.app.StopGateway()
}

func (l local) GatewayStatus(context.Context) (gatekeeper.GatewayStatus, error) {
	return l.app.GatewayStatus(), nil
}

func (l local) Health(ctx context.Context, port int) (client.Health, error) {
	if port == 0 {
		port = l.app.Config().Gateway.Port
	}
	return client.Health{Port: port, Healthy: l.app.HealthCheck(ctx, port)}, nil
}

func (l local) Platform(ctx context.Context) (gatekeeper.PlatformInfo, error) {
	return l.app.Platform(ctx), nil
}

func (l local) Prerequisites(ctx context.Context) ([]gatekeeper.Check, error) {
	return l.app.Prerequisites(ctx), nil
}

func (l local) InstallLocation(context.Context) (gatekeeper.LocationState, error) {
	return l.app.InstallLocation(), nil
}

func (l local) SetInstallLocation(_ context.Context, path string) (gatekeeper.LocationState, error) {
	return l.app.SetInstallLocation(path)
}

func (l local) ResetInstallLocation(context.Context) (gatekeeper.LocationState, error) {
	return l.app.ResetInstallLocation()
}

func (l local) Providers(context.Context) ([]gatekeeper.Provider, error) {
	return l.app.Providers(), nil
}

func (l local) LLMState(context.Context) (gatekeeper.LLMState, error) { return l.app.LLMState() }

func (l local) SaveLLMConfig(_ context.Context, provider, model, apiKey string) (gatekeeper.LLMState, error) {
	if err := l.app.SaveLLMConfig(provider, model, apiKey); err != nil {
		return gatekeeper.LLMState{}, err
	}
	return l.app.LLMState()
}

// Events re-encodes bus payloads so local and remote callers see the same
// JSON.
func (l local) Events(ctx context.Context, names []string, fn func(name string, data json.RawMessage) error) error {
	ch, cancel := l.app.Subscribe(128, names...)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				return fmt.Errorf("encode %s payload: %w", ev.Name, err)
			}
			if err := fn(ev.Name, data); err != nil {
				return err
			}
		}
	}
}
