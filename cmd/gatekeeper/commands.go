package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

// follow prints install progress events while fn runs.
func follow(ctx context.Context, a api, p printer, names []string, fn func(ctx context.Context) error) error {
	if p.json {
		return fn(ctx)
	}
	fctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Events(fctx, names, printEvent(p.w))
	}()
	err := fn(ctx)
	cancel()
	<-done
	return err
}

func printEvent(w io.Writer) func(string, json.RawMessage) error {
	return func(name string, data json.RawMessage) error {
		if line, ok := progressLine(name, data); ok {
			_, _ = fmt.Fprintln(w, line)
		}
		return nil
	}
}

func createRuntimeCommand(c cli) *cobra.Command {
	cmd := &cobra.Command{Use: "runtime", Short: "Manage the bundled Node.js runtime"}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the runtime status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a api, p printer) error {
				st, err := a.RuntimeStatus(ctx)
				if err != nil {
					return err
				}
				return p.runtime(st)
			})
		},
	}

	env := &cobra.Command{
		Use:   "env",
		Short: "Print the environment that puts the bundled runtime first on PATH",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a api, p printer) error {
				e, err := a.RuntimeEnv(ctx)
				if err != nil {
					return err
				}
				return p.env(e)
			})
		},
	}

	var goos, arch string
	install := &cobra.Command{
		Use:   "install",
		Short: "Download and install the runtime",
		Long: `Download and install the newest stable runtime release that meets the
configured minimum major version. Does nothing when it is already installed.

Examples:
  gatekeeper runtime install
  gatekeeper runtime install --os linux --arch arm64`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a api, p printer) error {
				var st any
				err := follow(ctx, a, p, []string{"node:progress"}, func(ctx context.Context) error {
					s, err := a.InstallRuntime(ctx, goos, arch)
					st = s
					return err
				})
				if err != nil {
					return err
				}
				return p.printOrOK(st, "runtime installed")
			})
		},
	}
	install.Flags().StringVar(&goos, "os", "", "target OS: macos, windows or linux (default: this host)")
	install.Flags().StringVar(&arch, "arch", "", "target architecture: x64 or arm64 (default: this host)")

	cmd.AddCommand(status, env, install)
	return cmd
}

func createToolCommand(c cli) *cobra.Command {
	cmd := &cobra.Command{Use: "tool", Short: "Manage the openclaw CLI"}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the tool status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a api, p printer) error {
				st, err := a.ToolStatus(ctx)
				if err != nil {
					return err
				}
				return p.tool(st)
			})
		},
	}

	installer := func(use, short string, update bool) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.run(cmd, func(ctx context.Context, a api, p printer) error {
					install := a.InstallTool
					if update {
						install = a.UpdateTool
					}
					var st any
					err := follow(ctx, a, p, []string{"openclaw:install-progress"}, func(ctx context.Context) error {
						s, err := install(ctx)
						st = s
						return err
					})
					if err != nil {
						return err
					}
					return p.printOrOK(st, "openclaw "+use+" finished")
				})
			},
		}
	}

	check := &cobra.Command{
		Use:   "check-update",
		Short: "Compare the installed version with the registry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a api, p printer) error {
				info, err := a.CheckToolUpdate(ctx)
				if err != nil {
					return err
				}
				return p.update(info)
			})
		},
	}

	cmd.AddCommand(status,
		installer("install", "Install the tool with npm", false),
		installer("update", "Update the tool to the latest version", true),
		check)
	return cmd
}

// parseEnv turns repeated KEY=VALUE flags into a map.
func parseEnv(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q: want KEY=VALUE", kv)
		}
		m[k] = v
	}
	return m, nil
}

func createGatewayCommand(c cli) *cobra.Command {
	cmd := &cobra.Command{Use: "gateway", Short: "Start, stop and inspect the gateway process"}

	var (
		port     int
		envKVs   []string
		followIt bool
	)
	start := &cobra.Command{
		Use:   "start",
		Short: "Start the gateway",
		Long: `Start the gateway. Without --api-url the gateway runs in the foreground
and is stopped on Ctrl-C; with --api-url the server keeps it running.

Examples:
  gatekeeper gateway start
  gatekeeper gateway start --port 19000 --env OPENCLAW_LOG=debug
  gatekeeper gateway start --api-url http://127.0.0.1:18790/api --follow`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := parseEnv(envKVs)
			if err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, a api, p printer) error {
				if !a.Remote() || followIt {
					return runForeground(ctx, a, p, port, env)
				}
				st, err := a.StartGateway(ctx, port, env)
				if err != nil {
					return err
				}
				return p.gateway(st)
			})
		},
	}
	start.Flags().IntVar(&port, "port", 0, "gateway port (default: configured port)")
	start.Flags().StringArrayVar(&envKVs, "env", nil, "extra KEY=VALUE for the gateway environment (repeatable)")
	start.Flags().BoolVar(&followIt, "follow", false, "stream the gateway log after starting")

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a api, p printer) error {
				st, err := a.StopGateway(ctx)
				if err != nil {
					return err
				}
				return p.gateway(st)
			})
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the gateway status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a api, p printer) error {
				st, err := a.GatewayStatus(ctx)
				if err != nil {
					return err
				}
				return p.gateway(st)
			})
		},
	}

	logs := &cobra.Command{
		Use:   "logs",
		Short: "Stream gateway output and status changes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a api, p printer) error {
				err := a.Events(ctx, []string{"gateway:log", "gateway:status"}, printEvent(p.w))
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}

	cmd.AddCommand(start, stop, status, logs)
	return cmd
}

var errGatewayEnded = errors.New("gateway exited")

// runForeground starts the gateway and prints its log until ctx is done or
// the gateway leaves the running states. A local gateway is stopped on the
// way out; a remote one keeps running.
func runForeground(ctx context.Context, a api, p printer, port int, env map[string]string) error {
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	logLine := printEvent(p.w)
	done := make(chan error, 1)
	go func() {
		done <- a.Events(lctx, []string{"gateway:log", "gateway:status"}, func(name string, data json.RawMessage) error {
			if name == "gateway:status" {
				var st struct {
					State string `json:"state"`
				}
				if json.Unmarshal(data, &st) == nil && (st.State == "error" || st.State == "stopped") {
					return errGatewayEnded
				}
				return nil
			}
			return logLine(name, data)
		})
	}()

	st, err := a.StartGateway(ctx, port, env)
	if err != nil {
		cancel()
		<-done
		return err
	}
	verb := "stop"
	if a.Remote() {
		verb = "detach"
	}
	_, _ = fmt.Fprintf(p.w, "%s gateway starting on port %d (pid %d); press Ctrl-C to %s\n", green("●"), st.Port, st.PID, verb)

	err = <-done
	switch {
	case errors.Is(err, errGatewayEnded):
	case errors.Is(err, context.Canceled):
		if a.Remote() {
			return nil
		}
	default:
		return err
	}
	// ctx may already be cancelled here
	bg := context.WithoutCancel(ctx)
	final, err := a.GatewayStatus(bg)
	if err != nil {
		return err
	}
	failed, msg := final.State == "error", final.Error
	if !a.Remote() && final.PID != 0 {
		if final, err = a.StopGateway(bg); err != nil {
			return err
		}
	}
	if perr := p.gateway(final); perr != nil {
		return perr
	}
	if failed {
		return fmt.Errorf("gateway failed: %s", msg)
	}
	return nil
}

func createHealthCommand(c cli) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe the gateway health endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a api, p printer) error {
				h, err := a.Health(ctx, port)
				if err != nil {
					return err
				}
				return p.health(h)
			})
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "port to probe (default: gateway port)")
	return cmd
}

func createPlatformCommand(c cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "platform",
		Short: "Show the host platform",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a api, p printer) error {
				info, err := a.Platform(ctx)
				if err != nil {
					return err
				}
				return p.platform(info)
			})
		},
	}
	check := &cobra.Command{
		Use:   "check",
		Short: "Run the install prerequisite checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a api, p printer) error {
				checks, err := a.Prerequisites(ctx)
				if err != nil {
					return err
				}
				if err := p.checks(checks); err != nil {
					return err
				}
				for _, ch := range checks {
					if !ch.Passed {
						return fmt.Errorf("prerequisite %s failed", ch.Name)
					}
				}
				return nil
			})
		},
	}
	cmd.AddCommand(check)
	return cmd
}

func createLocationCommand(c cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "location",
		Short: "Show or change the install location",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a api, p printer) error {
				st, err := a.InstallLocation(ctx)
				if err != nil {
					return err
				}
				return p.location(st)
			})
		},
	}
	set := &cobra.Command{
		Use:   "set PATH",
		Short: "Install into PATH from now on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, a api, p printer) error {
				st, err := a.SetInstallLocation(ctx, args[0])
				if err != nil {
					return err
				}
				return p.location(st)
			})
		},
	}
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Return to the default install location",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a api, p printer) error {
				st, err := a.ResetInstallLocation(ctx)
				if err != nil {
					return err
				}
				return p.location(st)
			})
		},
	}
	cmd.AddCommand(set, reset)
	return cmd
}

func createLLMCommand(c cli) *cobra.Command {
	cmd := &cobra.Command{Use: "llm", Short: "Choose the model provider for the gateway"}

	providers := &cobra.Command{
		Use:   "providers",
		Short: "List supported providers and models",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a api, p printer) error {
				ps, err := a.Providers(ctx)
				if err != nil {
					return err
				}
				return p.providers(ps)
			})
		},
	}

	state := &cobra.Command{
		Use:   "state",
		Short: "Show the selected provider and model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a api, p printer) error {
				st, err := a.LLMState(ctx)
				if err != nil {
					return err
				}
				return p.llm(st)
			})
		},
	}

	var provider, model, apiKey string
	set := &cobra.Command{
		Use:   "set",
		Short: "Select a provider and model and store its API key",
		Long: `Select a provider and model and store its API key. Without --model the
provider's default model is used. An empty --api-key keeps the stored key.

Examples:
  gatekeeper llm set --provider anthropic --api-key sk-ant-...
  gatekeeper llm set --provider ollama --model ollama/mistral`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a api, p printer) error {
				m := model
				if m == "" {
					var err error
					if m, err = defaultModel(ctx, a, provider); err != nil {
						return err
					}
				}
				st, err := a.SaveLLMConfig(ctx, provider, m, apiKey)
				if err != nil {
					return err
				}
				return p.llm(st)
			})
		},
	}
	set.Flags().StringVar(&provider, "provider", "", "provider id (required)")
	set.Flags().StringVar(&model, "model", "", "model id (default: the provider's default)")
	set.Flags().StringVar(&apiKey, "api-key", "", "API key for the provider")
	if err := set.MarkFlagRequired("provider"); err != nil {
		panic(err)
	}

	cmd.AddCommand(providers, state, set)
	return cmd
}

func defaultModel(ctx context.Context, a api, provider string) (string, error) {
	ps, err := a.Providers(ctx)
	if err != nil {
		return "", err
	}
	for _, pr := range ps {
		if pr.ID != provider {
			continue
		}
		for _, m := range pr.Models {
			if m.IsDefault {
				return m.ID, nil
			}
		}
		return "", fmt.Errorf("provider %s has no default model; pass --model", provider)
	}
	return "", fmt.Errorf("unknown provider: %s", provider)
}

func createEventsCommand(c cli) *cobra.Command {
	var names []string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print every published event as a JSON line",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a api, p printer) error {
				err := a.Events(ctx, names, func(name string, data json.RawMessage) error {
					_, err := fmt.Fprintf(p.w, "{\"name\":%q,\"payload\":%s}\n", name, data)
					return err
				})
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().StringSliceVar(&names, "name", nil, "only these event names (repeatable)")
	return cmd
}
