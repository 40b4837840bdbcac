package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/loykin/gatekeeper"
	"github.com/loykin/gatekeeper/internal/config"
	"github.com/loykin/gatekeeper/pkg/client"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := buildRoot(openAPI)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, red("error:"), err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
	JSON       bool
	NoColor    bool
}

// opener returns the api for the current flags and a release func.
type opener func(f *GlobalFlags) (api, func(), error)

// openAPI talks to a server when --api-url is set and runs the App
// in-process otherwise.
func openAPI(f *GlobalFlags) (api, func(), error) {
	if f.APIUrl != "" {
		c, err := client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout, Insecure: f.Insecure})
		if err != nil {
			return nil, nil, err
		}
		return remote{c}, func() {}, nil
	}
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	app, err := gatekeeper.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return local{app}, func() {
		if err := app.Close(); err != nil {
			app.Logger().Warn("shutdown", "error", err)
		}
	}, nil
}

// cli carries what the subcommand builders share.
type cli struct {
	flags *GlobalFlags
	open  opener
}

// run opens the api, hands it to fn and releases it afterwards.
func (c cli) run(cmd *cobra.Command, fn func(ctx context.Context, a api, p printer) error) error {
	a, release, err := c.open(c.flags)
	if err != nil {
		return err
	}
	defer release()
	cmd.SilenceUsage = true
	return fn(cmd.Context(), a, printer{w: cmd.OutOrStdout(), json: c.flags.JSON})
}

func buildRoot(open opener) *cobra.Command {
	flags := &GlobalFlags{}
	c := cli{flags: flags, open: open}

	root := &cobra.Command{
		Use:   "gatekeeper",
		Short: "Install and supervise a local AI gateway",
		Long: `Gatekeeper installs a private Node.js runtime, the openclaw CLI on top of
it, and runs the openclaw gateway as a supervised child process.

Examples:
  gatekeeper runtime install
  gatekeeper tool install
  gatekeeper llm set --provider anthropic --api-key sk-...
  gatekeeper gateway start --port 18789
  gatekeeper serve                                    # HTTP API
  gatekeeper gateway status --api-url http://127.0.0.1:18790/api`,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if flags.NoColor {
				color.NoColor = true
			}
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.StringVar(&flags.APIUrl, "api-url", "", "talk to a running server (e.g. http://127.0.0.1:18790/api)")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "timeout for quick API calls")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification for --api-url")
	pf.BoolVar(&flags.JSON, "json", false, "print JSON instead of tables")
	pf.BoolVar(&flags.NoColor, "no-color", false, "disable colored output")

	root.AddCommand(
		createServeCommand(flags),
		createRuntimeCommand(c),
		createToolCommand(c),
		createGatewayCommand(c),
		createHealthCommand(c),
		createPlatformCommand(c),
		createLocationCommand(c),
		createLLMCommand(c),
		createEventsCommand(c),
	)
	return root
}
