// Command fake-gateway stands in for `openclaw gateway` during manual
// testing: point [tool] binary at it and the supervisor starts, probes and
// stops it like the real thing.
//
//	fake-gateway gateway --port 18789 --verbose
//
// FAKE_GATEWAY_UNHEALTHY_AFTER (a duration) makes / answer 503 after that
// long, FAKE_GATEWAY_EXIT_AFTER makes the process exit with status 1.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/pflag"
)

// version is printed by --version so the tool probe accepts the binary.
const version = "0.0.0-fake"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) > 0 && (args[0] == "--version" || args[0] == "-v") {
		fmt.Println(version)
		return nil
	}
	if len(args) > 0 && args[0] == "gateway" {
		args = args[1:]
	}
	fs := pflag.NewFlagSet("gateway", pflag.ContinueOnError)
	port := fs.Int("port", 18789, "listen port")
	verbose := fs.Bool("verbose", false, "log every request")
	if err := fs.Parse(args); err != nil {
		return err
	}

	unhealthyAfter, err := envDuration("FAKE_GATEWAY_UNHEALTHY_AFTER")
	if err != nil {
		return err
	}
	exitAfter, err := envDuration("FAKE_GATEWAY_EXIT_AFTER")
	if err != nil {
		return err
	}

	e := newServer(time.Now(), unhealthyAfter, *verbose)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("127.0.0.1:%d", *port)
		slog.Info("fake gateway listening", "addr", addr, "pid", os.Getpid())
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var exit <-chan time.Time
	if exitAfter > 0 {
		exit = time.After(exitAfter)
	}
	select {
	case err := <-errCh:
		return err
	case <-exit:
		return errors.New("fake gateway: simulated crash")
	case <-ctx.Done():
	}
	slog.Info("fake gateway shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return e.Shutdown(sctx)
}

func newServer(started time.Time, unhealthyAfter time.Duration, verbose bool) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	if verbose {
		e.Use(middleware.Logger())
	}

	e.GET("/", func(c echo.Context) error {
		if unhealthyAfter > 0 && time.Since(started) > unhealthyAfter {
			return c.String(http.StatusServiceUnavailable, "unhealthy")
		}
		return c.HTML(http.StatusOK, "<html><body>fake gateway webchat</body></html>")
	})
	e.GET("/env", func(c echo.Context) error {
		out := map[string]string{}
		for _, kv := range os.Environ() {
			k, v, _ := strings.Cut(kv, "=")
			if strings.HasSuffix(k, "_API_KEY") {
				v = "***"
			}
			out[k] = v
		}
		return c.JSON(http.StatusOK, out)
	})
	e.GET("/info", func(c echo.Context) error {
		keys := make([]string, 0)
		for _, kv := range os.Environ() {
			if k, _, _ := strings.Cut(kv, "="); strings.HasSuffix(k, "_API_KEY") {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		return c.JSON(http.StatusOK, map[string]any{
			"version":  version,
			"pid":      os.Getpid(),
			"uptime_s": int(time.Since(started).Seconds()),
			"api_keys": keys,
		})
	})
	return e
}

func envDuration(name string) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}
