// Package health probes the gateway's HTTP endpoint on the loopback
// interface. Healthy means an HTTP status in [200,300).
package health

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/gatekeeper/internal/metrics"
)

// DefaultTimeout bounds the in-process probe.
const DefaultTimeout = 2 * time.Second

// Prober reports whether the service on port answers with a 2xx status.
type Prober interface {
	Check(ctx context.Context, port int) bool
}

// Func adapts a function to Prober.
type Func func(ctx context.Context, port int) bool

func (f Func) Check(ctx context.Context, port int) bool { return f(ctx, port) }

func url(port int) string { return fmt.Sprintf("http://127.0.0.1:%d/", port) }

func healthyCode(code int) bool { return code >= 200 && code < 300 }

// HTTPProber issues GET / in process.
type HTTPProber struct {
	Client  *http.Client
	Timeout time.Duration
}

func (p HTTPProber) Check(ctx context.Context, port int) bool {
	ok := p.check(ctx, port)
	metrics.ObserveHealthCheck("http", ok)
	return ok
}

func (p HTTPProber) check(ctx context.Context, port int) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := p.Client
	if client == nil {
		client = &http.Client{
			Timeout:       timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url(port), nil)
	if err != nil {
		return false
	}
	req.Close = true
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return healthyCode(resp.StatusCode)
}

// CurlProber shells out to curl so the probe runs outside the caller's
// scheduler.
type CurlProber struct {
	Binary string // defaults to "curl"
}

// Probe returns ok=false when curl could not be run or printed no status
// code. A curl failure (connection refused, timeout) is ok=true, healthy=false.
func (p CurlProber) Probe(ctx context.Context, port int) (healthy, ok bool) {
	bin := p.Binary
	if bin == "" {
		bin = "curl"
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, bin, "-sS", "-o", os.DevNull, "-w", "%{http_code}",
		"--connect-timeout", "1", "--max-time", "1", url(port))
	out, err := cmd.Output()
	if err != nil {
		if _, exited := err.(*exec.ExitError); exited {
			return false, true
		}
		return false, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return false, false
	}
	return healthyCode(code), true
}

// FallbackProber tries curl and uses the in-process probe when curl is
// unavailable.
type FallbackProber struct {
	Curl   CurlProber
	Direct Prober
}

func (p FallbackProber) Check(ctx context.Context, port int) bool {
	if healthy, ok := p.Curl.Probe(ctx, port); ok {
		metrics.ObserveHealthCheck("curl", healthy)
		return healthy
	}
	direct := p.Direct
	if direct == nil {
		direct = HTTPProber{}
	}
	return direct.Check(ctx, port)
}
