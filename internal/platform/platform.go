// Package platform reports the host OS/arch and checks install prerequisites.
package platform

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"

	"github.com/loykin/gatekeeper/internal/fsutil"
)

// MinDiskBytes is the free space required in the data directory.
const MinDiskBytes uint64 = 500 * 1024 * 1024

// DefaultProbeAddr is dialed by the network check.
const DefaultProbeAddr = "nodejs.org:443"

// Info describes the host.
type Info struct {
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	OSVersion string `json:"os_version"`
}

// Check is one prerequisite result.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// NormalizeOS maps Go and common spellings to macos, windows or linux.
// Unknown values are returned lowercased.
func NormalizeOS(v string) string {
	switch s := strings.ToLower(strings.TrimSpace(v)); s {
	case "darwin", "macos", "mac", "osx":
		return "macos"
	case "windows", "win":
		return "windows"
	case "linux":
		return "linux"
	default:
		return s
	}
}

// NormalizeArch maps Go and common spellings to x64 or arm64.
func NormalizeArch(v string) string {
	switch s := strings.ToLower(strings.TrimSpace(v)); s {
	case "amd64", "x86_64", "x64":
		return "x64"
	case "arm64", "aarch64":
		return "arm64"
	default:
		return s
	}
}

// Detect reports the running host.
func Detect(ctx context.Context) Info {
	info := Info{OS: NormalizeOS(runtime.GOOS), Arch: NormalizeArch(runtime.GOARCH), OSVersion: "unknown"}
	if hi, err := host.InfoWithContext(ctx); err == nil {
		switch {
		case info.OS == "linux" && hi.KernelVersion != "":
			info.OSVersion = hi.KernelVersion
		case hi.PlatformVersion != "":
			info.OSVersion = hi.PlatformVersion
		case hi.KernelVersion != "":
			info.OSVersion = hi.KernelVersion
		}
	}
	return info
}

// Checker runs prerequisite checks. Zero values use the defaults.
type Checker struct {
	ProbeAddr   string
	DialTimeout time.Duration
	MinFree     uint64
	Dial        func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Run returns disk_space, writable_data_dir and network checks in order.
func (c Checker) Run(ctx context.Context, dataDir string) []Check {
	return []Check{c.DiskSpace(ctx, dataDir), c.Writable(dataDir), c.Network(ctx)}
}

func (c Checker) DiskSpace(ctx context.Context, dir string) Check {
	min := c.MinFree
	if min == 0 {
		min = MinDiskBytes
	}
	if err := fsutil.ValidateWritable(dir); err != nil {
		return Check{Name: "disk_space", Detail: fmt.Sprintf("Failed to inspect free space: %v", err)}
	}
	u, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return Check{Name: "disk_space", Detail: fmt.Sprintf("Failed to inspect free space: %v", err)}
	}
	gb := float64(u.Free) / (1024 * 1024 * 1024)
	return Check{Name: "disk_space", Passed: u.Free >= min, Detail: fmt.Sprintf("%.2f GB free", gb)}
}

func (c Checker) Writable(dir string) Check {
	if err := fsutil.ValidateWritable(dir); err != nil {
		return Check{Name: "writable_data_dir", Detail: fmt.Sprintf("Cannot write to %s: %v", dir, err)}
	}
	return Check{Name: "writable_data_dir", Passed: true, Detail: "Writable: " + dir}
}

func (c Checker) Network(ctx context.Context) Check {
	addr := c.ProbeAddr
	if addr == "" {
		addr = DefaultProbeAddr
	}
	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dial := c.Dial
	if dial == nil {
		d := &net.Dialer{Timeout: timeout}
		dial = d.DialContext
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return Check{Name: "network", Detail: fmt.Sprintf("Cannot reach %s: %v", addr, err)}
	}
	_ = conn.Close()
	return Check{Name: "network", Passed: true, Detail: "Reachable: " + addr}
}
