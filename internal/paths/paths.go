// Package paths names every file and directory gatekeeper manages below the
// effective data directory.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Layout resolves paths for one data directory and target OS.
type Layout struct {
	DataDir string
	GOOS    string
}

// New returns the layout for the running OS.
func New(dataDir string) Layout { return Layout{DataDir: dataDir, GOOS: runtime.GOOS} }

func (l Layout) windows() bool { return l.GOOS == "windows" }

func (l Layout) NodeRoot() string { return filepath.Join(l.DataDir, "node") }

// NodeBin is the directory prepended to PATH.
func (l Layout) NodeBin() string {
	if l.windows() {
		return l.NodeRoot()
	}
	return filepath.Join(l.NodeRoot(), "bin")
}

func (l Layout) Node() string {
	if l.windows() {
		return filepath.Join(l.NodeRoot(), "node.exe")
	}
	return filepath.Join(l.NodeBin(), "node")
}

func (l Layout) Npm() string {
	if l.windows() {
		return filepath.Join(l.NodeRoot(), "npm.cmd")
	}
	return filepath.Join(l.NodeBin(), "npm")
}

// ToolPrefix is the npm --prefix for the tool's global install.
func (l Layout) ToolPrefix() string { return filepath.Join(l.DataDir, "openclaw_global") }

// ToolCandidates lists where an npm global install may place the binary,
// most likely first.
func (l Layout) ToolCandidates(binary string) []string {
	p := l.ToolPrefix()
	if l.windows() {
		var out []string
		for _, dir := range []string{p, filepath.Join(p, "bin"), filepath.Join(p, "node_modules", ".bin")} {
			out = append(out, filepath.Join(dir, binary+".cmd"), filepath.Join(dir, binary+".exe"))
		}
		return out
	}
	return []string{
		filepath.Join(p, "bin", binary),
		filepath.Join(p, binary),
		filepath.Join(p, "node_modules", ".bin", binary),
	}
}

func (l Layout) TmpDir() string { return filepath.Join(l.DataDir, "tmp") }

func (l Layout) KeysFile() string { return filepath.Join(l.DataDir, "keys.json") }

// InstallLock is the cross-process lock file for one component's installs.
func (l Layout) InstallLock(component string) string {
	return filepath.Join(l.DataDir, "."+component+".install.lock")
}

// ToolConfigFile is the tool's own config under the user's home directory.
func ToolConfigFile() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".openclaw", "openclaw.json"), nil
}

// PathListSeparator for the layout's OS.
func (l Layout) PathListSeparator() string {
	if l.windows() {
		return ";"
	}
	return ":"
}
