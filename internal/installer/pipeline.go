package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/gatekeeper/internal/archive"
	"github.com/loykin/gatekeeper/internal/events"
	"github.com/loykin/gatekeeper/internal/fetch"
	"github.com/loykin/gatekeeper/internal/fsutil"
	"github.com/loykin/gatekeeper/internal/metrics"
)

// ErrVerification is returned when the installed result does not report the
// version that was just installed.
var ErrVerification = errors.New("install verification failed")

// Descriptor says where a release archive lives for one platform.
type Descriptor struct {
	Kind archive.Kind
	URL  func(version string) string
}

// Pipeline downloads a release archive, unpacks it and swaps it into
// InstallDir. All fields except Logger and Publisher are required.
type Pipeline struct {
	Component   string // metric/event label, e.g. "node"
	EventName   string
	TmpDir      string
	ArchiveBase string // archive file name without extension
	ExtractName string // scratch directory name below TmpDir
	InstallDir  string

	// Descriptor is evaluated before anything touches the network.
	Descriptor func() (Descriptor, error)
	Desired    func(ctx context.Context) string
	// Probe inspects InstallDir directly, bypassing any status cache.
	Probe      func(ctx context.Context) (version string, installed bool)
	Invalidate func()

	Fetcher   fetch.Fetcher
	Extractor archive.Extractor
	Guard     *Guard
	Publisher events.Publisher
	Logger    *slog.Logger
}

func (p *Pipeline) emit(stage Stage, pct *float64, detail string) {
	if p.Publisher == nil {
		return
	}
	p.Publisher.Publish(p.EventName, Progress{Stage: stage, Percent: pct, Detail: detail})
}

func (p *Pipeline) log() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// Run performs one install. A concurrent call fails with ErrInProgress
// without touching the filesystem.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	release, err := p.Guard.TryAcquire()
	if err != nil {
		return Result{Component: p.Component, Error: err.Error()}, err
	}
	defer release()

	started := time.Now()
	res := Result{RunID: uuid.NewString(), Component: p.Component}
	err = p.run(ctx, &res)
	res.Duration = time.Since(started)
	outcome := "installed"
	switch {
	case err != nil:
		outcome = "failed"
		res.Error = err.Error()
	case res.Skipped:
		outcome = "skipped"
	}
	metrics.ObserveInstall(p.Component, outcome, res.Duration.Seconds())
	if p.Publisher != nil {
		p.Publisher.Publish(events.InstallFinished, res)
	}
	p.log().Info("install finished", "component", p.Component, "run", res.RunID,
		"outcome", outcome, "version", res.Version, "duration", res.Duration)
	return res, err
}

func (p *Pipeline) run(ctx context.Context, res *Result) error {
	if p.Invalidate != nil {
		p.Invalidate()
	}
	desc, err := p.Descriptor()
	if err != nil {
		return err
	}

	desired := p.Desired(ctx)
	res.Version = desired
	if v, ok := p.Probe(ctx); ok && v == desired {
		res.Skipped = true
		p.emit(StageVerifying, Pct(1), fmt.Sprintf("%s %s already installed", p.Component, desired))
		return nil
	}

	url := desc.URL(desired)
	archivePath := filepath.Join(p.TmpDir, p.ArchiveBase+"."+desc.Kind.Ext())
	extractDir := filepath.Join(p.TmpDir, p.ExtractName)
	if err := os.MkdirAll(p.TmpDir, 0o755); err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer fsutil.BestEffort(p.log(), "remove extract dir", func() error { return os.RemoveAll(extractDir) })
	defer fsutil.BestEffort(p.log(), "remove temp archive", func() error { return removeIfExists(archivePath) })

	p.emit(StageDownloading, Pct(0), "Downloading "+url)
	err = p.Fetcher.Download(ctx, url, archivePath, func(f float64) {
		p.emit(StageDownloading, Pct(f), "Downloading "+url)
	})
	if err != nil {
		return fmt.Errorf("download %s: %w", p.Component, err)
	}
	p.emit(StageDownloading, Pct(1), "Downloaded "+archivePath)

	if err := archive.Verify(archivePath, desc.Kind); err != nil {
		return err
	}

	p.emit(StageExtracting, nil, "Extracting archive")
	if err := os.RemoveAll(extractDir); err != nil {
		return fmt.Errorf("failed to reset extract dir: %w", err)
	}
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return fmt.Errorf("failed to create extract dir: %w", err)
	}
	if err := p.Extractor.Extract(archivePath, extractDir, desc.Kind); err != nil {
		return fmt.Errorf("extract %s: %w", filepath.Base(archivePath), err)
	}
	root, err := fsutil.PackageRoot(extractDir)
	if err != nil {
		return err
	}
	if err := fsutil.ReplaceDir(root, p.InstallDir); err != nil {
		return err
	}

	p.emit(StageVerifying, nil, "Checking installed version")
	got, ok := p.Probe(ctx)
	if p.Invalidate != nil {
		p.Invalidate()
	}
	if !ok || got != desired {
		return fmt.Errorf("%w: expected %s %s, found %q", ErrVerification, p.Component, desired, got)
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
