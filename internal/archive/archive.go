// Package archive unpacks runtime release archives (.tar.gz, .tar.xz, .zip).
package archive

import (
	"archive/tar"
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
)

// Kind identifies an archive container.
type Kind string

const (
	TarGz Kind = "tar.gz"
	TarXz Kind = "tar.xz"
	Zip   Kind = "zip"
)

// Ext is the file extension without a leading dot.
func (k Kind) Ext() string { return string(k) }

func (k Kind) mime() string {
	switch k {
	case TarGz:
		return "application/gzip"
	case TarXz:
		return "application/x-xz"
	case Zip:
		return "application/zip"
	}
	return ""
}

// ErrUnsafePath is returned for entries that would land outside the destination.
var ErrUnsafePath = errors.New("archive entry escapes destination")

// Extractor is the capability consumed by the installers.
type Extractor interface {
	Extract(archivePath, dest string, kind Kind) error
}

// Unpacker is the default Extractor.
type Unpacker struct{}

var _ Extractor = Unpacker{}

// Verify sniffs the file and fails when its content does not match kind,
// which catches HTML error pages saved under an archive name.
func Verify(path string, kind Kind) error {
	want := kind.mime()
	if want == "" {
		return fmt.Errorf("unknown archive kind %q", kind)
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("detect archive type %s: %w", path, err)
	}
	for m := mt; m != nil; m = m.Parent() {
		if m.Is(want) {
			return nil
		}
	}
	return fmt.Errorf("archive %s has content type %s, expected %s", filepath.Base(path), mt.String(), want)
}

// Extract unpacks archivePath into dest, which must exist.
func (Unpacker) Extract(archivePath, dest string, kind Kind) error {
	switch kind {
	case Zip:
		return extractZip(archivePath, dest)
	case TarGz, TarXz:
		f, err := os.Open(archivePath)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer func() { _ = f.Close() }()
		var r io.Reader
		if kind == TarGz {
			gz, err := gzip.NewReader(f)
			if err != nil {
				return fmt.Errorf("open gzip stream: %w", err)
			}
			defer func() { _ = gz.Close() }()
			r = gz
		} else {
			xr, err := xz.NewReader(f)
			if err != nil {
				return fmt.Errorf("open xz stream: %w", err)
			}
			r = xr
		}
		return extractTar(r, dest)
	default:
		return fmt.Errorf("unknown archive kind %q", kind)
	}
}

// target resolves name below dest and rejects traversal.
func target(dest, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return filepath.Join(dest, clean), nil
}

func checkLink(dest, at, linkname string) error {
	if filepath.IsAbs(linkname) {
		return fmt.Errorf("%w: absolute link %s", ErrUnsafePath, linkname)
	}
	resolved := filepath.Join(filepath.Dir(at), linkname)
	rel, err := filepath.Rel(dest, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: link %s -> %s", ErrUnsafePath, at, linkname)
	}
	return nil
}

func extractTar(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		path, err := target(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, dirMode(hdr.FileInfo().Mode())); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(path, tr, hdr.FileInfo().Mode()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := checkLink(dest, path, hdr.Linkname); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			_ = os.Remove(path)
			if err := os.Symlink(hdr.Linkname, path); err != nil {
				return fmt.Errorf("symlink %s: %w", hdr.Name, err)
			}
		case tar.TypeLink:
			src, err := target(dest, hdr.Linkname)
			if err != nil {
				return err
			}
			_ = os.Remove(path)
			if err := os.Link(src, path); err != nil {
				return fmt.Errorf("hard link %s: %w", hdr.Name, err)
			}
		default:
			// pax headers and device nodes carry nothing we install
		}
	}
}

func extractZip(archivePath, dest string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer func() { _ = zr.Close() }()
	for _, f := range zr.File {
		path, err := target(dest, f.Name)
		if err != nil {
			return err
		}
		mode := f.Mode()
		switch {
		case f.FileInfo().IsDir():
			if err := os.MkdirAll(path, dirMode(mode)); err != nil {
				return err
			}
		case mode&os.ModeSymlink != 0:
			rc, err := f.Open()
			if err != nil {
				return err
			}
			link, err := io.ReadAll(rc)
			_ = rc.Close()
			if err != nil {
				return err
			}
			if err := checkLink(dest, path, string(link)); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(string(link), path); err != nil {
				return fmt.Errorf("symlink %s: %w", f.Name, err)
			}
		default:
			rc, err := f.Open()
			if err != nil {
				return fmt.Errorf("open zip entry %s: %w", f.Name, err)
			}
			err = writeFile(path, rc, mode)
			_ = rc.Close()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func writeFile(path string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func dirMode(m os.FileMode) os.FileMode {
	if p := m.Perm(); p != 0 {
		return p | 0o700
	}
	return 0o755
}
