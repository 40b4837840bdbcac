// Package fsutil relocates extracted packages and performs best-effort cleanup.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// PackageRoot returns the single top-level directory of an extraction when
// that is the only entry, otherwise dir itself.
func PackageRoot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read extract dir %s: %w", dir, err)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}

// ReplaceDir removes dest and moves every entry of src into a fresh dest.
func ReplaceDir(src, dest string) error {
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("remove %s: %w", dest, err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	for _, e := range entries {
		if err := MovePath(filepath.Join(src, e.Name()), filepath.Join(dest, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// MovePath renames src to dest, falling back to copy then delete when the
// rename fails (for example across filesystems).
func MovePath(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	if err := CopyTree(src, dest); err != nil {
		return fmt.Errorf("move %s to %s: %w", src, dest, err)
	}
	if err := os.RemoveAll(src); err != nil {
		return fmt.Errorf("remove %s after copy: %w", src, err)
	}
	return nil
}

// CopyTree copies files, directories and symlinks preserving permissions.
func CopyTree(src, dest string) error {
	fi, err := os.Lstat(src)
	if err != nil {
		return err
	}
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		link, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(link, dest)
	case fi.IsDir():
		if err := os.MkdirAll(dest, fi.Mode().Perm()|0o700); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := CopyTree(filepath.Join(src, e.Name()), filepath.Join(dest, e.Name())); err != nil {
				return err
			}
		}
		return nil
	default:
		return copyFile(src, dest, fi.Mode().Perm())
	}
}

func copyFile(src, dest string, perm os.FileMode) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, out.Close())
	}()
	_, err = io.Copy(out, in)
	return err
}

// BestEffort runs fn and logs a failure at warn level instead of returning it.
func BestEffort(log *slog.Logger, what string, fn func() error) {
	if err := fn(); err != nil {
		if log == nil {
			log = slog.Default()
		}
		log.Warn("cleanup failed", "what", what, "error", err)
	}
}

// ValidateWritable creates dir if needed and proves it accepts writes by
// creating and removing a marker file.
func ValidateWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	marker := filepath.Join(dir, ".gatekeeper-write-test")
	if err := os.WriteFile(marker, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	if err := os.Remove(marker); err != nil {
		return fmt.Errorf("remove write marker in %s: %w", dir, err)
	}
	return nil
}
