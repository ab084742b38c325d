// Package atomicfile replaces files through a temp file and a rename, so
// readers see either the old content or the new content, never a mix.
package atomicfile

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Write calls fn with a temp file next to the destination and renames the
// temp file over the destination once fn and Close succeed. On any error
// the temp file is removed and the destination is left as it was.
//
// A symlink at path is followed: the file it points to is replaced and the
// link itself survives. An existing destination keeps its permission bits;
// a new one gets perm. Missing parent directories are created.
func Write(path string, perm os.FileMode, fn func(w io.Writer) error) error {
	dest, err := resolve(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("atomicfile: create directory %q: %w", dir, err)
	}

	mode := perm
	if info, err := os.Stat(dest); err == nil {
		mode = info.Mode().Perm()
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return fmt.Errorf("atomicfile: create temp file: %w", err)
	}
	tmpPath := f.Name()

	fail := func(err error) error {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return err
	}

	if err := fn(f); err != nil {
		return fail(err)
	}
	if err := f.Chmod(mode); err != nil {
		return fail(fmt.Errorf("atomicfile: chmod temp file: %w", err))
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("atomicfile: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("atomicfile: rename into %s: %w", dest, err)
	}
	return nil
}

// resolve returns the file that a write to path should replace.
func resolve(path string) (string, error) {
	dest, err := filepath.EvalSymlinks(path)
	if err == nil {
		return dest, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("atomicfile: resolve %s: %w", path, err)
	}

	// Either nothing exists at path, or path is a dangling link whose
	// target should be created.
	target, lerr := os.Readlink(path)
	if lerr != nil {
		return path, nil
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(path), target)
	}
	return target, nil
}
