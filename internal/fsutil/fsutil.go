// Package fsutil holds the filesystem primitives the engine's atomicity
// rests on: temp files, fsync, rename, directory sync and copy fallbacks.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/s3sfs/s3sfs/internal/uid"
)

// TempPrefix starts the base name of every temp file created here.
const TempPrefix = ".s3s-tmp-"

// renameRetries bounds how often RenameInto recreates a parent directory
// that a concurrent empty-directory cleanup removed.
const renameRetries = 4

// CreateTemp creates a uniquely named temp file in dir, creating dir if needed.
func CreateTemp(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory %q: %w", dir, err)
	}
	path := filepath.Join(dir, TempPrefix+uid.New())
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	return f, nil
}

// IsTemp reports whether name is the base name of a temp file.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, TempPrefix)
}

// WriteFileAtomic replaces path with data: write to a temp file in the
// same directory, fsync, rename, then fsync the directory.
func WriteFileAtomic(path string, data []byte, durable bool) error {
	dir := filepath.Dir(path)
	tmp, err := CreateTemp(dir)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing %q: %w", filepath.Base(path), err)
	}
	if durable {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("syncing %q: %w", filepath.Base(path), err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing %q: %w", filepath.Base(path), err)
	}
	if err := RenameInto(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if durable {
		return SyncDir(dir)
	}
	return nil
}

// RenameInto renames src to dst, recreating dst's parent directory when a
// concurrent cleanup removed it, and falling back to copy when src lives
// on another filesystem.
func RenameInto(src, dst string) error {
	var err error
	for i := 0; i < renameRetries; i++ {
		err = MoveFile(src, dst)
		if err == nil || !errors.Is(err, fs.ErrNotExist) {
			break
		}
		if _, statErr := os.Lstat(src); statErr != nil {
			break
		}
		if mkErr := os.MkdirAll(filepath.Dir(dst), 0o755); mkErr != nil {
			return fmt.Errorf("recreating parent of %q: %w", filepath.Base(dst), mkErr)
		}
	}
	if err != nil {
		return fmt.Errorf("renaming into %q: %w", filepath.Base(dst), err)
	}
	return nil
}

// MoveFile renames src to dst. If the two live on different filesystems it
// copies src next to dst and renames the copy into place.
func MoveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}

	tmp, err := copyToTemp(src, filepath.Dir(dst))
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	if rmErr := os.Remove(src); rmErr != nil && !os.IsNotExist(rmErr) {
		return rmErr
	}
	return nil
}

// LinkOrCopy makes dst a hard link of src, or a full copy when linking is
// not possible. dst is replaced atomically either way.
func LinkOrCopy(src, dst string) error {
	if src == dst {
		return nil
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(dir, TempPrefix+uid.New())
	if err := os.Link(src, tmp); err != nil {
		tmp, err = copyToTemp(src, dir)
		if err != nil {
			return err
		}
	}
	if err := RenameInto(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func copyToTemp(src, dir string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := CreateTemp(dir)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", err
	}
	return out.Name(), nil
}

// SyncDir best-effort fsyncs a directory so that recently renamed files become durable.
// On platforms where directory fsync is unsupported, the error is ignored.
func SyncDir(dir string) error {
	if dir == "" || runtime.GOOS == "windows" {
		return nil
	}
	df, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer df.Close()
	if err := df.Sync(); err != nil {
		// tmpfs and some network filesystems return EINVAL for directory sync.
		if errors.Is(err, syscall.EINVAL) {
			return nil
		}
		return err
	}
	return nil
}

// CleanEmptyParents removes empty directories starting from dir up to (but
// not including) stopAt. The walk ends at the first path that is not an
// empty directory; files are never unlinked.
func CleanEmptyParents(dir, stopAt string) {
	dir = filepath.Clean(dir)
	stopAt = filepath.Clean(stopAt)

	for dir != stopAt && strings.HasPrefix(dir, stopAt+string(filepath.Separator)) {
		info, err := os.Lstat(dir)
		if err != nil || !info.IsDir() {
			break
		}
		if err := syscall.Rmdir(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}

// IsConflict reports whether err means a path component is a file where a
// directory is required, or a directory where a file is expected.
func IsConflict(err error) bool {
	return errors.Is(err, syscall.ENOTDIR) || errors.Is(err, syscall.EISDIR) ||
		errors.Is(err, syscall.EEXIST) || errors.Is(err, fs.ErrExist)
}

// IsNotDir reports whether err means a path component is not a directory.
func IsNotDir(err error) bool {
	return errors.Is(err, syscall.ENOTDIR)
}

// RemoveTemps deletes every temp file directly inside dir and returns how
// many were removed.
func RemoveTemps(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !IsTemp(e.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			n++
		}
	}
	return n, nil
}
