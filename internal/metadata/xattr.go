package metadata

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/pkg/xattr"
)

// xattrName holds the object document in xattr mode.
const xattrName = "user.s3sfs.meta"

func getXattr(path string) ([]byte, bool, error) {
	data, err := xattr.Get(path, xattrName)
	if err == nil {
		return data, true, nil
	}
	if errors.Is(err, xattr.ENOATTR) || errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ENOTDIR) {
		return nil, false, nil
	}
	return nil, false, fmt.Errorf("reading metadata xattr: %w", err)
}

func setXattr(path string, data []byte) error {
	if err := xattr.Set(path, xattrName, data); err != nil {
		return fmt.Errorf("writing metadata xattr: %w", err)
	}
	return nil
}

// XattrSupported reports whether the filesystem holding path accepts user
// extended attributes.
func XattrSupported(path string) bool {
	if err := xattr.Set(path, xattrName+".probe", []byte("1")); err != nil {
		return false
	}
	_ = xattr.Remove(path, xattrName+".probe")
	return true
}
