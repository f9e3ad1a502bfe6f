// Package diskspace checks free space on the filesystem a download lands on.
package diskspace

import (
	"errors"
	"fmt"
	"path/filepath"
)

// InsufficientSpaceError reports a destination that cannot hold a transfer.
type InsufficientSpaceError struct {
	Path           string
	RequiredBytes  int64
	AvailableBytes int64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space for %s: need %.2f MB, have %.2f MB available",
		e.Path, float64(e.RequiredBytes)/(1024*1024), float64(e.AvailableBytes)/(1024*1024))
}

// CheckAvailableSpace returns an *InsufficientSpaceError when the filesystem
// holding targetPath has less than requiredBytes*safetyMargin free. The parent
// directory must exist. When free space cannot be determined (network or
// virtual filesystems) the check passes and the write fails on its own.
func CheckAvailableSpace(targetPath string, requiredBytes int64, safetyMargin float64) error {
	if requiredBytes <= 0 {
		return nil
	}
	available := GetAvailableSpace(targetPath)
	if available == 0 {
		return nil
	}
	required := int64(float64(requiredBytes) * safetyMargin)
	if available < required {
		return &InsufficientSpaceError{
			Path:           targetPath,
			RequiredBytes:  required,
			AvailableBytes: available,
		}
	}
	return nil
}

// GetAvailableSpace returns the bytes available to the current user on the
// filesystem containing path, or 0 when unknown.
func GetAvailableSpace(path string) int64 {
	return available(filepath.Dir(path))
}

// IsInsufficientSpaceError reports whether err wraps an InsufficientSpaceError.
func IsInsufficientSpaceError(err error) bool {
	var e *InsufficientSpaceError
	return errors.As(err, &e)
}
