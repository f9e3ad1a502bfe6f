// Package validation checks names and paths that come from remote URLs before
// they are used as local destinations.
package validation

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidFilename = errors.New("invalid filename")
	ErrPathEscapes     = errors.New("path escapes base directory")
)

// ValidateFilename rejects names that are empty, contain a null byte or a
// path separator, or are "." or "..". Names such as "data..v2.csv" are fine.
func ValidateFilename(filename string) error {
	switch {
	case filename == "":
		return fmt.Errorf("%w: empty", ErrInvalidFilename)
	case strings.ContainsRune(filename, 0):
		return fmt.Errorf("%w: contains null byte: %q", ErrInvalidFilename, filename)
	case strings.ContainsAny(filename, `/\`):
		return fmt.Errorf("%w: contains path separator: %s", ErrInvalidFilename, filename)
	case filename == "." || filename == "..":
		return fmt.Errorf("%w: %s", ErrInvalidFilename, filename)
	}
	return nil
}

// ValidatePathInDirectory checks that p, resolved against baseDir when
// relative, stays inside baseDir.
func ValidatePathInDirectory(p, baseDir string) error {
	if p == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if baseDir == "" {
		return fmt.Errorf("base directory cannot be empty")
	}

	base, err := filepath.Abs(filepath.Clean(baseDir))
	if err != nil {
		return fmt.Errorf("failed to resolve base directory: %w", err)
	}
	resolved := filepath.Clean(p)
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(base, resolved)
	}

	rel, err := filepath.Rel(base, resolved)
	if err != nil {
		return fmt.Errorf("failed to compute relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s (base: %s)", ErrPathEscapes, p, baseDir)
	}
	return nil
}

// FilenameFromURL returns the unescaped last path segment of rawURL.
func FilenameFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	p := u.EscapedPath()
	if p == "" {
		p = u.Opaque
	}
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "", fmt.Errorf("%w: URL %s has no file name", ErrInvalidFilename, rawURL)
	}
	// Unescape after splitting so an encoded "/" cannot introduce a directory.
	name, err := url.PathUnescape(path.Base(p))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFilename, err)
	}
	if err := ValidateFilename(name); err != nil {
		return "", err
	}
	return name, nil
}

// DownloadPath joins the file name of rawURL onto dir.
func DownloadPath(dir, rawURL string) (string, error) {
	name, err := FilenameFromURL(rawURL)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(dir, name)
	if err := ValidatePathInDirectory(dest, dir); err != nil {
		return "", err
	}
	return dest, nil
}
