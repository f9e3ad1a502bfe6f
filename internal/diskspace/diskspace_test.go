package diskspace

import (
	"fmt"
	"path/filepath"
	"testing"
)

func TestCheckAvailableSpace(t *testing.T) {
	target := filepath.Join(t.TempDir(), "file.bin")

	t.Run("SmallFile", func(t *testing.T) {
		if err := CheckAvailableSpace(target, 1024, 1.1); err != nil {
			t.Errorf("Expected no error for small file, got: %v", err)
		}
	})

	t.Run("ZeroBytes", func(t *testing.T) {
		if err := CheckAvailableSpace(target, 0, 1.1); err != nil {
			t.Errorf("Expected no error for empty file, got: %v", err)
		}
	})

	t.Run("VeryLargeFile", func(t *testing.T) {
		if GetAvailableSpace(target) == 0 {
			t.Skip("Could not determine available space")
		}
		// 1 EiB
		err := CheckAvailableSpace(target, 1<<60, 1.1)
		if err == nil {
			t.Fatal("Expected an error for a 1 EiB file")
		}
		if !IsInsufficientSpaceError(err) {
			t.Errorf("Expected InsufficientSpaceError, got: %T", err)
		}
	})

	t.Run("MissingDirectory", func(t *testing.T) {
		missing := filepath.Join(t.TempDir(), "nope", "file.bin")
		if err := CheckAvailableSpace(missing, 1<<60, 1.1); err != nil {
			t.Errorf("Expected unknown space to pass, got: %v", err)
		}
	})
}

func TestIsInsufficientSpaceError(t *testing.T) {
	err := &InsufficientSpaceError{Path: "/data/x", RequiredBytes: 2 * 1024 * 1024, AvailableBytes: 1024 * 1024}
	if !IsInsufficientSpaceError(fmt.Errorf("wrapped: %w", err)) {
		t.Error("Expected wrapped error to match")
	}
	if IsInsufficientSpaceError(fmt.Errorf("other")) {
		t.Error("Expected plain error not to match")
	}
	want := "insufficient disk space for /data/x: need 2.00 MB, have 1.00 MB available"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
