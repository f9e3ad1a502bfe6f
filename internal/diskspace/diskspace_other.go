//go:build !linux && !darwin && !freebsd && !windows

package diskspace

func available(string) int64 { return 0 }
