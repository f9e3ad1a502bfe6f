package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseRate parses a bandwidth such as "800K", "2.5M" or "1G" into bytes per
// second. Suffixes are binary (K = 1024) and an optional trailing "B" or
// "/s" is ignored. "0" and "" mean unlimited.
func ParseRate(s string) (int64, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	v = strings.TrimSuffix(v, "/S")
	v = strings.TrimSuffix(v, "B")
	if v == "" {
		return 0, nil
	}

	mult := float64(1)
	switch v[len(v)-1] {
	case 'K':
		mult = 1 << 10
	case 'M':
		mult = 1 << 20
	case 'G':
		mult = 1 << 30
	}
	if mult > 1 {
		v = v[:len(v)-1]
	}

	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid rate %q, expected a size such as 500K or 2M", s)
	}
	return int64(n * mult), nil
}
