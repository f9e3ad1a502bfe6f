// Package paths keeps download destinations of a batch distinct.
package paths

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
)

// Destination pairs a remote URL with the local file it downloads to.
type Destination struct {
	URL       string
	LocalPath string
}

// URLTag is a short stable tag derived from the URL. The same URL always
// yields the same tag, so a renamed destination is found again on the next
// run and served from the cache.
func URLTag(rawURL string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(rawURL)).String()[:8]
}

// ResolveCollisions makes LocalPaths unique when different URLs map to the
// same file. Each colliding entry gets its URL tag inserted before the
// extension: two "output.zip" become output_1b4e28ba.zip and
// output_9c8d2f01.zip. The same URL listed twice is not a collision.
//
// The slice is modified in place and returned with the number of entries
// that were renamed.
func ResolveCollisions(dests []Destination) ([]Destination, int) {
	if len(dests) == 0 {
		return dests, 0
	}

	byPath := make(map[string][]int)
	for i, d := range dests {
		byPath[d.LocalPath] = append(byPath[d.LocalPath], i)
	}

	renamed := 0
	for path, indices := range byPath {
		if !distinctURLs(dests, indices) {
			continue
		}
		ext := filepath.Ext(path)
		base := path[:len(path)-len(ext)]
		for _, idx := range indices {
			d := &dests[idx]
			d.LocalPath = fmt.Sprintf("%s_%s%s", base, URLTag(d.URL), ext)
			renamed++
		}
	}

	return dests, renamed
}

func distinctURLs(dests []Destination, indices []int) bool {
	for _, idx := range indices[1:] {
		if dests[idx].URL != dests[indices[0]].URL {
			return true
		}
	}
	return false
}
