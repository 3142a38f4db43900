package urp

import (
	"hash/fnv"
	"sort"
	"strings"
	"sync"
)

const numStripes = 64

// stripedLock serializes work on one entry, keyed by DN and nsuniqueid, while
// unrelated entries proceed concurrently.
type stripedLock struct {
	stripes [numStripes]sync.Mutex
}

func stripeOf(key string) int {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(key)))
	return int(h.Sum32() % numStripes)
}

// lock acquires the stripes of every non-empty key in index order and returns
// the matching unlock.
func (l *stripedLock) lock(keys ...string) func() {
	idx := make([]int, 0, len(keys))
	seen := make(map[int]bool, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		i := stripeOf(k)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.stripes[idx[j]].Unlock()
		}
	}
}
