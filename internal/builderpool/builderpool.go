// Package builderpool pools strings.Builder instances for hot-path key
// construction.
package builderpool

import (
	"strings"
	"sync"
)

var pool = sync.Pool{
	New: func() any {
		return &strings.Builder{}
	},
}

// Get returns a reset builder pre-grown for typical key sizes.
func Get() *strings.Builder {
	sb := pool.Get().(*strings.Builder)
	sb.Reset()
	sb.Grow(64)
	return sb
}

// Release returns the built string and puts the builder back in one step.
func Release(sb *strings.Builder) string {
	s := sb.String()
	pool.Put(sb)
	return s
}
