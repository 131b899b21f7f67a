package modelruntime

import (
	"fmt"
	"runtime"

	"github.com/dustin/go-humanize"
)

// MemoryBudget guards large allocations against a process memory ceiling.
// A zero limit disables the check.
type MemoryBudget struct {
	limit int64
	usage func() int64
}

// NewMemoryBudget creates a budget with the given limit in bytes.
func NewMemoryBudget(limitBytes int64) *MemoryBudget {
	return &MemoryBudget{
		limit: limitBytes,
		usage: heapInUse,
	}
}

// Limit returns the configured ceiling in bytes.
func (b *MemoryBudget) Limit() int64 {
	return b.limit
}

// Reserve returns ErrOutOfMemory when allocating n more bytes would exceed
// the ceiling. It does not track the allocation itself.
func (b *MemoryBudget) Reserve(what string, n int64) error {
	if b == nil || b.limit <= 0 {
		return nil
	}
	used := b.usage()
	if used+n > b.limit {
		return fmt.Errorf("%w: %s needs %s, %s of %s in use",
			ErrOutOfMemory, what,
			humanize.IBytes(uint64(n)),
			humanize.IBytes(uint64(used)),
			humanize.IBytes(uint64(b.limit)))
	}
	return nil
}

func heapInUse() int64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int64(ms.HeapInuse)
}
