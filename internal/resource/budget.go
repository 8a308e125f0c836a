package resource

import (
	"sync"

	"github.com/dustin/go-humanize"

	"pkt.systems/changed/api"
)

// streamBudget caps the aggregate bytes held in flight across all reads and
// streams. Individual reservations shrink adaptively under pressure down to
// a floor; below the floor new work is rejected instead of compounding.
type streamBudget struct {
	mu    sync.Mutex
	limit int64
	inUse int64
	floor int64
}

func newStreamBudget(limit, floor int64) *streamBudget {
	if floor > limit {
		floor = limit
	}
	return &streamBudget{limit: limit, floor: floor}
}

// reserve claims up to want bytes, reducing the grant under pressure. It
// fails once even the floor cannot be satisfied.
func (b *streamBudget) reserve(want int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	free := b.limit - b.inUse
	if free < b.floor || free < 1 {
		return 0, api.Failure{
			Code:       api.CodeStreamBudget,
			Detail:     "streaming memory budget exhausted",
			Hint:       "retry after in-flight reads complete; budget is " + humanize.IBytes(uint64(b.limit)),
			RetryAfter: 1,
			HTTPStatus: 429,
		}
	}
	grant := want
	if grant > free {
		grant = free
	}
	b.inUse += grant
	return grant, nil
}

func (b *streamBudget) release(n int64) {
	b.mu.Lock()
	b.inUse -= n
	if b.inUse < 0 {
		b.inUse = 0
	}
	b.mu.Unlock()
}

func (b *streamBudget) used() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inUse
}
