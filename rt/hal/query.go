package hal

import "sync"

// QueryHeap holds GPU timestamps. Devices write values at execution time and
// resolve them into buffers with ResolveQueryData.
type QueryHeap struct {
	mu     sync.Mutex
	label  string
	values []uint64
}

func NewQueryHeap(label string, count int) (*QueryHeap, error) {
	if count <= 0 {
		return nil, errorf("CreateQueryHeap", ErrInvalidArgument, "%q: count %d", label, count)
	}
	return &QueryHeap{label: label, values: make([]uint64, count)}, nil
}

func (q *QueryHeap) Label() string { return q.label }
func (q *QueryHeap) Len() int      { return len(q.values) }
func (q *QueryHeap) Release()      {}

func (q *QueryHeap) Store(i int, ticks uint64) {
	q.mu.Lock()
	if i >= 0 && i < len(q.values) {
		q.values[i] = ticks
	}
	q.mu.Unlock()
}

// Load copies count values starting at first into dst.
func (q *QueryHeap) Load(first, count int, dst []uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if first < 0 || count < 0 || first+count > len(q.values) || len(dst) < count {
		return errorf("ResolveQueryData", ErrInvalidArgument, "%q: range [%d,%d) out of %d", q.label, first, first+count, len(q.values))
	}
	copy(dst, q.values[first:first+count])
	return nil
}
