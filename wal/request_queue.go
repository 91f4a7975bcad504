package wal

// syncQueue is a FIFO of waiters for the next fsync.
type syncQueue struct {
	buf  []*SyncRequest
	head int
}

func (q *syncQueue) put(r *SyncRequest) {
	q.buf = append(q.buf, r)
}

func (q *syncQueue) get() (*SyncRequest, bool) {
	if q.head >= len(q.buf) {
		// fully drained, reuse the backing array
		q.buf = q.buf[:0]
		q.head = 0
		return nil, false
	}
	r := q.buf[q.head]
	q.buf[q.head] = nil
	q.head++
	return r, true
}

func (q *syncQueue) len() int {
	return len(q.buf) - q.head
}
