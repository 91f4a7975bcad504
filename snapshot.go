package lgkv

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// Snapshot is a read-only view of the database at one sequence
// number. Writes made after it was taken are invisible through it, and
// compaction keeps every entry it can see until it is released.
type Snapshot struct {
	db       *DB
	seq      uint64
	elem     *list.Element
	released atomic.Bool
}

// snapshotList tracks live snapshots oldest first.
type snapshotList struct {
	mu   sync.Mutex
	list list.List
}

// add inserts s in sequence order. New snapshots are almost always the
// newest, so the search starts at the back.
func (l *snapshotList) add(s *Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for e := l.list.Back(); e != nil; e = e.Prev() {
		if e.Value.(*Snapshot).seq <= s.seq {
			s.elem = l.list.InsertAfter(s, e)
			return
		}
	}
	s.elem = l.list.PushFront(s)
}

func (l *snapshotList) remove(s *Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list.Remove(s.elem)
}

// oldest returns the smallest live snapshot sequence, or def when no
// snapshot is live.
func (l *snapshotList) oldest(def uint64) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if front := l.list.Front(); front != nil {
		return front.Value.(*Snapshot).seq
	}
	return def
}

func (l *snapshotList) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list.Len()
}

// NewSnapshot pins the current sequence number. Release it when done.
func (db *DB) NewSnapshot() (*Snapshot, error) {
	if db.closed.Load() {
		return nil, ErrDBClosed
	}
	return db.registerSnapshot(db.lastSeq.Load()), nil
}

// SnapshotAt pins an earlier sequence number, for example one taken
// from ClockSeq when Options.ClockSequence is set. A sequence past the
// last published one reads at the last published one. History that
// compaction already folded away is not brought back: a key overwritten
// before seq was pinned may read as its newer value.
func (db *DB) SnapshotAt(seq uint64) (*Snapshot, error) {
	if db.closed.Load() {
		return nil, ErrDBClosed
	}
	return db.registerSnapshot(min(seq, db.lastSeq.Load())), nil
}

// LastSequence returns the last published sequence number.
func (db *DB) LastSequence() uint64 {
	return db.lastSeq.Load()
}

func (db *DB) registerSnapshot(seq uint64) *Snapshot {
	s := &Snapshot{db: db, seq: seq}
	db.snapshots.add(s)
	return s
}

// Seq returns the sequence number the snapshot reads at.
func (s *Snapshot) Seq() uint64 {
	return s.seq
}

// Get reads key as of the snapshot.
func (s *Snapshot) Get(key []byte) ([]byte, bool, error) {
	if s.released.Load() {
		return nil, false, ErrSnapshotReleased
	}
	return s.db.get(key, s.seq, true)
}

// Scan iterates [start, end) as of the snapshot.
func (s *Snapshot) Scan(start, end []byte) (*Iterator, error) {
	if s.released.Load() {
		return nil, ErrSnapshotReleased
	}
	return s.db.scan(start, end, s.seq, true)
}

// Keys returns the keys in [start, end) as of the snapshot.
func (s *Snapshot) Keys(start, end []byte) ([][]byte, error) {
	it, err := s.Scan(start, end)
	if err != nil {
		return nil, err
	}
	return collectKeys(it)
}

// Release unpins the snapshot. Further reads through it fail.
func (s *Snapshot) Release() {
	if s.released.Swap(true) {
		return
	}
	s.db.snapshots.remove(s)
}
