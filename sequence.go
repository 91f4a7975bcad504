package lgkv

import (
	"sync/atomic"
	"time"
)

// clockBase anchors the clock to the monotonic reading, so wall clock
// steps while the process runs do not move it.
var clockBase = time.Now()

// lastClock is the largest value ClockSeq has returned or a clock
// sequenced write has used.
var lastClock atomic.Uint64

// ClockSeq returns the current time as a sequence number: microseconds
// since the Unix epoch, which fits the 56 bits a sequence may use
// until the year 4253. Results strictly increase within a process.
// With Options.ClockSequence set, every write that finished before
// ClockSeq returned t has a sequence at or below t and every later
// write has one above it, so SnapshotAt(t) reads the database as it
// was at that moment.
func ClockSeq() uint64 {
	now := uint64(clockBase.UnixMicro() + time.Since(clockBase).Microseconds())
	for {
		last := lastClock.Load()
		next := max(now, last+1)
		if lastClock.CompareAndSwap(last, next) {
			return next
		}
	}
}

// advanceClock keeps later ClockSeq results above seq.
func advanceClock(seq uint64) {
	for {
		last := lastClock.Load()
		if last >= seq || lastClock.CompareAndSwap(last, seq) {
			return
		}
	}
}

// publishTicket orders the publication of writes. Writers take tickets
// under writeMu in sequence order but sync the log outside it; each
// one publishes only after the writer before it has, so lastSeq never
// passes a write that is not yet durable.
type publishTicket struct {
	done chan struct{}
	err  error
}

func newPublishTicket() *publishTicket {
	return &publishTicket{done: make(chan struct{})}
}

// publishedTicket is the ticket of a write that has already landed.
func publishedTicket() *publishTicket {
	t := newPublishTicket()
	close(t.done)
	return t
}

// publish waits for prev, then runs store unless this write or an
// earlier one failed. The error is passed down the chain so no write
// queued behind a failed sync becomes visible.
func (t *publishTicket) publish(prev *publishTicket, err error, store func()) error {
	<-prev.done
	if err == nil {
		err = prev.err
	}
	if err == nil {
		store()
	}
	t.err = err
	close(t.done)
	return err
}
