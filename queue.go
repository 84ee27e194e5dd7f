package neon

import (
	"github.com/nradulovic/neon-kernel-sub000/internal/pbitmap"
)

// threadQueue holds a set of threads indexed by priority: a bitmap of
// occupied buckets plus one circular doubly-linked FIFO per bucket,
// threaded through the Thread queue linkage. The ready queue and
// semaphore waiter queues are both instances of this structure.
//
// With the default bucket configuration each priority has its own bucket
// and FIFOs are plain insertion-ordered. With fewer buckets than
// priority levels, several priorities share a bucket and the bucket list
// is kept sorted by descending priority, FIFO among equals, trading
// bitmap size against a short scan on insert.
//
// All methods require the interrupt critical section.
type threadQueue struct {
	bitmap   pbitmap.Map[uint64]
	sentinel []*Thread
	shift    uint8
}

func (q *threadQueue) init(levels, buckets int) {
	var shift uint8
	for (levels+(1<<shift)-1)>>shift > buckets {
		shift++
	}
	q.shift = shift
	n := (levels + (1 << shift) - 1) >> shift
	q.sentinel = make([]*Thread, n)
	q.bitmap.Init(n)
}

func (q *threadQueue) bucket(prio uint8) int {
	return int(prio) >> q.shift
}

// insert appends the thread to its priority's FIFO, setting the bucket
// bit if the bucket was empty. The thread must not be in any queue.
func (q *threadQueue) insert(t *Thread) {
	b := q.bucket(t.prio)
	if h := q.sentinel[b]; h == nil {
		t.next, t.prev = t, t
		q.sentinel[b] = t
		q.bitmap.Set(b)
	} else {
		// Scan past everything of equal or higher priority so equal
		// priorities stay FIFO; a full cycle means tail insertion.
		n := h
		for n.prio >= t.prio {
			n = n.next
			if n == h {
				break
			}
		}
		t.prev = n.prev
		t.next = n
		n.prev.next = t
		n.prev = t
		if n == h && h.prio < t.prio {
			q.sentinel[b] = t
		}
	}
	t.queue = q
}

// remove unlinks the thread, clearing the bucket bit when the bucket
// empties. The thread must be in this queue.
func (q *threadQueue) remove(t *Thread) {
	b := q.bucket(t.prio)
	if t.next == t {
		q.sentinel[b] = nil
		q.bitmap.Clear(b)
	} else {
		if q.sentinel[b] == t {
			q.sentinel[b] = t.next
		}
		t.prev.next = t.next
		t.next.prev = t.prev
	}
	t.next, t.prev = nil, nil
	t.queue = nil
}

// peek returns the highest-priority thread, or nil when empty.
func (q *threadQueue) peek() *Thread {
	if q.bitmap.IsEmpty() {
		return nil
	}
	return q.sentinel[q.bitmap.Highest()]
}

func (q *threadQueue) empty() bool {
	return q.bitmap.IsEmpty()
}

// levelHead returns the first thread at exactly the given priority, or
// nil when that priority level is empty.
func (q *threadQueue) levelHead(prio uint8) *Thread {
	h := q.sentinel[q.bucket(prio)]
	if h == nil {
		return nil
	}
	n := h
	for {
		if n.prio == prio {
			return n
		}
		if n.prio < prio {
			return nil
		}
		n = n.next
		if n == h {
			return nil
		}
	}
}

// rotateLevel moves the head of the FIFO at the given priority to its
// tail and returns the new head. Used for round-robin time slicing.
func (q *threadQueue) rotateLevel(prio uint8) *Thread {
	f := q.levelHead(prio)
	if f == nil {
		return nil
	}
	q.remove(f)
	q.insert(f)
	return q.levelHead(prio)
}

// consistent verifies the bitmap/FIFO invariant: a bucket bit is set iff
// the bucket's FIFO is non-empty. Internal-checks builds only.
func (q *threadQueue) consistent() bool {
	for b, h := range q.sentinel {
		if (h != nil) != q.bitmap.IsSet(b) {
			return false
		}
		if h == nil {
			continue
		}
		n := h
		for {
			if n.queue != q || q.bucket(n.prio) != b {
				return false
			}
			if n.next.prev != n {
				return false
			}
			n = n.next
			if n == h {
				break
			}
		}
	}
	return true
}
