// Package drift tracks the previously accepted payload reference and derives
// inter-epoch timing deltas for diagnostic reporting.
package drift

import "time"

// Tracker holds the sequence number and reference time of the last accepted
// payload. Single writer; owned by the epoch scheduler.
type Tracker struct {
	prevSeqNo uint32
	prevRef   time.Time
}

// Delta returns ref - previous reference iff seqNo is exactly one past the
// previously committed sequence number and that number is positive. A zero
// previous sequence marks a bootstrap boundary and a non-contiguous sequence
// marks a missed epoch; both suppress the delta.
func (t *Tracker) Delta(seqNo uint32, ref time.Time) (time.Duration, bool) {
	if t.prevSeqNo > 0 && seqNo == t.prevSeqNo+1 {
		return ref.Sub(t.prevRef), true
	}
	return 0, false
}

// Commit replaces the snapshot; call only when a payload is accepted.
func (t *Tracker) Commit(seqNo uint32, ref time.Time) {
	t.prevSeqNo = seqNo
	t.prevRef = ref
}

func (t *Tracker) PrevSeqNo() uint32 {
	return t.prevSeqNo
}

func (t *Tracker) PrevRef() time.Time {
	return t.prevRef
}
