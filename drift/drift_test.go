package drift

import (
	"testing"
	"time"
)

func TestDeltaContiguous(t *testing.T) {
	base := time.Unix(1000, 0)
	period := time.Millisecond * 250

	tracker := &Tracker{}
	tracker.Commit(5, base)

	delta, applicable := tracker.Delta(6, base.Add(period))
	if !applicable {
		t.Fatal("Delta(6) not applicable, want applicable")
	}
	if delta != period {
		t.Fatalf("Delta(6) = %v, want %v", delta, period)
	}
}

func TestDeltaSuppressedOnGap(t *testing.T) {
	base := time.Unix(1000, 0)

	tracker := &Tracker{}
	tracker.Commit(5, base)

	// three missed epochs between the snapshots
	_, applicable := tracker.Delta(8, base.Add(time.Second))
	if applicable {
		t.Fatal("Delta(8) applicable after gap, want suppressed")
	}
}

func TestDeltaSuppressedAcrossBootstrap(t *testing.T) {
	base := time.Unix(1000, 0)

	// zero previous sequence marks a bootstrap boundary
	tracker := &Tracker{}
	if _, applicable := tracker.Delta(1, base); applicable {
		t.Fatal("Delta applicable with empty snapshot, want suppressed")
	}

	tracker.Commit(0, base)
	if _, applicable := tracker.Delta(1, base.Add(time.Second)); applicable {
		t.Fatal("Delta applicable after seq 0 snapshot, want suppressed")
	}
}

func TestCommitReplacesSnapshot(t *testing.T) {
	base := time.Unix(1000, 0)

	tracker := &Tracker{}
	tracker.Commit(5, base)
	tracker.Commit(9, base.Add(time.Second))

	if tracker.PrevSeqNo() != 9 {
		t.Fatalf("PrevSeqNo = %d, want 9", tracker.PrevSeqNo())
	}
	if !tracker.PrevRef().Equal(base.Add(time.Second)) {
		t.Fatalf("PrevRef = %v, want %v", tracker.PrevRef(), base.Add(time.Second))
	}

	delta, applicable := tracker.Delta(10, base.Add(time.Second*2))
	if !applicable || delta != time.Second {
		t.Fatalf("Delta(10) = (%v, %t), want (1s, true)", delta, applicable)
	}
}
