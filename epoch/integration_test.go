package epoch

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/Meander-Cloud/go-epoch/arbiter"
	"github.com/Meander-Cloud/go-epoch/config"
	"github.com/Meander-Cloud/go-epoch/flood"
)

type signalCallback struct {
	acquired  chan *SyncAcquired
	accepted  chan *PayloadAccepted
	corrupted atomic.Uint32
}

func newSignalCallback() *signalCallback {
	return &signalCallback{
		acquired: make(chan *SyncAcquired, 16),
		accepted: make(chan *PayloadAccepted, 64),
	}
}

func (s *signalCallback) SyncAcquired(evt *SyncAcquired) {
	select {
	case s.acquired <- evt:
	default:
	}
}

func (s *signalCallback) PayloadAccepted(evt *PayloadAccepted) {
	select {
	case s.accepted <- evt:
	default:
	}
}

func (s *signalCallback) PayloadCorrupted(*PayloadCorrupted) {
	s.corrupted.Add(1)
}

// exercises one initiator and one receiver end to end over the in-process
// medium, with live arbiters and timers
func TestEpochOverMedium(t *testing.T) {
	if testing.Short() {
		t.Skip("live timers")
	}

	medium := flood.NewMedium()

	makeConfig := func(nodeID uint16, instance string) *config.Config {
		return &config.Config{
			Host:     "host1",
			Instance: instance,

			NodeID:      nodeID,
			InitiatorID: 1,

			EpochPeriod:   100,
			SlotDuration:  20,
			GuardInterval: 5,

			PayloadDataLen: 16,
			IntegrityToken: testToken,

			// receiver listens first so bootstrap can catch the opening flood
			InitiatorStartDelay: 2,
			ReceiverStartDelay:  1,

			LogPrefix: "mediumtest",
		}
	}

	initiatorConfig := makeConfig(1, "inst1")
	receiverConfig := makeConfig(2, "inst2")

	initiatorNode, err := medium.Attach(1)
	if err != nil {
		t.Fatalf("Attach(1): %v", err)
	}
	receiverNode, err := medium.Attach(2)
	if err != nil {
		t.Fatalf("Attach(2): %v", err)
	}

	initiatorArbiter := arbiter.NewArbiter(initiatorConfig)
	defer initiatorArbiter.Shutdown()
	receiverArbiter := arbiter.NewArbiter(receiverConfig)
	defer receiverArbiter.Shutdown()

	initiatorCallback := newSignalCallback()
	receiverCallback := newSignalCallback()

	initiatorEpoch, err := NewEpoch(initiatorConfig, initiatorArbiter, initiatorNode, initiatorCallback)
	if err != nil {
		t.Fatalf("initiator NewEpoch: %v", err)
	}
	defer initiatorEpoch.Shutdown()

	receiverEpoch, err := NewEpoch(receiverConfig, receiverArbiter, receiverNode, receiverCallback)
	if err != nil {
		t.Fatalf("receiver NewEpoch: %v", err)
	}
	defer receiverEpoch.Shutdown()

	// receiver bootstraps continuously from 1s, initiator floods from 2s;
	// the opening flood lands in a bootstrap listen window
	select {
	case evt := <-receiverCallback.acquired:
		if evt.Attempts == 0 {
			t.Error("sync acquired with zero bootstrap attempts before the initiator started")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("receiver never acquired sync")
	}

	select {
	case evt := <-receiverCallback.accepted:
		if evt.RxCount == 0 {
			t.Errorf("accepted with RxCount=0: %+v", evt)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("receiver never accepted a payload")
	}

	select {
	case <-initiatorCallback.accepted:
	case <-time.After(10 * time.Second):
		t.Fatal("initiator never completed an epoch")
	}

	if got := receiverCallback.corrupted.Load(); got != 0 {
		t.Fatalf("receiver corrupted = %d, want 0", got)
	}
}

// shuts a receiver down from a foreign goroutine while its bootstrap retry
// loop is rearming timers on the arbiter goroutine
func TestShutdownDuringBootstrap(t *testing.T) {
	if testing.Short() {
		t.Skip("live timers")
	}

	medium := flood.NewMedium()

	c := &config.Config{
		Host:     "host1",
		Instance: "inst1",

		NodeID:      2,
		InitiatorID: 1,

		EpochPeriod:   100,
		SlotDuration:  20,
		GuardInterval: 5,

		PayloadDataLen: 16,
		IntegrityToken: testToken,

		ReceiverStartDelay: 1,

		LogPrefix: "shutdowntest",
	}

	node, err := medium.Attach(2)
	if err != nil {
		t.Fatalf("Attach(2): %v", err)
	}

	a := arbiter.NewArbiter(c)
	defer a.Shutdown()

	cb := newSignalCallback()
	e, err := NewEpoch(c, a, node, cb)
	if err != nil {
		t.Fatalf("NewEpoch: %v", err)
	}

	// no initiator on the medium, so the receiver is cycling bootstrap
	// attempts when Shutdown arrives
	time.Sleep(1500 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		e.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not complete")
	}

	if len(cb.acquired) != 0 {
		t.Fatalf("acquired = %d without an initiator, want 0", len(cb.acquired))
	}
}
