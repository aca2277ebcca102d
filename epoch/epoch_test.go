package epoch

import (
	"testing"
	"time"

	"github.com/Meander-Cloud/go-epoch/config"
	"github.com/Meander-Cloud/go-epoch/drift"
	"github.com/Meander-Cloud/go-epoch/flood"
	m "github.com/Meander-Cloud/go-epoch/message"
)

// fakeFlood returns scripted per-interaction results, letting tests drive
// epoch finalization synchronously without timers
type fakeFlood struct {
	started int
	stopped int

	refUpdated bool
	refTime    time.Time
	rxCnt      uint8
	txCnt      uint8
	relayCnt   uint8
}

var _ flood.Flood = (*fakeFlood)(nil)

func (f *fakeFlood) Start(uint16, []byte, int, uint8, flood.SyncMode) error {
	f.started++
	return nil
}

func (f *fakeFlood) Stop()                    { f.stopped++ }
func (f *fakeFlood) RefUpdated() bool         { return f.refUpdated }
func (f *fakeFlood) RefTime() time.Time       { return f.refTime }
func (f *fakeFlood) RxCount() uint8           { return f.rxCnt }
func (f *fakeFlood) TxCount() uint8           { return f.txCnt }
func (f *fakeFlood) FirstRxRelayCount() uint8 { return f.relayCnt }

type spyCallback struct {
	acquired  []*SyncAcquired
	accepted  []*PayloadAccepted
	corrupted []*PayloadCorrupted
}

var _ UserCallback = (*spyCallback)(nil)

func (s *spyCallback) SyncAcquired(evt *SyncAcquired)         { s.acquired = append(s.acquired, evt) }
func (s *spyCallback) PayloadAccepted(evt *PayloadAccepted)   { s.accepted = append(s.accepted, evt) }
func (s *spyCallback) PayloadCorrupted(evt *PayloadCorrupted) { s.corrupted = append(s.corrupted, evt) }

var testToken = []byte{0x00, 0x00, 0x04, 0x02}

func testConfig(nodeID uint16) *config.Config {
	return &config.Config{
		Host:     "host1",
		Instance: "inst1",

		NodeID:      nodeID,
		InitiatorID: 1,

		EpochPeriod:   250,
		SlotDuration:  20,
		GuardInterval: 1,

		PayloadDataLen: 8,
		IntegrityToken: testToken,

		LogPrefix: "epochtest",
	}
}

func newTestEpoch(c *config.Config, fk *fakeFlood, spy *spyCallback) *Epoch {
	return &Epoch{
		c:       c,
		state:   NewState(c),
		fl:      fk,
		tracker: &drift.Tracker{},
		uc:      spy,
	}
}

// writes a payload carrying the given seq and token prefix into the epoch's
// reusable wire buffer, as a flood delivery would
func scriptDelivery(t *testing.T, e *Epoch, seqNo uint32, token []byte) {
	t.Helper()

	scratch := m.NewPayload(uint16(len(e.state.Payload.Data)))
	scratch.SeqNo = seqNo
	copy(scratch.Data, token)

	err := scratch.MarshalTo(e.state.Buffer)
	if err != nil {
		t.Fatalf("MarshalTo: %v", err)
	}
}

func TestNewState(t *testing.T) {
	c := testConfig(1)
	st := NewState(c)

	if st.Role != m.RoleInitiator {
		t.Fatalf("role = %s, want %s", st.Role, m.RoleInitiator)
	}
	if st.Sync != SyncBootstrapping {
		t.Fatalf("sync = %s, want %s", st.Sync, SyncBootstrapping)
	}
	if !st.TokenSet {
		t.Fatal("TokenSet = false, want true")
	}
	if string(st.Payload.Data[:len(testToken)]) != string(testToken) {
		t.Fatalf("payload prefix = %X, want %X", st.Payload.Data[:len(testToken)], testToken)
	}
	if got := len(st.Buffer); got != st.Payload.WireLen() {
		t.Fatalf("buffer len = %d, want %d", got, st.Payload.WireLen())
	}

	c = testConfig(2)
	st = NewState(c)
	if st.Role != m.RoleReceiver {
		t.Fatalf("role = %s, want %s", st.Role, m.RoleReceiver)
	}
}

func TestInitiatorSeqAndCadence(t *testing.T) {
	c := testConfig(1)
	fk := &fakeFlood{}
	spy := &spyCallback{}
	e := newTestEpoch(c, fk, spy)

	if e.state.Role != m.RoleInitiator {
		t.Fatalf("role = %s, want %s", e.state.Role, m.RoleInitiator)
	}

	epochStart := time.Unix(3000, 0).UTC()
	e.state.EpochStart = epochStart

	fk.refUpdated = true
	fk.refTime = epochStart
	fk.txCnt = 2

	next := e.initiatorFinishEpoch()
	if want := epochStart.Add(c.Period()); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if got := e.state.Payload.SeqNo; got != 1 {
		t.Fatalf("SeqNo = %d, want 1", got)
	}

	// second epoch, one period later
	e.state.EpochStart = next
	fk.refTime = next

	next = e.initiatorFinishEpoch()
	if want := epochStart.Add(2 * c.Period()); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if got := e.state.Payload.SeqNo; got != 2 {
		t.Fatalf("SeqNo = %d, want 2", got)
	}

	if len(spy.accepted) != 2 {
		t.Fatalf("accepted = %d, want 2", len(spy.accepted))
	}
	if spy.accepted[0].SeqNo != 0 || spy.accepted[1].SeqNo != 1 {
		t.Fatalf("accepted seqs = %d, %d, want 0, 1", spy.accepted[0].SeqNo, spy.accepted[1].SeqNo)
	}
	if fk.stopped != 2 {
		t.Fatalf("flood stopped = %d, want 2", fk.stopped)
	}
}

func TestReceiverBootstrapRetries(t *testing.T) {
	c := testConfig(2)
	fk := &fakeFlood{}
	spy := &spyCallback{}
	e := newTestEpoch(c, fk, spy)

	if e.state.Role != m.RoleReceiver {
		t.Fatalf("role = %s, want %s", e.state.Role, m.RoleReceiver)
	}

	// two slots elapse without a reference
	for attempt := 1; attempt <= 2; attempt++ {
		_, retry := e.receiverFinishEpoch()
		if !retry {
			t.Fatalf("attempt %d: retry = false, want true", attempt)
		}
		if got := e.state.BootstrapCount; got != uint32(attempt) {
			t.Fatalf("attempt %d: BootstrapCount = %d, want %d", attempt, got, attempt)
		}
		if e.state.Sync != SyncBootstrapping {
			t.Fatalf("attempt %d: sync = %s, want %s", attempt, e.state.Sync, SyncBootstrapping)
		}
	}
	if len(spy.acquired) != 0 {
		t.Fatalf("acquired = %d before sync, want 0", len(spy.acquired))
	}

	// third slot hears a flood
	ref := time.Unix(3000, 0).UTC()
	fk.refUpdated = true
	fk.refTime = ref
	fk.rxCnt = 1
	scriptDelivery(t, e, 7, testToken)

	next, retry := e.receiverFinishEpoch()
	if retry {
		t.Fatal("retry = true after sync, want false")
	}
	if e.state.Sync != SyncSynced {
		t.Fatalf("sync = %s, want %s", e.state.Sync, SyncSynced)
	}
	if want := ref.Add(c.Period()); !e.state.TRef.Equal(want) {
		t.Fatalf("TRef = %v, want %v", e.state.TRef, want)
	}
	if want := e.state.TRef.Add(-c.Guard()); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if len(spy.acquired) != 1 {
		t.Fatalf("acquired = %d, want 1", len(spy.acquired))
	}
	if got := spy.acquired[0].Attempts; got != 2 {
		t.Fatalf("acquired attempts = %d, want 2", got)
	}
	if len(spy.accepted) != 1 || spy.accepted[0].SeqNo != 7 {
		t.Fatalf("accepted = %+v, want one entry with seq 7", spy.accepted)
	}
	if got := e.state.RxCount; got != 1 {
		t.Fatalf("RxCount = %d, want 1", got)
	}
}

func TestReceiverVirtualClockAdvances(t *testing.T) {
	c := testConfig(2)
	fk := &fakeFlood{}
	spy := &spyCallback{}
	e := newTestEpoch(c, fk, spy)

	tRef := time.Unix(3000, 0).UTC()
	e.state.Sync = SyncSynced
	e.state.TRef = tRef

	// synced epoch
	fk.refUpdated = true
	fk.refTime = tRef
	fk.rxCnt = 1
	scriptDelivery(t, e, 10, testToken)

	next, retry := e.receiverFinishEpoch()
	if retry {
		t.Fatal("retry = true while synced, want false")
	}
	if want := tRef.Add(c.Period()); !e.state.TRef.Equal(want) {
		t.Fatalf("TRef = %v, want %v", e.state.TRef, want)
	}
	if want := e.state.TRef.Add(-c.Guard()); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	// missed epoch: the virtual clock extrapolates by exactly one period
	// and sync never reverts to bootstrapping
	fk.refUpdated = false
	fk.rxCnt = 0
	before := e.state.TRef

	next, retry = e.receiverFinishEpoch()
	if retry {
		t.Fatal("retry = true after miss, want false")
	}
	if e.state.Sync != SyncSynced {
		t.Fatalf("sync = %s after miss, want %s", e.state.Sync, SyncSynced)
	}
	if want := before.Add(c.Period()); !e.state.TRef.Equal(want) {
		t.Fatalf("extrapolated TRef = %v, want %v", e.state.TRef, want)
	}
	if want := e.state.TRef.Add(-c.Guard()); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if got := e.state.RxCount; got != 1 {
		t.Fatalf("RxCount = %d, want 1", got)
	}
	if got := e.state.MissCount; got != 1 {
		t.Fatalf("MissCount = %d, want 1", got)
	}
	if len(spy.accepted) != 1 {
		t.Fatalf("accepted = %d, want 1", len(spy.accepted))
	}
}

func TestReceiverCorruptedPayload(t *testing.T) {
	c := testConfig(2)
	fk := &fakeFlood{}
	spy := &spyCallback{}
	e := newTestEpoch(c, fk, spy)

	tRef := time.Unix(3000, 0).UTC()
	e.state.Sync = SyncSynced
	e.state.TRef = tRef

	fk.refUpdated = true
	fk.refTime = tRef
	fk.rxCnt = 2
	scriptDelivery(t, e, 10, []byte{0x00, 0x00, 0x04, 0x03})

	_, retry := e.receiverFinishEpoch()
	if retry {
		t.Fatal("retry = true while synced, want false")
	}

	// corrupted reception counts as received but is never accepted
	if got := e.state.RxCount; got != 1 {
		t.Fatalf("RxCount = %d, want 1", got)
	}
	if len(spy.corrupted) != 1 {
		t.Fatalf("corrupted = %d, want 1", len(spy.corrupted))
	}
	if len(spy.accepted) != 0 {
		t.Fatalf("accepted = %d, want 0", len(spy.accepted))
	}
	if got := e.tracker.PrevSeqNo(); got != 0 {
		t.Fatalf("tracker PrevSeqNo = %d after corrupted payload, want 0", got)
	}
}

func TestReceiverDriftCommitContiguous(t *testing.T) {
	c := testConfig(2)
	fk := &fakeFlood{}
	spy := &spyCallback{}
	e := newTestEpoch(c, fk, spy)

	tRef := time.Unix(3000, 0).UTC()
	e.state.Sync = SyncSynced
	e.state.TRef = tRef

	fk.refUpdated = true
	fk.rxCnt = 1

	fk.refTime = tRef
	scriptDelivery(t, e, 5, testToken)
	e.receiverFinishEpoch()

	fk.refTime = tRef.Add(c.Period())
	scriptDelivery(t, e, 6, testToken)
	e.receiverFinishEpoch()

	if got := e.tracker.PrevSeqNo(); got != 6 {
		t.Fatalf("tracker PrevSeqNo = %d, want 6", got)
	}
	if !e.tracker.PrevRef().Equal(tRef.Add(c.Period())) {
		t.Fatalf("tracker PrevRef = %v, want %v", e.tracker.PrevRef(), tRef.Add(c.Period()))
	}
	if len(spy.accepted) != 2 {
		t.Fatalf("accepted = %d, want 2", len(spy.accepted))
	}
}

func TestIntegrityDisabledWhenTokenTooLong(t *testing.T) {
	c := testConfig(2)
	c.PayloadDataLen = 2 // shorter than the four byte token

	st := NewState(c)
	if st.TokenSet {
		t.Fatal("TokenSet = true with oversized token, want false")
	}
	if st.Token != nil {
		t.Fatalf("Token = %X, want nil", st.Token)
	}

	// without an applied token every reception is accepted
	fk := &fakeFlood{}
	spy := &spyCallback{}
	e := &Epoch{
		c:       c,
		state:   st,
		fl:      fk,
		tracker: &drift.Tracker{},
		uc:      spy,
	}

	tRef := time.Unix(3000, 0).UTC()
	e.state.Sync = SyncSynced
	e.state.TRef = tRef

	fk.refUpdated = true
	fk.refTime = tRef
	fk.rxCnt = 1
	scriptDelivery(t, e, 3, []byte{0xFF, 0xFF})

	e.receiverFinishEpoch()

	if len(spy.accepted) != 1 || spy.accepted[0].SeqNo != 3 {
		t.Fatalf("accepted = %+v, want one entry with seq 3", spy.accepted)
	}
	if len(spy.corrupted) != 0 {
		t.Fatalf("corrupted = %d, want 0", len(spy.corrupted))
	}
}
