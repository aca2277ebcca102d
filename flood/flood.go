package flood

import "time"

type SyncMode uint8

const (
	NoSync   SyncMode = 0
	WithSync SyncMode = 1
)

func (s SyncMode) String() string {
	switch s {
	case NoSync:
		return "No Sync"
	case WithSync:
		return "With Sync"
	default:
		return "Unknown Sync Mode"
	}
}

const (
	// pass as initiator to Start to listen for an unknown originator
	UnknownInitiator uint16 = 0

	// pass as bufferLen to Start when the incoming payload length is unknown
	UnknownPayloadLen int = 0
)

// Flood is one bounded-duration reliable flood interaction per Start/Stop
// pair. Start arms the interaction; Stop must be called after the slot
// duration elapses and before inspecting results. Implementations emulate
// the radio primitive; the scheduler only consumes this contract.
type Flood interface {
	// Start begins a flood interaction. A node originates when initiator is
	// its own id, and listens when initiator is UnknownInitiator. buffer is
	// both transmit source and receive destination; bufferLen bounds the
	// transmitted bytes, UnknownPayloadLen accepts any length up to capacity.
	Start(initiator uint16, buffer []byte, bufferLen int, nTx uint8, mode SyncMode) error

	// Stop finalizes the current interaction; receptions after Stop are
	// discarded.
	Stop()

	// RefUpdated reports whether this interaction yielded a fresh
	// synchronization reference.
	RefUpdated() bool

	// RefTime is the local time of the flood's logical start; valid only
	// when RefUpdated was true this or a prior interaction, caller tracks
	// staleness.
	RefTime() time.Time

	// RxCount is the number of receptions during this interaction.
	RxCount() uint8

	// diagnostic counters, consumed only for reporting
	TxCount() uint8
	FirstRxRelayCount() uint8
}
