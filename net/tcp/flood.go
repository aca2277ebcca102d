package tcp

import (
	"fmt"
	"log"
	"time"

	"github.com/Meander-Cloud/go-epoch/flood"
	m "github.com/Meander-Cloud/go-epoch/message"
)

// Flood emulates the radio flood primitive over the mesh. The originator
// broadcasts once per interaction; every node relays its first reception,
// so floods traverse partial meshes one relay hop at a time. The local
// arrival instant approximates the distributed reference; cross-node clock
// agreement is emulation-grade only.
//
// All state is owned by the arbiter goroutine: Start, Stop, the result
// getters and deliver must be invoked there.
type Flood struct {
	mesh *Mesh

	active      bool
	originating bool
	buffer      []byte
	bufferLen   int
	nTx         uint8

	refUpdated    bool
	refTime       time.Time
	rxCnt         uint8
	txCnt         uint8
	firstRelayCnt uint8
}

func newFlood(mesh *Mesh) *Flood {
	return &Flood{
		mesh: mesh,
	}
}

// invoked on arbiter goroutine
func (f *Flood) Start(initiator uint16, buffer []byte, bufferLen int, nTx uint8, mode flood.SyncMode) error {
	if f.active {
		err := fmt.Errorf("%s: interaction already active", f.mesh.c.LogPrefix)
		log.Printf("%s", err.Error())
		return err
	}

	f.active = true
	f.originating = initiator == f.mesh.c.NodeID
	f.buffer = buffer
	f.bufferLen = bufferLen
	f.nTx = nTx

	// per-interaction results; refTime is retained across interactions so
	// callers can consume a stale reference knowingly
	f.refUpdated = false
	f.rxCnt = 0
	f.firstRelayCnt = 0

	if !f.originating {
		return nil
	}

	ref := time.Now().UTC()
	f.txCnt = nTx
	if mode == flood.WithSync {
		f.refUpdated = true
		f.refTime = ref
	}

	txLen := bufferLen
	if txLen == flood.UnknownPayloadLen || txLen > len(buffer) {
		txLen = len(buffer)
	}

	wire := make([]byte, txLen)
	copy(wire, buffer[:txLen])

	f.mesh.broadcast(
		&m.FloodData{
			Initiator: initiator,
			Buffer:    wire,
			Sync:      mode == flood.WithSync,
			RefTxTime: ref.UnixMicro(),
			RelayCnt:  0,
		},
	)

	return nil
}

// invoked on arbiter goroutine
func (f *Flood) deliver(fd *m.FloodData) {
	if !f.active || f.originating {
		if f.mesh.c.LogDebug {
			log.Printf(
				"%s: dropping flood data, active=%t, originating=%t",
				f.mesh.c.LogPrefix,
				f.active,
				f.originating,
			)
		}
		return
	}

	f.rxCnt++
	if f.rxCnt > 1 {
		// only the first reception is read out and relayed
		return
	}

	rxLen := len(fd.Buffer)
	if rxLen > len(f.buffer) {
		rxLen = len(f.buffer)
	}
	copy(f.buffer[:rxLen], fd.Buffer[:rxLen])

	f.firstRelayCnt = fd.RelayCnt
	f.txCnt = f.nTx
	if fd.Sync {
		f.refUpdated = true
		f.refTime = time.Now().UTC()
	}

	f.mesh.broadcast(
		&m.FloodData{
			Initiator: fd.Initiator,
			Buffer:    fd.Buffer,
			Sync:      fd.Sync,
			RefTxTime: fd.RefTxTime,
			RelayCnt:  fd.RelayCnt + 1,
		},
	)
}

// invoked on arbiter goroutine
func (f *Flood) Stop() {
	f.active = false
	f.buffer = nil
}

// invoked on arbiter goroutine
func (f *Flood) RefUpdated() bool {
	return f.refUpdated
}

// invoked on arbiter goroutine
func (f *Flood) RefTime() time.Time {
	return f.refTime
}

// invoked on arbiter goroutine
func (f *Flood) RxCount() uint8 {
	return f.rxCnt
}

// invoked on arbiter goroutine
func (f *Flood) TxCount() uint8 {
	return f.txCnt
}

// invoked on arbiter goroutine
func (f *Flood) FirstRxRelayCount() uint8 {
	return f.firstRelayCnt
}
