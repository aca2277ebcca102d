package epoch

import (
	"log"
	"time"

	"github.com/Meander-Cloud/go-epoch/flood"
	g "github.com/Meander-Cloud/go-epoch/group"
	"github.com/Meander-Cloud/go-epoch/integrity"
)

// invoked on arbiter goroutine
func (e *Epoch) receiverEpoch() {
	err := e.fl.Start(
		flood.UnknownInitiator,
		e.state.Buffer,
		flood.UnknownPayloadLen,
		e.c.Retransmissions(),
		flood.WithSync,
	)
	if err != nil {
		log.Printf(
			"%s: role=%s, flood start failed, err=%s",
			e.c.LogPrefix,
			e.state.Role,
			err.Error(),
		)
		// fall through; cadence must continue regardless
	}

	window := e.c.Slot()
	if e.state.Sync == SyncSynced {
		// guard absorbs clock drift accumulated since the last sync
		window += e.c.Guard()
	}

	e.scheduleWakeAt(
		g.GroupSlotWait,
		e.state.EpochStart.Add(window),
		e.receiverSlotElapsed,
	)
}

// invoked on arbiter goroutine
func (e *Epoch) receiverSlotElapsed() {
	next, retry := e.receiverFinishEpoch()
	if retry {
		// still bootstrapping, listen again immediately
		e.state.EpochStart = time.Now().UTC()
		e.receiverEpoch()
		return
	}

	e.state.EpochStart = next
	e.scheduleWakeAt(
		g.GroupEpochWait,
		next,
		e.receiverEpoch,
	)
}

// invoked on arbiter goroutine; finalizes the current flood interaction and
// returns the next wake target, or retry while bootstrap has not yet
// obtained a synchronization reference
func (e *Epoch) receiverFinishEpoch() (time.Time, bool) {
	e.fl.Stop()

	if e.state.Sync == SyncBootstrapping {
		if !e.fl.RefUpdated() {
			e.state.BootstrapCount++
			log.Printf(
				"%s: role=%s, sync=%s, attempt failed, bootstrapped=%d",
				e.c.LogPrefix,
				e.state.Role,
				e.state.Sync,
				e.state.BootstrapCount,
			)
			return time.Time{}, true
		}

		// transitions exactly once, never reverts
		e.state.Sync = SyncSynced
		log.Printf(
			"%s: role=%s, sync=%s, bootstrapped=%d",
			e.c.LogPrefix,
			e.state.Role,
			e.state.Sync,
			e.state.BootstrapCount,
		)
		e.uc.SyncAcquired(
			&SyncAcquired{
				Attempts: e.state.BootstrapCount,
				Time:     time.Now().UTC(),
			},
		)
	}

	// the virtual clock advances by exactly one period per epoch whether or
	// not a sync was obtained
	if e.fl.RefUpdated() {
		e.state.TRef = e.fl.RefTime().Add(e.c.Period())
		log.Printf("%s: role=%s, synced", e.c.LogPrefix, e.state.Role)
	} else {
		e.state.TRef = e.state.TRef.Add(e.c.Period())
		log.Printf("%s: role=%s, not synced, extrapolated", e.c.LogPrefix, e.state.Role)
	}

	if e.fl.RxCount() > 0 {
		e.state.RxCount++
		e.receiverProcessPayload()
	} else {
		e.state.MissCount++
	}

	// wake slightly before the predicted next flood to be listening in time
	return e.state.TRef.Add(-e.c.Guard()), false
}

// invoked on arbiter goroutine
func (e *Epoch) receiverProcessPayload() {
	err := e.state.Payload.UnmarshalFrom(e.state.Buffer)
	if err != nil {
		return
	}

	if e.state.TokenSet && !integrity.Check(e.state.Payload.Data, e.state.Token) {
		// discard: already counted as received, acceptance is withheld
		log.Printf(
			"%s: role=%s, received corrupted payload",
			e.c.LogPrefix,
			e.state.Role,
		)
		e.uc.PayloadCorrupted(
			&PayloadCorrupted{
				Time: time.Now().UTC(),
			},
		)
		return
	}

	seqNo := e.state.Payload.SeqNo
	log.Printf(
		"%s: role=%s, rcvd seq=%d",
		e.c.LogPrefix,
		e.state.Role,
		seqNo,
	)
	e.reportStats()

	ref := e.fl.RefTime()
	delta, applicable := e.tracker.Delta(seqNo, ref)
	if applicable {
		e.reportDelta(delta)
	}
	e.tracker.Commit(seqNo, ref)

	e.uc.PayloadAccepted(
		&PayloadAccepted{
			SeqNo:   seqNo,
			RxCount: e.fl.RxCount(),
			Time:    time.Now().UTC(),
		},
	)
}
