package epoch

import (
	"log"
	"time"

	"github.com/Meander-Cloud/go-epoch/flood"
	g "github.com/Meander-Cloud/go-epoch/group"
)

// invoked on arbiter goroutine
func (e *Epoch) initiatorEpoch() {
	err := e.state.Payload.MarshalTo(e.state.Buffer)
	if err != nil {
		// buffer is sized at startup, cannot happen
		return
	}

	err = e.fl.Start(
		e.c.NodeID,
		e.state.Buffer,
		len(e.state.Buffer),
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

	e.scheduleWakeAt(
		g.GroupSlotWait,
		e.state.EpochStart.Add(e.c.Slot()),
		e.initiatorSlotElapsed,
	)
}

// invoked on arbiter goroutine
func (e *Epoch) initiatorSlotElapsed() {
	next := e.initiatorFinishEpoch()

	e.state.EpochStart = next
	e.scheduleWakeAt(
		g.GroupEpochWait,
		next,
		e.initiatorEpoch,
	)
}

// invoked on arbiter goroutine; finalizes the current flood interaction and
// returns the start of the next epoch
func (e *Epoch) initiatorFinishEpoch() time.Time {
	e.fl.Stop()

	seqNo := e.state.Payload.SeqNo
	log.Printf(
		"%s: role=%s, sent seq=%d, payload_len=%d",
		e.c.LogPrefix,
		e.state.Role,
		seqNo,
		len(e.state.Buffer),
	)
	e.reportStats()

	ref := e.fl.RefTime()
	delta, applicable := e.tracker.Delta(seqNo, ref)
	if applicable {
		e.reportDelta(delta)
	}

	// locally produced payload is accepted by definition
	e.tracker.Commit(seqNo, ref)
	e.uc.PayloadAccepted(
		&PayloadAccepted{
			SeqNo:   seqNo,
			RxCount: e.fl.RxCount(),
			Time:    time.Now().UTC(),
		},
	)

	e.state.Payload.SeqNo++

	// next flood begins exactly one period after the current one began,
	// independent of how long the interaction consumed
	return e.state.EpochStart.Add(e.c.Period())
}
