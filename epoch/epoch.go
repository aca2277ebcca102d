package epoch

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Meander-Cloud/go-schedule/scheduler"

	"github.com/Meander-Cloud/go-epoch/arbiter"
	"github.com/Meander-Cloud/go-epoch/config"
	"github.com/Meander-Cloud/go-epoch/drift"
	"github.com/Meander-Cloud/go-epoch/flood"
	g "github.com/Meander-Cloud/go-epoch/group"
	m "github.com/Meander-Cloud/go-epoch/message"
)

type Epoch struct {
	c       *config.Config
	a       *arbiter.Arbiter
	state   *State
	fl      flood.Flood
	tracker *drift.Tracker
	uc      UserCallback
}

func NewEpoch(
	c *config.Config,
	a *arbiter.Arbiter,
	fl flood.Flood,
	uc UserCallback,
) (*Epoch, error) {
	err := c.Validate()
	if err != nil {
		return nil, err
	}

	if a == nil {
		err := fmt.Errorf("%s: nil arbiter", c.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	// no degraded mode exists without the flood primitive
	if fl == nil {
		err := fmt.Errorf("%s: nil flood primitive", c.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if uc == nil {
		err := fmt.Errorf("%s: nil user callback", c.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	e := &Epoch{
		c:       c,
		a:       a,
		state:   NewState(c),
		fl:      fl,
		tracker: &drift.Tracker{},
		uc:      uc,
	}

	e.a.Dispatch(
		func() {
			// invoked on arbiter goroutine
			e.scheduleStart()
		},
	)

	return e, nil
}

func (e *Epoch) Shutdown() {
	var releasewg sync.WaitGroup

	// group release mutates scheduler internals, so it must run on the
	// arbiter goroutine; wait until all timers are released
	releasewg.Add(1)
	err := e.a.Dispatch(
		func() {
			// invoked on arbiter goroutine
			defer releasewg.Done()

			for _, group := range []g.Group{
				g.GroupStartWait,
				g.GroupSlotWait,
				g.GroupEpochWait,
			} {
				e.a.Scheduler().ProcessSync(
					&scheduler.ReleaseGroupEvent[g.Group]{
						Group: group,
					},
				)
			}
		},
	)
	if err != nil {
		releasewg.Done()
	}
	releasewg.Wait()

	log.Printf(
		"%s: role=%s, shut down",
		e.c.LogPrefix,
		e.state.Role,
	)
}

// invoked on arbiter goroutine
func (e *Epoch) scheduleStart() {
	wait := e.c.StartDelay()
	e.state.EpochStart = time.Now().UTC().Add(wait)

	var entry func()
	switch e.state.Role {
	case m.RoleInitiator:
		entry = e.initiatorEpoch
	default:
		entry = e.receiverEpoch
	}

	e.a.Scheduler().ProcessSync(
		&scheduler.ScheduleAsyncEvent[g.Group]{
			AsyncVariant: scheduler.TimerAsync(
				true,
				[]g.Group{g.GroupStartWait},
				wait,
				entry,
				nil,
			),
		},
	)

	log.Printf(
		"%s: role=%s, starting in %v",
		e.c.LogPrefix,
		e.state.Role,
		wait,
	)
}

// invoked on arbiter goroutine; arms a one-shot wake at the given target,
// clamped so a late caller fires immediately rather than erroring
func (e *Epoch) scheduleWakeAt(group g.Group, target time.Time, f func()) {
	wait := time.Until(target)
	if wait < 0 {
		wait = 0
	}

	e.a.Scheduler().ProcessSync(
		&scheduler.ScheduleAsyncEvent[g.Group]{
			AsyncVariant: scheduler.TimerAsync(
				true,
				[]g.Group{group},
				wait,
				f,
				nil,
			),
		},
	)

	if e.c.LogDebug {
		log.Printf(
			"%s: role=%s, scheduled<%v>: %s",
			e.c.LogPrefix,
			e.state.Role,
			wait,
			group,
		)
	}
}
