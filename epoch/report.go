package epoch

import (
	"log"
	"time"
)

// invoked on arbiter goroutine; one line per epoch, observability parity
// with the flood primitive's diagnostic counters
func (e *Epoch) reportStats() {
	log.Printf(
		"%s: role=%s, n_rx=%d, n_tx=%d, f_relay_cnt=%d, rcvd=%d, missed=%d, bootstrapped=%d",
		e.c.LogPrefix,
		e.state.Role,
		e.fl.RxCount(),
		e.fl.TxCount(),
		e.fl.FirstRxRelayCount(),
		e.state.RxCount,
		e.state.MissCount,
		e.state.BootstrapCount,
	)
}

// invoked on arbiter goroutine
func (e *Epoch) reportDelta(delta time.Duration) {
	log.Printf(
		"%s: role=%s, epoch_diff=%dus",
		e.c.LogPrefix,
		e.state.Role,
		delta.Microseconds(),
	)
}
