package epoch

import "time"

type SyncAcquired struct {
	Attempts uint32 // failed bootstrap attempts before this success
	Time     time.Time
}

type PayloadAccepted struct {
	SeqNo   uint32
	RxCount uint8
	Time    time.Time
}

type PayloadCorrupted struct {
	Time time.Time
}

type UserCallback interface {
	SyncAcquired(*SyncAcquired)
	PayloadAccepted(*PayloadAccepted)
	PayloadCorrupted(*PayloadCorrupted)
}
