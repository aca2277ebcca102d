package message

type Participant struct {
	Host     string `json:"host"`
	Instance string `json:"instance"`
	NodeID   uint16 `json:"node_id"`
	Time     int64  `json:"time"` // epoch milliseconds
}

func (p *Participant) Clone() *Participant {
	clone := *p
	return &clone
}

type ParticipantInit struct {
	Participant *Participant `json:"participant"`
	InReconnect bool         `json:"in_reconnect"`
}

type ParticipantExit struct {
	InShutdown bool `json:"in_shutdown"`
}
