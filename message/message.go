package message

type Message struct {
	Txseq  uint64 `json:"txseq"`
	Txtime int64  `json:"txtime"` // epoch milliseconds

	ParticipantInit *ParticipantInit `json:"participant_init,omitempty" msgpack:",omitempty"`
	ParticipantExit *ParticipantExit `json:"participant_exit,omitempty" msgpack:",omitempty"`

	FloodData *FloodData `json:"flood_data,omitempty" msgpack:",omitempty"`
}
