package message

// FloodData carries one flood's payload across the mesh. Buffer holds the
// packed payload wire bytes; RefTxTime is the originator's local flood start
// in epoch microseconds, distributed when sync was requested.
type FloodData struct {
	Initiator uint16 `json:"initiator"`
	Buffer    []byte `json:"buffer"`
	Sync      bool   `json:"sync"`
	RefTxTime int64  `json:"ref_tx_time"`
	RelayCnt  uint8  `json:"relay_cnt"`
}
