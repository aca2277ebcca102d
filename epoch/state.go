package epoch

import (
	"log"
	"time"

	"github.com/Meander-Cloud/go-epoch/config"
	m "github.com/Meander-Cloud/go-epoch/message"
)

type SyncState uint8

const (
	SyncBootstrapping SyncState = 0
	SyncSynced        SyncState = 1
)

func (s SyncState) String() string {
	switch s {
	case SyncBootstrapping:
		return "Bootstrapping"
	case SyncSynced:
		return "Synced"
	default:
		return "Unknown Sync State"
	}
}

type State struct {
	Role m.Role
	Sync SyncState

	Payload *m.Payload
	Buffer  []byte // reusable wire buffer handed to the flood primitive

	Token    []byte
	TokenSet bool

	// virtual clock: canonical instant of the current epoch, advances by
	// exactly one period per epoch
	TRef time.Time
	// intended fire time of the current slot; cadence is anchored here,
	// never to time.Now
	EpochStart time.Time

	RxCount        uint32
	MissCount      uint32
	BootstrapCount uint32
}

func NewState(c *config.Config) *State {
	var role m.Role
	if c.NodeID == c.InitiatorID {
		role = m.RoleInitiator
	} else {
		role = m.RoleReceiver
	}

	payload := m.NewPayload(c.PayloadDataLen)

	var token []byte
	var tokenSet bool
	if len(c.IntegrityToken) > 0 {
		if len(c.IntegrityToken) > len(payload.Data) {
			// degrade rather than fail startup
			log.Printf(
				"%s: integrity token len=%d exceeds payload capacity=%d, integrity checking disabled",
				c.LogPrefix,
				len(c.IntegrityToken),
				len(payload.Data),
			)
		} else {
			token = make([]byte, len(c.IntegrityToken))
			copy(token, c.IntegrityToken)
			copy(payload.Data, token)
			tokenSet = true
		}
	}

	log.Printf(
		"%s: node=%d, initiator=%d, role=%s, payload_data_len=%d, token_set=%t",
		c.LogPrefix,
		c.NodeID,
		c.InitiatorID,
		role,
		c.PayloadDataLen,
		tokenSet,
	)

	s := &State{
		Role: role,
		Sync: SyncBootstrapping,

		Payload: payload,
		Buffer:  make([]byte, payload.WireLen()),

		Token:    token,
		TokenSet: tokenSet,
	}

	return s
}
