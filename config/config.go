package config

import (
	"fmt"
	"log"
	"time"
)

const (
	// defaults for when not provided in Config
	EventChannelLength   uint16        = 1024
	TcpKeepAliveInterval time.Duration = time.Second * 17
	TcpKeepAliveCount    uint16        = 2
	TcpDialTimeout       time.Duration = time.Second * 3
	TcpReconnectInterval time.Duration = time.Second * 5
	TcpReconnectLogEvery uint32        = 12
	TcpReconnectWindow   time.Duration = time.Second * 17

	EpochPeriod          time.Duration = time.Millisecond * 250
	SlotDuration         time.Duration = time.Millisecond * 20
	GuardInterval        time.Duration = time.Millisecond
	FloodRetransmissions uint8         = 2
	PayloadDataLen       uint16        = 109
	InitiatorStartDelay  time.Duration = time.Second * 10
	ReceiverStartDelay   time.Duration = time.Second * 2
)

type Config struct {
	Host               string
	Instance           string
	EventChannelLength uint16

	SelfAddress          string
	PeerAddressList      []string
	TcpKeepAliveInterval uint16
	TcpKeepAliveCount    uint16
	TcpDialTimeout       uint16
	TcpReconnectInterval uint16
	TcpReconnectWindow   uint16

	// fixed role assignment; node is initiator iff NodeID == InitiatorID
	NodeID      uint16
	InitiatorID uint16

	// epoch cadence, milliseconds; zero selects package defaults
	EpochPeriod   uint32
	SlotDuration  uint32
	GuardInterval uint32

	FloodRetransmissions uint8
	PayloadDataLen       uint16

	// optional payload prefix token; nil disables integrity checking
	IntegrityToken []byte

	// seconds before the first scheduled epoch; zero selects package defaults
	InitiatorStartDelay uint16
	ReceiverStartDelay  uint16

	LogPrefix string
	LogDebug  bool
}

func (c *Config) Validate() error {
	if c == nil {
		err := fmt.Errorf("nil config")
		log.Printf("%s", err.Error())
		return err
	}

	if c.Host == "" {
		err := fmt.Errorf("invalid Host=%s", c.Host)
		log.Printf("%s", err.Error())
		return err
	}

	if c.Instance == "" {
		err := fmt.Errorf("invalid Instance=%s", c.Instance)
		log.Printf("%s", err.Error())
		return err
	}

	if c.NodeID == 0 {
		err := fmt.Errorf("invalid NodeID=%d", c.NodeID)
		log.Printf("%s", err.Error())
		return err
	}

	if c.InitiatorID == 0 {
		err := fmt.Errorf("invalid InitiatorID=%d", c.InitiatorID)
		log.Printf("%s", err.Error())
		return err
	}

	if c.PayloadDataLen == 0 {
		err := fmt.Errorf("invalid PayloadDataLen=%d", c.PayloadDataLen)
		log.Printf("%s", err.Error())
		return err
	}

	period := c.Period()
	slot := c.Slot()
	guard := c.Guard()

	if slot >= period {
		err := fmt.Errorf("SlotDuration=%v must be shorter than EpochPeriod=%v", slot, period)
		log.Printf("%s", err.Error())
		return err
	}

	if guard >= slot {
		err := fmt.Errorf("GuardInterval=%v must be shorter than SlotDuration=%v", guard, slot)
		log.Printf("%s", err.Error())
		return err
	}

	return nil
}

// ValidateMesh additionally checks fields required by the TCP mesh flood.
func (c *Config) ValidateMesh() error {
	err := c.Validate()
	if err != nil {
		return err
	}

	if c.SelfAddress == "" {
		err := fmt.Errorf("invalid SelfAddress=%s", c.SelfAddress)
		log.Printf("%s", err.Error())
		return err
	}

	if len(c.PeerAddressList) == 0 {
		err := fmt.Errorf("empty PeerAddressList")
		log.Printf("%s", err.Error())
		return err
	}

	for _, address := range c.PeerAddressList {
		if address == "" {
			err := fmt.Errorf("invalid PeerAddressList=%+v", c.PeerAddressList)
			log.Printf("%s", err.Error())
			return err
		}
	}

	return nil
}

func (c *Config) Period() time.Duration {
	if c.EpochPeriod == 0 {
		return EpochPeriod
	}
	return time.Millisecond * time.Duration(c.EpochPeriod)
}

func (c *Config) Slot() time.Duration {
	if c.SlotDuration == 0 {
		return SlotDuration
	}
	return time.Millisecond * time.Duration(c.SlotDuration)
}

func (c *Config) Guard() time.Duration {
	if c.GuardInterval == 0 {
		return GuardInterval
	}
	return time.Millisecond * time.Duration(c.GuardInterval)
}

func (c *Config) Retransmissions() uint8 {
	if c.FloodRetransmissions == 0 {
		return FloodRetransmissions
	}
	return c.FloodRetransmissions
}

func (c *Config) StartDelay() time.Duration {
	if c.NodeID == c.InitiatorID {
		if c.InitiatorStartDelay == 0 {
			return InitiatorStartDelay
		}
		return time.Second * time.Duration(c.InitiatorStartDelay)
	}
	if c.ReceiverStartDelay == 0 {
		return ReceiverStartDelay
	}
	return time.Second * time.Duration(c.ReceiverStartDelay)
}
