package message

import (
	"encoding/binary"
	"fmt"
	"log"
)

// payload wire layout: four bytes little endian SeqNo followed by Data
const PayloadHeaderLen int = 4

// Payload is the unit exchanged each epoch. Data length is fixed for the
// lifetime of a run and known to both initiator and receivers.
type Payload struct {
	SeqNo uint32 `json:"seq_no"`
	Data  []byte `json:"data"`
}

func NewPayload(dataLen uint16) *Payload {
	return &Payload{
		SeqNo: 0,
		Data:  make([]byte, dataLen),
	}
}

func (p *Payload) Clone() *Payload {
	clone := &Payload{
		SeqNo: p.SeqNo,
		Data:  make([]byte, len(p.Data)),
	}
	copy(clone.Data, p.Data)
	return clone
}

func (p *Payload) WireLen() int {
	return PayloadHeaderLen + len(p.Data)
}

func (p *Payload) MarshalBinary() ([]byte, error) {
	buf := make([]byte, p.WireLen())
	binary.LittleEndian.PutUint32(buf[0:PayloadHeaderLen], p.SeqNo)
	copy(buf[PayloadHeaderLen:], p.Data)
	return buf, nil
}

func (p *Payload) UnmarshalBinary(buf []byte) error {
	if len(buf) < PayloadHeaderLen {
		err := fmt.Errorf("payload buffer too short, len=%d", len(buf))
		log.Printf("%s", err.Error())
		return err
	}

	p.SeqNo = binary.LittleEndian.Uint32(buf[0:PayloadHeaderLen])
	p.Data = make([]byte, len(buf)-PayloadHeaderLen)
	copy(p.Data, buf[PayloadHeaderLen:])
	return nil
}

// MarshalTo writes the wire layout into buf, which must hold WireLen bytes.
// Used on the epoch hot path to reuse one buffer across floods.
func (p *Payload) MarshalTo(buf []byte) error {
	if len(buf) < p.WireLen() {
		err := fmt.Errorf("payload buffer too short, len=%d, need=%d", len(buf), p.WireLen())
		log.Printf("%s", err.Error())
		return err
	}

	binary.LittleEndian.PutUint32(buf[0:PayloadHeaderLen], p.SeqNo)
	copy(buf[PayloadHeaderLen:], p.Data)
	return nil
}

// UnmarshalFrom reads the wire layout from buf without reallocating Data;
// buf must carry exactly len(p.Data) payload bytes.
func (p *Payload) UnmarshalFrom(buf []byte) error {
	if len(buf) < p.WireLen() {
		err := fmt.Errorf("payload buffer too short, len=%d, need=%d", len(buf), p.WireLen())
		log.Printf("%s", err.Error())
		return err
	}

	p.SeqNo = binary.LittleEndian.Uint32(buf[0:PayloadHeaderLen])
	copy(p.Data, buf[PayloadHeaderLen:PayloadHeaderLen+len(p.Data)])
	return nil
}
