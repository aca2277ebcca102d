package flood

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Medium is an in-process emulation of the shared radio channel. Nodes
// attached to one Medium hear each other's floods instantaneously while
// their own interaction is armed; there is no retroactive delivery.
// Single hop: listeners hear the originator directly, relay transmissions
// are accounted in the diagnostic counters only.
type Medium struct {
	mutex sync.Mutex
	nodes map[uint16]*Node
	now   func() time.Time

	// Loss, when set, drops the delivery from one node to another.
	Loss func(from, to uint16) bool
	// Corrupt, when set, may mutate the bytes delivered to a node.
	Corrupt func(to uint16, buf []byte)
}

func NewMedium() *Medium {
	return NewMediumWithNow(time.Now)
}

// NewMediumWithNow injects the local time source, for tests.
func NewMediumWithNow(now func() time.Time) *Medium {
	return &Medium{
		nodes: make(map[uint16]*Node),
		now:   now,
	}
}

// Attach joins a node to the medium. Attaching the same id twice is a
// primitive initialization failure.
func (m *Medium) Attach(nodeID uint16) (*Node, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if nodeID == UnknownInitiator {
		err := fmt.Errorf("medium: invalid nodeID=%d", nodeID)
		log.Printf("%s", err.Error())
		return nil, err
	}

	_, found := m.nodes[nodeID]
	if found {
		err := fmt.Errorf("medium: nodeID=%d already attached", nodeID)
		log.Printf("%s", err.Error())
		return nil, err
	}

	n := &Node{
		m:  m,
		id: nodeID,
	}
	m.nodes[nodeID] = n
	return n, nil
}

// Node is one radio endpoint on a Medium, implementing Flood.
type Node struct {
	m  *Medium
	id uint16

	active      bool
	originating bool
	buffer      []byte
	bufferLen   int
	nTx         uint8

	refUpdated    bool
	refTime       time.Time
	rxCnt         uint8
	txCnt         uint8
	firstRelayCnt uint8
}

func (n *Node) Start(initiator uint16, buffer []byte, bufferLen int, nTx uint8, mode SyncMode) error {
	n.m.mutex.Lock()
	defer n.m.mutex.Unlock()

	if n.active {
		err := fmt.Errorf("medium: nodeID=%d interaction already active", n.id)
		log.Printf("%s", err.Error())
		return err
	}

	n.active = true
	n.originating = initiator == n.id
	n.buffer = buffer
	n.bufferLen = bufferLen
	n.nTx = nTx

	// per-interaction results; refTime is retained across interactions so
	// callers can consume a stale reference knowingly
	n.refUpdated = false
	n.rxCnt = 0
	n.firstRelayCnt = 0

	if !n.originating {
		return nil
	}

	// originator transmits immediately; the flood start instant is the
	// shared reference distributed to every listener
	ref := n.m.now()
	n.txCnt = nTx
	if mode == WithSync {
		n.refUpdated = true
		n.refTime = ref
	}

	txLen := bufferLen
	if txLen == UnknownPayloadLen || txLen > len(buffer) {
		txLen = len(buffer)
	}

	for _, peer := range n.m.nodes {
		if peer.id == n.id {
			continue
		}
		if !peer.active || peer.originating {
			continue
		}
		if n.m.Loss != nil && n.m.Loss(n.id, peer.id) {
			continue
		}
		peer.deliver(n.buffer[:txLen], mode, ref)
	}

	return nil
}

// caller holds the medium mutex
func (p *Node) deliver(buf []byte, mode SyncMode, ref time.Time) {
	rxLen := len(buf)
	if rxLen > len(p.buffer) {
		rxLen = len(p.buffer)
	}
	copy(p.buffer[:rxLen], buf[:rxLen])

	if p.m.Corrupt != nil {
		p.m.Corrupt(p.id, p.buffer[:rxLen])
	}

	p.rxCnt++
	if p.rxCnt == 1 {
		p.firstRelayCnt = 0
		// first reception triggers the node's own retransmissions
		p.txCnt = p.nTx
		if mode == WithSync {
			p.refUpdated = true
			p.refTime = ref
		}
	}
}

func (n *Node) Stop() {
	n.m.mutex.Lock()
	defer n.m.mutex.Unlock()

	n.active = false
	n.buffer = nil
}

func (n *Node) RefUpdated() bool {
	n.m.mutex.Lock()
	defer n.m.mutex.Unlock()
	return n.refUpdated
}

func (n *Node) RefTime() time.Time {
	n.m.mutex.Lock()
	defer n.m.mutex.Unlock()
	return n.refTime
}

func (n *Node) RxCount() uint8 {
	n.m.mutex.Lock()
	defer n.m.mutex.Unlock()
	return n.rxCnt
}

func (n *Node) TxCount() uint8 {
	n.m.mutex.Lock()
	defer n.m.mutex.Unlock()
	return n.txCnt
}

func (n *Node) FirstRxRelayCount() uint8 {
	n.m.mutex.Lock()
	defer n.m.mutex.Unlock()
	return n.firstRelayCnt
}
