package tcp

import (
	"fmt"
	"log"
	"time"

	"github.com/Meander-Cloud/go-transport/tcp"

	"github.com/Meander-Cloud/go-epoch/arbiter"
	"github.com/Meander-Cloud/go-epoch/config"
	m "github.com/Meander-Cloud/go-epoch/message"
	tp "github.com/Meander-Cloud/go-epoch/net/tcp/protocol"
)

type ServerStruct struct {
	protocol  *tp.Server
	tcpServer *tcp.TcpServer
}

type ClientStruct struct {
	protocol  *tp.Client
	tcpClient *tcp.TcpClient
}

// Mesh connects a node to every peer: one listening server for the peers'
// dialed connections, one client per peer address. Floods are distributed
// over the inbound connections and received on the dialed ones.
type Mesh struct {
	c      *config.Config
	a      *arbiter.Arbiter
	server *ServerStruct

	clientMap map[string]*ClientStruct

	// owned by arbiter goroutine: ready inbound connections by peer id
	peerMap map[string]*tp.ConnState

	fl *Flood
}

func NewMesh(c *config.Config, a *arbiter.Arbiter) (*Mesh, error) {
	err := c.ValidateMesh()
	if err != nil {
		return nil, err
	}

	if a == nil {
		err := fmt.Errorf("%s: nil arbiter", c.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	var tcpKeepAliveInterval time.Duration
	if c.TcpKeepAliveInterval == 0 {
		tcpKeepAliveInterval = config.TcpKeepAliveInterval
	} else {
		tcpKeepAliveInterval = time.Second * time.Duration(c.TcpKeepAliveInterval)
	}

	var tcpKeepAliveCount uint16
	if c.TcpKeepAliveCount == 0 {
		tcpKeepAliveCount = config.TcpKeepAliveCount
	} else {
		tcpKeepAliveCount = c.TcpKeepAliveCount
	}

	var tcpDialTimeout time.Duration
	if c.TcpDialTimeout == 0 {
		tcpDialTimeout = config.TcpDialTimeout
	} else {
		tcpDialTimeout = time.Second * time.Duration(c.TcpDialTimeout)
	}

	var tcpReconnectInterval time.Duration
	if c.TcpReconnectInterval == 0 {
		tcpReconnectInterval = config.TcpReconnectInterval
	} else {
		tcpReconnectInterval = time.Second * time.Duration(c.TcpReconnectInterval)
	}

	var tcpReconnectWindow time.Duration
	if c.TcpReconnectWindow == 0 {
		tcpReconnectWindow = config.TcpReconnectWindow
	} else {
		tcpReconnectWindow = time.Second * time.Duration(c.TcpReconnectWindow)
	}

	selfParticipant := &m.Participant{
		Host:     c.Host,
		Instance: c.Instance,
		NodeID:   c.NodeID,
		Time:     time.Now().UTC().UnixMilli(),
	}
	selfID := fmt.Sprintf(
		"%s-%s-%d",
		selfParticipant.Host,
		selfParticipant.Instance,
		selfParticipant.Time,
	)

	mesh := &Mesh{
		c: c,
		a: a,
		server: &ServerStruct{
			protocol:  nil,
			tcpServer: nil,
		},
		clientMap: make(map[string]*ClientStruct),
		peerMap:   make(map[string]*tp.ConnState),
	}
	mesh.fl = newFlood(mesh)

	h := &handler{
		mesh: mesh,
	}

	defer func() {
		if err != nil {
			mesh.Shutdown() // wait
		}
	}()

	mesh.server.protocol, err = tp.NewServer(
		&tp.ServerOptions{
			Options: &tcp.Options{
				Address:           c.SelfAddress,
				KeepAliveInterval: tcpKeepAliveInterval,
				KeepAliveCount:    tcpKeepAliveCount,
				DialTimeout:       tcpDialTimeout,
				ReconnectInterval: tcpReconnectInterval,
				ReconnectLogEvery: config.TcpReconnectLogEvery,
				Protocol:          nil,
				LogPrefix:         "Server",
				LogDebug:          c.LogDebug,
			},
			Arbiter:       a,
			ServerHandler: h,
			Txid:          tp.ServerSenderID,
			RxidMap: map[byte]struct{}{
				tp.ClientSenderID: {},
			},
			ReconnectWindow: tcpReconnectWindow,
			SelfParticipant: selfParticipant,
			SelfID:          selfID,
		},
	)
	if err != nil {
		return nil, err
	}
	mesh.server.protocol.Options().Protocol = mesh.server.protocol

	mesh.server.tcpServer, err = tcp.NewTcpServer(mesh.server.protocol.Options().Options)
	if err != nil {
		return nil, err
	}

	for index, address := range c.PeerAddressList {
		_, found := mesh.clientMap[address]
		if found {
			err = fmt.Errorf("%s: duplicate address=%s, invalid PeerAddressList=%+v", c.LogPrefix, address, c.PeerAddressList)
			log.Printf("%s", err.Error())
			return nil, err
		}

		client := &ClientStruct{
			protocol:  nil,
			tcpClient: nil,
		}

		client.protocol, err = tp.NewClient(
			&tp.ClientOptions{
				Options: &tcp.Options{
					Address:           address,
					KeepAliveInterval: tcpKeepAliveInterval,
					KeepAliveCount:    tcpKeepAliveCount,
					DialTimeout:       tcpDialTimeout,
					ReconnectInterval: tcpReconnectInterval,
					ReconnectLogEvery: config.TcpReconnectLogEvery,
					Protocol:          nil,
					LogPrefix:         fmt.Sprintf("Client-%d", index+1),
					LogDebug:          c.LogDebug,
				},
				Arbiter:       a,
				ClientHandler: h,
				Txid:          tp.ClientSenderID,
				RxidMap: map[byte]struct{}{
					tp.ServerSenderID: {},
				},
				SelfParticipant: selfParticipant,
				SelfID:          selfID,
			},
		)
		if err != nil {
			return nil, err
		}
		client.protocol.Options().Protocol = client.protocol

		client.tcpClient, err = tcp.NewTcpClient(client.protocol.Options().Options)
		if err != nil {
			return nil, err
		}

		mesh.clientMap[address] = client
	}

	return mesh, nil
}

func (mesh *Mesh) Shutdown() {
	if mesh.server != nil &&
		mesh.server.tcpServer != nil {
		mesh.server.tcpServer.Shutdown() // wait
	}

	for _, client := range mesh.clientMap {
		if client.tcpClient != nil {
			client.tcpClient.Shutdown() // wait
		}
	}

	<-time.After(time.Second)
}

func (mesh *Mesh) Server() *tp.Server {
	return mesh.server.protocol
}

// Flood is the flood primitive backed by this mesh.
func (mesh *Mesh) Flood() *Flood {
	return mesh.fl
}

// invoked on arbiter goroutine
func (mesh *Mesh) broadcast(fd *m.FloodData) {
	server := mesh.server.protocol
	for _, connState := range mesh.peerMap {
		server.WriteSync(
			connState,
			&m.Message{
				Txseq:  server.GetNextTxseq(),
				Txtime: time.Now().UTC().UnixMilli(),

				FloodData: fd,
			},
		)
	}
}

type handler struct {
	mesh *Mesh
}

// invoked on arbiter goroutine
func (h *handler) ParticipantInit(_ *tp.Server, connState *tp.ConnState, _ *m.ParticipantInit) {
	mesh := h.mesh
	cvd := connState.Data.Load()

	cached, found := mesh.peerMap[cvd.PeerID]
	if found {
		log.Printf(
			"%s: %s: overriding existing peer %s",
			mesh.c.LogPrefix,
			cvd.Descriptor,
			cached.Data.Load().Descriptor,
		)
	}
	mesh.peerMap[cvd.PeerID] = connState

	log.Printf(
		"%s: %s: peer joined",
		mesh.c.LogPrefix,
		cvd.Descriptor,
	)
}

// invoked on arbiter goroutine
func (h *handler) ParticipantExit(_ *tp.Server, connState *tp.ConnState, _ *m.ParticipantExit) {
	mesh := h.mesh
	cvd := connState.Data.Load()

	_, found := mesh.peerMap[cvd.PeerID]
	if !found {
		log.Printf(
			"%s: %s: peer not found",
			mesh.c.LogPrefix,
			cvd.Descriptor,
		)
		return
	}
	delete(mesh.peerMap, cvd.PeerID)

	log.Printf(
		"%s: %s: peer exited",
		mesh.c.LogPrefix,
		cvd.Descriptor,
	)
}

// invoked on arbiter goroutine
func (h *handler) FloodData(_ *tp.Client, _ *tp.ConnState, fd *m.FloodData) {
	h.mesh.fl.deliver(fd)
}
