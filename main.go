package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Meander-Cloud/go-epoch/arbiter"
	"github.com/Meander-Cloud/go-epoch/config"
	"github.com/Meander-Cloud/go-epoch/epoch"
	"github.com/Meander-Cloud/go-epoch/net/tcp"
)

type UserCallback struct {
	LogPrefix string
}

func (uc *UserCallback) SyncAcquired(acquired *epoch.SyncAcquired) {
	log.Printf(
		"%s: SyncAcquired: attempts=%d, time=%s",
		uc.LogPrefix,
		acquired.Attempts,
		acquired.Time.Format(time.RFC3339),
	)
}

func (uc *UserCallback) PayloadAccepted(accepted *epoch.PayloadAccepted) {
	log.Printf(
		"%s: PayloadAccepted: seq=%d, n_rx=%d, time=%s",
		uc.LogPrefix,
		accepted.SeqNo,
		accepted.RxCount,
		accepted.Time.Format(time.RFC3339),
	)
}

func (uc *UserCallback) PayloadCorrupted(corrupted *epoch.PayloadCorrupted) {
	log.Printf(
		"%s: PayloadCorrupted: time=%s",
		uc.LogPrefix,
		corrupted.Time.Format(time.RFC3339),
	)
}

func test1() {
	if len(os.Args) <= 1 {
		log.Printf("test1: must specify instance 1/2/3")
		return
	}

	instance := os.Args[1]
	c := &config.Config{
		Host:               "",
		Instance:           instance,
		EventChannelLength: 256,

		SelfAddress:          "",
		PeerAddressList:      nil,
		TcpKeepAliveInterval: 17,
		TcpKeepAliveCount:    2,
		TcpDialTimeout:       3,
		TcpReconnectInterval: 5,
		TcpReconnectWindow:   17,

		NodeID:      0,
		InitiatorID: 1,

		EpochPeriod:   250,
		SlotDuration:  20,
		GuardInterval: 1,

		FloodRetransmissions: 2,
		PayloadDataLen:       109,

		IntegrityToken: []byte{0x00, 0x00, 0x04, 0x02},

		InitiatorStartDelay: 10,
		ReceiverStartDelay:  2,

		LogPrefix: "test1",
		LogDebug:  false,
	}

	switch instance {
	case "1":
		c.Host = "A"
		c.NodeID = 1
		c.SelfAddress = "localhost:8921"
		c.PeerAddressList = []string{
			"localhost:8922",
			"localhost:8923",
		}
	case "2":
		c.Host = "B"
		c.NodeID = 2
		c.SelfAddress = "localhost:8922"
		c.PeerAddressList = []string{
			"localhost:8921",
			"localhost:8923",
		}
	case "3":
		c.Host = "C"
		c.NodeID = 3
		c.SelfAddress = "localhost:8923"
		c.PeerAddressList = []string{
			"localhost:8921",
			"localhost:8922",
		}
	default:
		log.Printf("test1: must specify instance 1/2/3")
		return
	}

	a := arbiter.NewArbiter(c)

	mesh, err := tcp.NewMesh(c, a)
	if err != nil {
		// no sensible degraded mode exists without the flood primitive
		a.Shutdown()
		panic(err)
	}

	e, err := epoch.NewEpoch(
		c,
		a,
		mesh.Flood(),
		&UserCallback{
			LogPrefix: "test1",
		},
	)
	if err != nil {
		mesh.Shutdown()
		a.Shutdown()
		panic(err)
	}

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigch // wait
	log.Printf("test1: received signal %s, exiting", sig.String())

	e.Shutdown()
	mesh.Shutdown()
	a.Shutdown()
}

func main() {
	// enable microsecond and file line logging
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	test1()
}
