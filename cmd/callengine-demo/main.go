// Command callengine-demo drives two Controller instances against each
// other over internal/testnet.FakeSocket, printing the handshake and
// periodic stats for each side. It exists to exercise the Controller
// facade end to end without a real UDP path or a codec.
//
// Grounded on core/main.go's config-then-wire-then-run shape and its
// sigChan/errChan graceful-shutdown select loop.
package main

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	callengine "github.com/grvoip/callengine"
	"github.com/grvoip/callengine/internal/endpoint"
	"github.com/grvoip/callengine/internal/handshake"
	"github.com/grvoip/callengine/internal/testnet"
	"github.com/grvoip/callengine/internal/wire"
	"github.com/sirupsen/logrus"
)

func main() {
	latency := pflag.Float64("latency", 0.05, "simulated one-way network latency in seconds")
	lossRate := pflag.Float64("loss", 0, "simulated packet drop probability (0-1)")
	duration := pflag.Duration("duration", 10*time.Second, "how long to run the demo call before hanging up")
	pflag.Parse()

	log := logrus.WithField("component", "callengine-demo")
	log.Infof("callengine demo: latency=%.3fs loss=%.2f duration=%s", *latency, *lossRate, *duration)

	addrA := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 41001}
	addrB := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 41002}
	socks := testnet.NewNetwork(addrA, addrB)
	socks[0].SetLatency(func() float64 { return *latency })
	socks[1].SetLatency(func() float64 { return *latency })
	if *lossRate > 0 {
		socks[0].SetDrop(func() bool { return rand.Float64() < *lossRate })
		socks[1].SetDrop(func() bool { return rand.Float64() < *lossRate })
	}

	key := make([]byte, 256)
	for i := range key {
		key[i] = byte(i)
	}

	caller := callengine.NewController(true, []byte{wire.CodecOpus})
	callee := callengine.NewController(false, []byte{wire.CodecOpus})
	must(caller.SetEncryptionKey(key))
	must(callee.SetEncryptionKey(key))

	caller.SetRemoteEndpoints([]*endpoint.Endpoint{endpoint.NewP2P(addrB, wire.EPTypeP2PInet)}, true)
	callee.SetRemoteEndpoints([]*endpoint.Endpoint{endpoint.NewP2P(addrA, wire.EPTypeP2PInet)}, true)

	caller.SetStateCallback(func(state handshake.State, err error) {
		log.WithField("side", "caller").Infof("state -> %s (err=%v)", state, err)
	})
	callee.SetStateCallback(func(state handshake.State, err error) {
		log.WithField("side", "callee").Infof("state -> %s (err=%v)", state, err)
	})

	caller.Start(socks[0])
	callee.Start(socks[1])
	caller.Connect()
	callee.Connect()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	statsTicker := time.NewTicker(time.Second)
	defer statsTicker.Stop()
	deadline := time.After(*duration)

loop:
	for {
		select {
		case <-deadline:
			log.Info("demo duration elapsed, hanging up")
			break loop
		case sig := <-sigChan:
			log.Warnf("received signal: %v, hanging up early", sig)
			break loop
		case <-statsTicker.C:
			printStats(log, "caller", caller)
			printStats(log, "callee", callee)
		}
	}

	caller.Stop()
	callee.Stop()
	socks[0].Close()
	socks[1].Close()
	log.Info("demo stopped")
}

func printStats(log *logrus.Entry, side string, c *callengine.Controller) {
	s := c.GetStats()
	log.WithField("side", side).Infof(
		"sent=%d recvd=%d bitrate=%d rtt=%.3f",
		s.PacketsSent, s.PacketsReceived, s.Bitrate, s.AverageRTT,
	)
}

func must(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
