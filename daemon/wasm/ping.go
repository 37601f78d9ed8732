package wasm

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const (
	// maxPingProbes caps the probe count a module may request.
	maxPingProbes = 50
	// pingProbeTimeout bounds each individual probe.
	pingProbeTimeout = 2 * time.Second
)

// PingStats summarizes one batch of echo probes.
type PingStats struct {
	MeanMs    float32
	StdevMs   float32
	LossRatio float32
}

// Pinger sends ICMP echo probes to an IPv4 address.
type Pinger interface {
	Ping(ctx context.Context, addr [4]byte, count int) (PingStats, error)
}

// ICMPPinger probes over an unprivileged ICMP datagram socket.
type ICMPPinger struct{}

func (ICMPPinger) Ping(ctx context.Context, addr [4]byte, count int) (PingStats, error) {
	if count < 1 {
		count = 1
	}
	if count > maxPingProbes {
		count = maxPingProbes
	}

	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return PingStats{}, errors.Wrap(err, "opening icmp socket")
	}
	defer conn.Close()

	dst := &net.UDPAddr{IP: net.IPv4(addr[0], addr[1], addr[2], addr[3])}
	id := os.Getpid() & 0xffff

	var rtts []float64
	lost := 0
	buf := make([]byte, 1500)
	for seq := 0; seq < count; seq++ {
		if err := ctx.Err(); err != nil {
			return PingStats{}, err
		}
		msg := icmp.Message{
			Type: ipv4.ICMPTypeEcho,
			Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte("wasmiot-supervisor")},
		}
		wire, err := msg.Marshal(nil)
		if err != nil {
			return PingStats{}, errors.Wrap(err, "marshalling echo request")
		}

		start := time.Now()
		if _, err := conn.WriteTo(wire, dst); err != nil {
			lost++
			continue
		}
		conn.SetReadDeadline(start.Add(pingProbeTimeout))
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			lost++
			continue
		}
		reply, err := icmp.ParseMessage(ipv4.ICMPTypeEchoReply.Protocol(), buf[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			lost++
			continue
		}
		rtts = append(rtts, float64(time.Since(start)) / float64(time.Millisecond))
	}

	out := PingStats{LossRatio: float32(lost) / float32(count)}
	if len(rtts) > 0 {
		if mean, err := stats.Mean(rtts); err == nil {
			out.MeanMs = float32(mean)
		}
		if stdev, err := stats.StandardDeviation(rtts); err == nil {
			out.StdevMs = float32(stdev)
		}
	}
	return out, nil
}
