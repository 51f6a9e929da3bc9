package main

import (
	"bufio"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"net"
	"os"
	"strings"
	"time"

	"github.com/Bldg-7/airsentry/internal/protocol"
	"github.com/Bldg-7/airsentry/internal/shared"
)

// sensorsim emulates a gas/environment sensor against a running sentryd.
// It speaks either protocol generation and jitters its baseline readings
// so thresholds can be exercised end to end.

var (
	addr     = flag.String("addr", "localhost:9000", "sentryd ingest address")
	sid      = flag.String("sid", "sim-01", "sensor id")
	proto    = flag.String("proto", "2.0", "protocol version: 1.0 or 2.0")
	password = flag.String("password", "", "sensor password")
	secret   = flag.String("secret", "", "HMAC secret for signing (2.0 only)")
	interval = flag.Duration("interval", 5*time.Second, "update interval")
	count    = flag.Int("count", 0, "number of updates to send (0 = forever)")
	firmware = flag.String("firmware", "2.1.0", "reported firmware version")
	spike    = flag.Float64("spike", 0, "co2 spike value injected every 10th update")
)

var baseline = map[string]float64{
	"co2":         420,
	"o2":          20.9,
	"temperature": 22.5,
	"humidity":    45,
}

func main() {
	flag.Parse()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer conn.Close()
	fmt.Printf("connected to %s as %s (proto %s)\n", *addr, *sid, *proto)

	reader := bufio.NewReader(conn)
	v2 := *proto == protocol.VersionBidirectional
	if v2 {
		go printReplies(reader)
		send(conn, &protocol.Message{
			Type:            protocol.TypeHello,
			ID:              *sid,
			MsgID:           shared.NewID(),
			Timestamp:       shared.UnixNow(),
			ProtocolVersion: protocol.VersionBidirectional,
			Password:        *password,
			DeviceType:      "sensorsim",
			FirmwareVersion: *firmware,
			Capabilities:    kinds(),
		})
	}

	var seq uint64
	for i := 0; *count == 0 || i < *count; i++ {
		values := sample()
		if *spike > 0 && i > 0 && i%10 == 0 {
			values["co2"] = *spike
		}

		data := make(map[string]any, len(values))
		for k, v := range values {
			data[k] = v
		}

		msg := &protocol.Message{
			Type:      protocol.TypeSensorUpdate,
			ID:        *sid,
			Timestamp: shared.UnixNow(),
			Password:  *password,
			Data:      data,
		}
		if v2 {
			seq++
			msg.MsgID = shared.NewID()
			msg.ProtocolVersion = protocol.VersionBidirectional
			msg.Sequence = seq
		}
		send(conn, msg)
		fmt.Printf("sent %s\n", describe(values))

		time.Sleep(*interval)
	}
}

func kinds() []string {
	out := make([]string, 0, len(baseline))
	for k := range baseline {
		out = append(out, k)
	}
	return out
}

// sample jitters each baseline by up to 2%.
func sample() map[string]float64 {
	out := make(map[string]float64, len(baseline))
	for k, v := range baseline {
		jitter := 1 + (rand.Float64()-0.5)*0.04
		out[k] = math.Round(v*jitter*100) / 100
	}
	return out
}

func describe(values map[string]float64) string {
	parts := make([]string, 0, len(values))
	for k, v := range values {
		parts = append(parts, fmt.Sprintf("%s=%g", k, v))
	}
	return strings.Join(parts, " ")
}

func send(conn net.Conn, msg *protocol.Message) {
	frame, err := protocol.Encode(msg, *secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		os.Exit(1)
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(frame); err != nil {
		fmt.Fprintf(os.Stderr, "write: %v\n", err)
		os.Exit(1)
	}
}

func printReplies(reader *bufio.Reader) {
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			fmt.Fprintf(os.Stderr, "server closed: %v\n", err)
			os.Exit(1)
		}
		reply, err := protocol.Decode(line)
		if err != nil {
			continue
		}
		switch reply.Type {
		case protocol.TypeSensorAck:
			if len(reply.Alerts) > 0 {
				fmt.Printf("ack %s with alerts: %+v\n", reply.RefMsgID, reply.Alerts)
			}
		case protocol.TypeHelloAck:
			fmt.Printf("registered, session=%s config=%s\n", reply.SessionID, reply.ConfigVersion)
		case protocol.TypeConfigPush:
			fmt.Printf("config push: version=%s\n", reply.ConfigVersion)
		case protocol.TypeError:
			fmt.Printf("server error: %s %s\n", reply.Code, reply.Text)
		}
	}
}
