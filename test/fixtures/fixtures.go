// Package fixtures provides packet and capture file generators for tests.
package fixtures

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/Lolpotch/burai/internal/models"
)

// =============================================================================
// Packet Fixtures
// =============================================================================

// Packet describes one TCP segment to serialize.
type Packet struct {
	At      time.Time
	Src     string
	Dst     string
	SrcPort uint16
	DstPort uint16
	Flags   uint8
	Window  uint16
	Payload []byte
}

var (
	clientMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	serverMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// Frame serializes p as an Ethernet frame.
func Frame(p Packet) ([]byte, error) {
	src, dst := net.ParseIP(p.Src), net.ParseIP(p.Dst)
	if src == nil || dst == nil {
		return nil, fmt.Errorf("fixtures: bad address %q -> %q", p.Src, p.Dst)
	}

	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(p.SrcPort),
		DstPort: layers.TCPPort(p.DstPort),
		Seq:     1000,
		Window:  p.Window,
		FIN:     p.Flags&models.FlagFIN != 0,
		SYN:     p.Flags&models.FlagSYN != 0,
		RST:     p.Flags&models.FlagRST != 0,
		PSH:     p.Flags&models.FlagPSH != 0,
		ACK:     p.Flags&models.FlagACK != 0,
		URG:     p.Flags&models.FlagURG != 0,
	}

	eth := &layers.Ethernet{SrcMAC: clientMAC, DstMAC: serverMAC}
	var network gopacket.SerializableLayer
	if src4 := src.To4(); src4 != nil {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: src4, DstIP: dst.To4()}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		network = ip
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolTCP, SrcIP: src, DstIP: dst}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		network = ip
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, network, tcp, gopacket.Payload(p.Payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WritePCAP writes packets to a classic pcap file at path.
func WritePCAP(path string, pkts []Packet) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		return err
	}
	for _, p := range pkts {
		data, err := Frame(p)
		if err != nil {
			return err
		}
		ci := gopacket.CaptureInfo{Timestamp: p.At, CaptureLength: len(data), Length: len(data)}
		if err := w.WritePacket(ci, data); err != nil {
			return err
		}
	}
	return f.Sync()
}

// =============================================================================
// Traffic Scenarios
// =============================================================================

// BruteForce returns n forward SYN-bearing segments from attacker to the SSH
// port of server, evenly spread over span.
func BruteForce(attacker, server string, n int, start time.Time, span time.Duration) []Packet {
	pkts := make([]Packet, 0, n)
	step := time.Duration(0)
	if n > 1 {
		step = span / time.Duration(n-1)
	}
	for i := 0; i < n; i++ {
		pkts = append(pkts, Packet{
			At:      start.Add(time.Duration(i) * step),
			Src:     attacker,
			Dst:     server,
			SrcPort: uint16(40000 + i%1000),
			DstPort: 22,
			Flags:   models.FlagSYN,
			Window:  64240,
		})
	}
	return pkts
}

// Session returns a short bidirectional SSH exchange.
func Session(client, server string, start time.Time) []Packet {
	at := func(ms int) time.Time { return start.Add(time.Duration(ms) * time.Millisecond) }
	return []Packet{
		{At: at(0), Src: client, Dst: server, SrcPort: 51000, DstPort: 22, Flags: models.FlagSYN, Window: 64240},
		{At: at(1), Src: server, Dst: client, SrcPort: 22, DstPort: 51000, Flags: models.FlagSYN | models.FlagACK, Window: 65160},
		{At: at(2), Src: client, Dst: server, SrcPort: 51000, DstPort: 22, Flags: models.FlagACK, Window: 502},
		{At: at(10), Src: client, Dst: server, SrcPort: 51000, DstPort: 22, Flags: models.FlagPSH | models.FlagACK, Window: 502, Payload: []byte("SSH-2.0-OpenSSH_9.6\r\n")},
		{At: at(15), Src: server, Dst: client, SrcPort: 22, DstPort: 51000, Flags: models.FlagPSH | models.FlagACK, Window: 509, Payload: []byte("SSH-2.0-OpenSSH_9.3p1 Debian\r\n")},
	}
}

// Noise returns traffic that does not touch the SSH port.
func Noise(a, b string, start time.Time) []Packet {
	return []Packet{
		{At: start, Src: a, Dst: b, SrcPort: 53000, DstPort: 443, Flags: models.FlagSYN, Window: 64240},
		{At: start.Add(time.Millisecond), Src: b, Dst: a, SrcPort: 443, DstPort: 53000, Flags: models.FlagSYN | models.FlagACK, Window: 65160},
	}
}

// =============================================================================
// Observation Fixtures
// =============================================================================

// Obs builds a packet observation at offset seconds after base.
func Obs(base time.Time, offset float64, dir models.Direction, length int) models.PacketObservation {
	return models.PacketObservation{
		Timestamp:    base.Add(time.Duration(offset * float64(time.Second))),
		Length:       length,
		Direction:    dir,
		HeaderLength: 20,
	}
}
