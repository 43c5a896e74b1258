// Package capture reads packet capture files and turns the packets of the
// monitored TCP service into flow-keyed observations.
package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/Lolpotch/burai/internal/models"
)

var (
	// ErrIO reports a capture file that could not be opened or read.
	ErrIO = errors.New("capture: io failure")
	// ErrParse reports a malformed or truncated capture file.
	ErrParse = errors.New("capture: parse failure")
)

// Backend selects the capture file decoder.
type Backend string

const (
	// BackendPCAPGo decodes pcap and pcapng in pure Go.
	BackendPCAPGo Backend = "pcapgo"
	// BackendLibpcap decodes through libpcap (cgo builds only).
	BackendLibpcap Backend = "libpcap"
)

const pcapngMagic = 0x0A0D0D0A

// Config holds the reader configuration.
type Config struct {
	// Backend selects the decoder. Defaults to BackendPCAPGo.
	Backend Backend

	// ServicePort is the monitored TCP port; packets on other ports are
	// dropped before they reach the handler.
	ServicePort uint16
}

// DefaultConfig returns a Config for SSH on port 22.
func DefaultConfig() *Config {
	return &Config{
		Backend:     BackendPCAPGo,
		ServicePort: 22,
	}
}

// Handler receives every matching packet in capture order.
type Handler func(key models.FlowKey, obs models.PacketObservation)

// Stats holds per-file reading statistics.
type Stats struct {
	PacketsRead uint64
	BytesRead   uint64
	Matched     uint64
	ParseErrors uint64
	StartTime   time.Time
	EndTime     time.Time
}

// packetSource is implemented by pcapgo readers and libpcap handles.
type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Reader decodes capture files. A Reader is not safe for concurrent use;
// the decoding layers are reused across packets.
type Reader struct {
	config *Config

	eth  layers.Ethernet
	sll  layers.LinuxSLL
	vlan layers.Dot1Q
	ip4  layers.IPv4
	ip6  layers.IPv6
	tcp  layers.TCP

	ethParser *gopacket.DecodingLayerParser
	sllParser *gopacket.DecodingLayerParser
	ip4Parser *gopacket.DecodingLayerParser
	ip6Parser *gopacket.DecodingLayerParser
	decoded   []gopacket.LayerType
}

// NewReader creates a capture file reader.
func NewReader(cfg *Config) (*Reader, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ServicePort == 0 {
		return nil, errors.New("capture: service port is required")
	}
	switch cfg.Backend {
	case "":
		cfg.Backend = BackendPCAPGo
	case BackendPCAPGo, BackendLibpcap:
	default:
		return nil, fmt.Errorf("capture: unknown backend %q", cfg.Backend)
	}

	r := &Reader{config: cfg}
	decoders := []gopacket.DecodingLayer{&r.eth, &r.sll, &r.vlan, &r.ip4, &r.ip6, &r.tcp}
	r.ethParser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, decoders...)
	r.sllParser = gopacket.NewDecodingLayerParser(layers.LayerTypeLinuxSLL, decoders...)
	r.ip4Parser = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, decoders...)
	r.ip6Parser = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv6, decoders...)
	for _, p := range []*gopacket.DecodingLayerParser{r.ethParser, r.sllParser, r.ip4Parser, r.ip6Parser} {
		p.IgnoreUnsupported = true
	}
	r.decoded = make([]gopacket.LayerType, 0, 8)

	return r, nil
}

// ReadFile decodes path and calls fn for every packet to or from the
// service port. An error wrapping ErrIO or ErrParse means the file could
// not be read completely; observations already delivered must be discarded
// by the caller.
func (r *Reader) ReadFile(ctx context.Context, path string, fn Handler) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}
	defer func() { stats.EndTime = time.Now() }()

	src, closeFn, err := r.open(path)
	if err != nil {
		return stats, err
	}
	defer closeFn()

	parser, err := r.parserFor(src.LinkType())
	if err != nil {
		return stats, err
	}

	for {
		if stats.PacketsRead%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
		}

		data, ci, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("%w: %s: %v", ErrParse, path, err)
		}

		stats.PacketsRead++
		stats.BytesRead += uint64(len(data))

		key, obs, ok := r.decode(parser, data, ci, stats)
		if !ok {
			continue
		}
		stats.Matched++
		fn(key, obs)
	}
}

// open picks a decoder for path.
func (r *Reader) open(path string) (packetSource, func(), error) {
	if r.config.Backend == BackendLibpcap {
		return r.openLibpcap(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	closeFn := func() { f.Close() }

	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("%w: %s: reading magic: %v", ErrParse, path, err)
	}

	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("%w: %s: %v", ErrParse, path, err)
		}
		return ng, closeFn, nil
	}

	pr, err := pcapgo.NewReader(br)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrParse, path, err)
	}
	return pr, closeFn, nil
}

func (r *Reader) parserFor(lt layers.LinkType) (*gopacket.DecodingLayerParser, error) {
	switch lt {
	case layers.LinkTypeEthernet:
		return r.ethParser, nil
	case layers.LinkTypeLinuxSLL:
		return r.sllParser, nil
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		// Raw IP: the version nibble decides per packet.
		return nil, nil
	case layers.LinkTypeIPv6:
		return r.ip6Parser, nil
	}
	return nil, fmt.Errorf("%w: unsupported link type %s", ErrParse, lt)
}

// decode extracts the flow key and observation of one packet.
func (r *Reader) decode(parser *gopacket.DecodingLayerParser, data []byte, ci gopacket.CaptureInfo, stats *Stats) (models.FlowKey, models.PacketObservation, bool) {
	if parser == nil {
		if len(data) == 0 {
			return models.FlowKey{}, models.PacketObservation{}, false
		}
		if data[0]>>4 == 6 {
			parser = r.ip6Parser
		} else {
			parser = r.ip4Parser
		}
	}

	if err := parser.DecodeLayers(data, &r.decoded); err != nil {
		stats.ParseErrors++
	}

	var (
		src, dst        netip.Addr
		haveIP, haveTCP bool
	)
	ipPayload := -1
	for _, lt := range r.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			src, dst = addrFrom(r.ip4.SrcIP), addrFrom(r.ip4.DstIP)
			ipPayload = int(r.ip4.Length) - int(r.ip4.IHL)*4
			haveIP = true
		case layers.LayerTypeIPv6:
			src, dst = addrFrom(r.ip6.SrcIP), addrFrom(r.ip6.DstIP)
			ipPayload = int(r.ip6.Length)
			haveIP = true
		case layers.LayerTypeTCP:
			haveTCP = true
		}
	}
	if !haveIP || !haveTCP || !src.IsValid() || !dst.IsValid() {
		return models.FlowKey{}, models.PacketObservation{}, false
	}

	sport, dport := uint16(r.tcp.SrcPort), uint16(r.tcp.DstPort)
	port := r.config.ServicePort
	if sport != port && dport != port {
		return models.FlowKey{}, models.PacketObservation{}, false
	}

	hdrLen := int(r.tcp.DataOffset) * 4
	payload := ipPayload - hdrLen
	if ipPayload <= 0 || payload < 0 {
		payload = len(r.tcp.Payload)
	}

	length := ci.Length
	if length == 0 {
		length = len(data)
	}

	obs := models.PacketObservation{
		Timestamp:     ci.Timestamp,
		Length:        length,
		TCPFlags:      tcpFlags(&r.tcp),
		Window:        r.tcp.Window,
		HeaderLength:  hdrLen,
		PayloadLength: payload,
	}

	var key models.FlowKey
	if dport == port {
		key = models.FlowKey{Client: src, Server: dst, ServerPort: dport}
		obs.Direction = models.Forward
	} else {
		key = models.FlowKey{Client: dst, Server: src, ServerPort: sport}
		obs.Direction = models.Backward
	}
	return key, obs, true
}

func addrFrom(ip net.IP) netip.Addr {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}

// tcpFlags builds the TCP flags byte.
func tcpFlags(tcp *layers.TCP) uint8 {
	var flags uint8
	if tcp.FIN {
		flags |= models.FlagFIN
	}
	if tcp.SYN {
		flags |= models.FlagSYN
	}
	if tcp.RST {
		flags |= models.FlagRST
	}
	if tcp.PSH {
		flags |= models.FlagPSH
	}
	if tcp.ACK {
		flags |= models.FlagACK
	}
	if tcp.URG {
		flags |= models.FlagURG
	}
	return flags
}
