//go:build cgo

package capture

import (
	"fmt"

	"github.com/gopacket/gopacket/pcap"
)

// openLibpcap opens path through libpcap and installs a kernel-style BPF
// filter for the service port so non-matching packets are never copied.
func (r *Reader) openLibpcap(path string) (packetSource, func(), error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrParse, path, err)
	}

	filter := fmt.Sprintf("tcp port %d", r.config.ServicePort)
	if err := handle.SetBPFFilter(filter); err != nil {
		handle.Close()
		return nil, nil, fmt.Errorf("capture: failed to set BPF filter: %w", err)
	}

	return handle, handle.Close, nil
}

// LibpcapAvailable reports whether the libpcap backend was compiled in.
func LibpcapAvailable() bool { return true }
