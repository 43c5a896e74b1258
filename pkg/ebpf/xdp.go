//go:build linux

package ebpf

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/vishvananda/netlink"
)

// DropCountMapName is the optional per-CPU array the drop program counts
// dropped packets in.
const DropCountMapName = "drop_count"

// XDPProgram is an operator-supplied XDP drop program attached to one
// interface and sharing the blocklist map.
type XDPProgram struct {
	coll    *ebpf.Collection
	link    link.Link
	ifIndex int
}

// XDPStats is read from the program's drop_count map.
type XDPStats struct {
	PacketsDropped uint64
}

// AttachDropProgram loads program progName from the ELF object at objPath,
// points its blocklist map at bl and attaches it to ifaceName.
func AttachDropProgram(ifaceName, objPath, progName string, bl *Blocklist) (*XDPProgram, error) {
	iface, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("ebpf: link %s: %w", ifaceName, err)
	}

	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("ebpf: parse %s: %w", objPath, err)
	}
	if _, ok := spec.Programs[progName]; !ok {
		return nil, fmt.Errorf("ebpf: program %q not found in %s", progName, objPath)
	}
	if _, ok := spec.Maps[BlocklistMapName]; !ok {
		return nil, fmt.Errorf("ebpf: map %q not declared in %s", BlocklistMapName, objPath)
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{
		MapReplacements: map[string]*ebpf.Map{BlocklistMapName: bl.Map()},
	})
	if err != nil {
		return nil, fmt.Errorf("ebpf: load %s: %w", objPath, err)
	}

	xdpLink, err := link.AttachXDP(link.XDPOptions{
		Program:   coll.Programs[progName],
		Interface: iface.Attrs().Index,
		Flags:     link.XDPGenericMode,
	})
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("ebpf: attach %s to %s: %w", progName, ifaceName, err)
	}

	return &XDPProgram{
		coll:    coll,
		link:    xdpLink,
		ifIndex: iface.Attrs().Index,
	}, nil
}

// Close detaches the program. The shared blocklist map stays open.
func (p *XDPProgram) Close() error {
	var err error
	if p.link != nil {
		if cerr := p.link.Close(); cerr != nil {
			err = fmt.Errorf("ebpf: detach: %w", cerr)
		}
	}
	if p.coll != nil {
		p.coll.Close()
	}
	return err
}

// Stats sums the per-CPU drop counters, when the program has them.
func (p *XDPProgram) Stats() (*XDPStats, error) {
	if p.coll == nil {
		return nil, errors.New("ebpf: program closed")
	}
	m, ok := p.coll.Maps[DropCountMapName]
	if !ok {
		return nil, fmt.Errorf("ebpf: program has no %s map", DropCountMapName)
	}

	var perCPU []uint64
	if err := m.Lookup(uint32(0), &perCPU); err != nil {
		return nil, fmt.Errorf("ebpf: read %s: %w", DropCountMapName, err)
	}
	st := &XDPStats{}
	for _, n := range perCPU {
		st.PacketsDropped += n
	}
	return st, nil
}

// InterfaceIndex returns the attached interface's index.
func (p *XDPProgram) InterfaceIndex() int {
	return p.ifIndex
}
