//go:build linux

// Package ebpf manages the pinned blocklist map and the optional XDP drop
// program that consumes it.
package ebpf

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
)

// BlocklistMapName is the map name an XDP program must declare to share
// the blocklist.
const BlocklistMapName = "burai_blocklist"

// MaxBlocklistEntries bounds the blocklist map.
const MaxBlocklistEntries = 65536

// Blocklist is a pinned BPF hash map from 16-byte addresses (IPv4 mapped
// into IPv6) to the unix time of the ban.
type Blocklist struct {
	m    *ebpf.Map
	path string
}

// BlocklistSpec describes the map layout.
func BlocklistSpec() *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       BlocklistMapName,
		Type:       ebpf.Hash,
		KeySize:    16,
		ValueSize:  8,
		MaxEntries: MaxBlocklistEntries,
	}
}

// OpenBlocklist opens the map pinned at path, creating and pinning it when
// it does not exist yet.
func OpenBlocklist(path string) (*Blocklist, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("failed to remove memlock limit: %w", err)
	}

	m, err := ebpf.LoadPinnedMap(path, nil)
	if err == nil {
		return &Blocklist{m: m, path: path}, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load pinned map %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create pin directory: %w", err)
	}
	m, err = ebpf.NewMap(BlocklistSpec())
	if err != nil {
		return nil, fmt.Errorf("failed to create blocklist map: %w", err)
	}
	if err := m.Pin(path); err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to pin blocklist map: %w", err)
	}
	return &Blocklist{m: m, path: path}, nil
}

func blocklistKey(ip netip.Addr) [16]byte {
	return ip.Unmap().As16()
}

// Add blocks ip. Re-adding an address refreshes its timestamp.
func (b *Blocklist) Add(ip netip.Addr, at time.Time) error {
	key := blocklistKey(ip)
	value := uint64(at.Unix())
	if err := b.m.Put(key, value); err != nil {
		return fmt.Errorf("failed to add %s to blocklist: %w", ip, err)
	}
	return nil
}

// Remove unblocks ip. Removing an absent address is not an error.
func (b *Blocklist) Remove(ip netip.Addr) error {
	key := blocklistKey(ip)
	if err := b.m.Delete(key); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("failed to remove %s from blocklist: %w", ip, err)
	}
	return nil
}

// Contains reports whether ip is blocked.
func (b *Blocklist) Contains(ip netip.Addr) (bool, error) {
	key := blocklistKey(ip)
	var value uint64
	err := b.m.Lookup(key, &value)
	if errors.Is(err, ebpf.ErrKeyNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Entries returns every blocked address with its ban time.
func (b *Blocklist) Entries() (map[netip.Addr]time.Time, error) {
	out := make(map[netip.Addr]time.Time)
	var (
		key   [16]byte
		value uint64
	)
	iter := b.m.Iterate()
	for iter.Next(&key, &value) {
		out[netip.AddrFrom16(key).Unmap()] = time.Unix(int64(value), 0)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate blocklist: %w", err)
	}
	return out, nil
}

// Map returns the underlying map for program loading.
func (b *Blocklist) Map() *ebpf.Map {
	return b.m
}

// Path returns the pin path.
func (b *Blocklist) Path() string {
	return b.path
}

// Close releases the map file descriptor. The pin stays in place.
func (b *Blocklist) Close() error {
	return b.m.Close()
}
