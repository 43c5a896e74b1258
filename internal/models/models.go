// Package models defines the core data structures shared by the burai
// worker and detector.
package models

import (
	"fmt"
	"net/netip"
	"time"
)

// Direction tells whether a packet travels client to server or back.
type Direction uint8

const (
	// Forward is client to server.
	Forward Direction = iota
	// Backward is server to client.
	Backward
)

func (d Direction) String() string {
	if d == Forward {
		return "fwd"
	}
	return "bwd"
}

// TCP flag bits as they appear on the wire.
const (
	FlagFIN uint8 = 0x01
	FlagSYN uint8 = 0x02
	FlagRST uint8 = 0x04
	FlagPSH uint8 = 0x08
	FlagACK uint8 = 0x10
	FlagURG uint8 = 0x20
)

// PacketObservation is the decoded metadata of one TCP packet belonging to
// the monitored service. It lives only while one capture file is parsed.
type PacketObservation struct {
	Timestamp     time.Time
	Length        int // captured frame length in bytes
	Direction     Direction
	TCPFlags      uint8
	Window        uint16
	HeaderLength  int // TCP header length in bytes
	PayloadLength int
}

// Seconds returns the timestamp as fractional epoch seconds.
func (p PacketObservation) Seconds() float64 {
	return float64(p.Timestamp.UnixNano()) / 1e9
}

// HasFlag reports whether the given flag bit is set.
func (p PacketObservation) HasFlag(flag uint8) bool {
	return p.TCPFlags&flag != 0
}

// FlowKey identifies a directional flow. Forward always means Client to
// Server; ServerPort is the monitored service port.
type FlowKey struct {
	Client     netip.Addr
	Server     netip.Addr
	ServerPort uint16
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s->%s:%d", k.Client, k.Server, k.ServerPort)
}

// BanEntry is a live block on one address.
type BanEntry struct {
	ID          string
	IP          netip.Addr
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Probability float64
	Reason      string
}

// Expired reports whether the entry is due for removal at now.
func (b *BanEntry) Expired(now time.Time) bool {
	return !now.Before(b.ExpiresAt)
}

// Label is the classifier outcome for one observation.
type Label string

const (
	LabelMalicious Label = "SSH-Patator"
	LabelBenign    Label = "BENIGN"
)

// Verdict is one scored observation.
type Verdict struct {
	IP          netip.Addr
	Probability float64
	Label       Label
	// Method is "proba" when the probability came from the classifier and
	// "label" when it was derived from a hard prediction.
	Method    string
	ScoredAt  time.Time
	FeatureAt time.Time
}

// Malicious reports whether the verdict calls for mitigation.
func (v Verdict) Malicious() bool {
	return v.Label == LabelMalicious
}
