// Package notify delivers operator notifications (Telegram, generic
// webhooks) off the controller goroutine.
package notify

import (
	"context"
	"net/netip"
	"time"
)

// Message is one notification.
type Message struct {
	Kind string
	Text string
	At   time.Time
	IP   netip.Addr
	// Country is filled by the dispatcher when GeoIP is configured.
	Country string
	// Photo is an optional image path; backends that cannot send images
	// send Text only.
	Photo string
}

// Notifier delivers messages to one destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}
