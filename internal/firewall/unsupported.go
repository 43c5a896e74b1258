//go:build !linux

package firewall

import (
	"errors"

	"github.com/Lolpotch/burai/internal/logging"
)

var errLinuxOnly = errors.New("firewall: backend requires linux")

// NewBlackhole is only available on linux.
func NewBlackhole() (Gateway, error) {
	return nil, errLinuxOnly
}

// NewBPFMap is only available on linux.
func NewBPFMap(Config, *logging.Logger) (Gateway, error) {
	return nil, errLinuxOnly
}
