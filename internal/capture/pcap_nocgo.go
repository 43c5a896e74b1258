//go:build !cgo

package capture

import "errors"

func (r *Reader) openLibpcap(path string) (packetSource, func(), error) {
	return nil, nil, errors.New("capture: libpcap backend requires a cgo build")
}

// LibpcapAvailable reports whether the libpcap backend was compiled in.
func LibpcapAvailable() bool { return false }
