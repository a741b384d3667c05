package frame

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Handshake is the addressing record exchanged before any data flows. The
// driver proposes {LocalIP, RemoteIP, MTU} from its own point of view; the
// agent acknowledges with the pair swapped so each side can verify they
// agreed on the same link.
type Handshake struct {
	LocalIP  net.IP
	RemoteIP net.IP
	MTU      int
}

// Marshal renders the record as the raw handshake payload.
func (h Handshake) Marshal() []byte {
	return []byte(fmt.Sprintf("%s %s %d", h.LocalIP, h.RemoteIP, h.MTU))
}

// Swapped returns the record as seen from the other peer.
func (h Handshake) Swapped() Handshake {
	return Handshake{LocalIP: h.RemoteIP, RemoteIP: h.LocalIP, MTU: h.MTU}
}

// ParseHandshake parses and validates a raw handshake payload.
func ParseHandshake(payload []byte) (Handshake, error) {
	parts := strings.Fields(string(payload))
	if len(parts) != 3 {
		return Handshake{}, fmt.Errorf("frame: handshake record needs 3 fields, got %d", len(parts))
	}

	local := net.ParseIP(parts[0])
	remote := net.ParseIP(parts[1])
	if local == nil || local.To4() == nil {
		return Handshake{}, fmt.Errorf("frame: bad handshake local address %q", parts[0])
	}
	if remote == nil || remote.To4() == nil {
		return Handshake{}, fmt.Errorf("frame: bad handshake remote address %q", parts[1])
	}
	if local.Equal(remote) {
		return Handshake{}, fmt.Errorf("frame: handshake addresses must differ, both %s", local)
	}

	mtu, err := strconv.Atoi(parts[2])
	if err != nil || mtu < 576 || mtu > MaxPayload {
		return Handshake{}, fmt.Errorf("frame: bad handshake mtu %q", parts[2])
	}

	return Handshake{LocalIP: local, RemoteIP: remote, MTU: mtu}, nil
}
