package config

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
)

// AssignPair picks a random adjacent address pair from the tunnel CIDR:
// the local endpoint gets an even host offset, the remote the next address.
// Random assignment keeps concurrent tunnels from different operators out
// of each other's way without coordination.
func AssignPair(cidr string) (local, remote net.IP, err error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid tunnel CIDR %q: %w", cidr, err)
	}
	base := ipnet.IP.To4()
	if base == nil {
		return nil, nil, fmt.Errorf("tunnel CIDR %q is not IPv4", cidr)
	}
	ones, bits := ipnet.Mask.Size()
	hostBits := bits - ones
	if hostBits < 2 {
		return nil, nil, fmt.Errorf("tunnel CIDR %q too narrow, need /30 or wider", cidr)
	}

	// Host offsets 0/1 (network) and the top two (broadcast side) are
	// avoided; the offset is forced even so local/remote stay adjacent.
	span := uint32(1)<<uint(hostBits) - 4
	var offset uint32
	if span < 2 {
		// A /30 leaves exactly one usable pair.
		offset = 1
	} else {
		offset = (uint32(rand.Int63n(int64(span))) + 2) &^ 1
	}

	baseVal := binary.BigEndian.Uint32(base)
	local = make(net.IP, 4)
	remote = make(net.IP, 4)
	binary.BigEndian.PutUint32(local, baseVal+offset)
	binary.BigEndian.PutUint32(remote, baseVal+offset+1)
	return local, remote, nil
}

// EndpointPair resolves the configured explicit pair or assigns one from
// the CIDR.
func (t TunnelConfig) EndpointPair() (local, remote net.IP, err error) {
	if t.LocalIP != "" || t.RemoteIP != "" {
		local = net.ParseIP(t.LocalIP)
		remote = net.ParseIP(t.RemoteIP)
		if local == nil || remote == nil || local.Equal(remote) {
			return nil, nil, fmt.Errorf("invalid explicit endpoint pair %q/%q", t.LocalIP, t.RemoteIP)
		}
		return local, remote, nil
	}
	return AssignPair(t.CIDR)
}
