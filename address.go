package torrent

import (
	"fmt"
	"strconv"
	"strings"
)

// Addr identifies a remote endpoint by its IPv4 address and port. All
// ordering used by the Peer Registry (§4.1) and the Reconnect Controller
// (§4.5) is on the 32-bit integer form of the address alone: two Addrs with
// the same IP but different ports key identically, matching the "address
// comparison ignores port" rule in §4.1 so the same remote endpoint can
// never hold two atoms.
type Addr struct {
	IP   [4]byte
	Port uint16
}

// Key returns the address in its 32-bit integer form, network byte order,
// used as the sort/lookup key for atoms, peers, and handshakes.
func (a Addr) Key() uint32 {
	return uint32(a.IP[0])<<24 | uint32(a.IP[1])<<16 | uint32(a.IP[2])<<8 | uint32(a.IP[3])
}

func (a Addr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", a.IP[0], a.IP[1], a.IP[2], a.IP[3], a.Port)
}

// ParseIPv4Address builds an Addr from a "host:port" string. Per the Open
// Question decision recorded in SPEC_FULL.md (carrying forward
// tr_netResolve's limitation), only numeric dotted-quad hosts are accepted;
// DNS resolution belongs to the out-of-scope I/O layer.
func ParseIPv4Address(hostport string) (Addr, error) {
	host, portStr, err := splitHostPort(hostport)
	if err != nil {
		return Addr{}, err
	}
	octets := strings.Split(host, ".")
	if len(octets) != 4 {
		return Addr{}, fmt.Errorf("address %q: not a dotted-quad IPv4 address", hostport)
	}
	var ip [4]byte
	for i, o := range octets {
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 || n > 255 {
			return Addr{}, fmt.Errorf("address %q: invalid octet %q", hostport, o)
		}
		ip[i] = byte(n)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Addr{}, fmt.Errorf("address %q: invalid port", hostport)
	}
	return Addr{IP: ip, Port: uint16(port)}, nil
}

func splitHostPort(hostport string) (host, port string, err error) {
	i := strings.LastIndexByte(hostport, ':')
	if i < 0 {
		return "", "", fmt.Errorf("address %q: missing port", hostport)
	}
	return hostport[:i], hostport[i+1:], nil
}
