package udpard

import "net"

// DefaultPort is the UDP port every Cyphal/UDP endpoint uses.
const DefaultPort = 9382

// SubjectEndpoint returns the multicast group carrying subject.
func SubjectEndpoint(subject uint16) *net.UDPAddr {
	subject &= SubjectIDMax
	return &net.UDPAddr{
		IP:   net.IPv4(239, 0, byte(subject>>8), byte(subject)),
		Port: DefaultPort,
	}
}

// ServiceEndpoint returns the multicast group on which node destination
// receives service transfers.
func ServiceEndpoint(destination uint16) *net.UDPAddr {
	return &net.UDPAddr{
		IP:   net.IPv4(239, 1, byte(destination>>8), byte(destination)),
		Port: DefaultPort,
	}
}

// IsSubjectGroup reports whether ip is inside the subject multicast range.
func IsSubjectGroup(ip net.IP) bool {
	v4 := ip.To4()
	return v4 != nil && v4[0] == 239 && v4[1] == 0 && v4[2] <= SubjectIDMax>>8
}
