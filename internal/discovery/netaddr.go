package discovery

import "net"

// OutboundIPv4 is the local address the kernel would use to reach the LAN.
// Dialing UDP sends nothing; it only selects a route.
func OutboundIPv4() string {
	conn, err := net.Dial("udp4", "192.0.2.1:9")
	if err != nil {
		return firstPrivateIPv4()
	}
	defer conn.Close()
	if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok && ua.IP.To4() != nil {
		return ua.IP.String()
	}
	return firstPrivateIPv4()
}

func firstPrivateIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipn.IP.To4(); v4 != nil && v4.IsPrivate() {
			return v4.String()
		}
	}
	return ""
}
