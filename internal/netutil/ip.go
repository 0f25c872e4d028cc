// Package netutil provides network utility functions for fetchd.
package netutil

import (
	"net"
)

// GetBestLocalIP tries to find the best local IP address.
// It first attempts to determine the outbound IP by making a UDP connection
// to a public DNS server (8.8.8.8). If that fails, it falls back to
// enumerating network interfaces to find a non-loopback IPv4 address.
//
// Returns "127.0.0.1" if no suitable IP address is found.
func GetBestLocalIP() string {
	// The dial never sends a packet; it only resolves the outbound route.
	if conn, err := net.Dial("udp", "8.8.8.8:80"); err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			return addr.IP.String()
		}
	}

	interfaces, _ := net.Interfaces()
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				if ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
					return ipnet.IP.String()
				}
			}
		}
	}

	return "127.0.0.1"
}
