// Package netutil provides small helpers for local address selection.
package netutil

import (
	"errors"
	"net"
	"os"
)

// ErrNoLANAddress indicates no usable non-loopback IPv4 was found.
var ErrNoLANAddress = errors.New("no LAN IPv4 address")

// LocalIPv4 returns the first non-loopback IPv4 address of an
// interface that is up.
func LocalIPv4() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				return ip4.String(), nil
			}
		}
	}
	return "", ErrNoLANAddress
}

// Hostname returns the host name, falling back to "beamlink" when the
// OS cannot report one.
func Hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "beamlink"
	}
	return name
}
