package netpath

import (
	"fmt"
	"net"
	"strconv"

	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/ChristophBellmann/chromecast-receiver/internal/domain"
)

// fallbackPrefix is used when the local address belongs to no interface
// CIDR we can read.
const fallbackPrefix = 24

// Checker resolves the address the device will reach us on and decides
// whether the device shares our network. It satisfies domain.PathChecker.
type Checker struct {
	interfaces func() ([]string, error)
	dial       func(network, address string) (net.Conn, error)
	logger     domain.Logger
}

// NewChecker creates a Checker reading interface addresses from the host.
func NewChecker(logger domain.Logger) *Checker {
	return &Checker{
		interfaces: interfaceCIDRs,
		dial:       net.Dial,
		logger:     logger,
	}
}

// LocalAddr returns the local IP the kernel picks to route to the device.
// A UDP dial sends no packets.
func (c *Checker) LocalAddr(device domain.DeviceDescriptor) (string, error) {
	port := device.Port
	if port == 0 {
		port = 8009
	}
	conn, err := c.dial("udp4", net.JoinHostPort(device.Address, strconv.Itoa(port)))
	if err != nil {
		return "", fmt.Errorf("route to %s: %w", device.Address, err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return "", fmt.Errorf("route to %s: no local address", device.Address)
	}
	return addr.IP.String(), nil
}

// SameNetwork reports whether remote lies in the subnet of the interface
// that owns local. Without interface data it compares /24 prefixes. This is
// an approximation: routed or bridged LANs can be misjudged.
func (c *Checker) SameNetwork(local, remote string) bool {
	l, r := net.ParseIP(local), net.ParseIP(remote)
	if l == nil || r == nil {
		return false
	}

	if cidrs, err := c.interfaces(); err == nil {
		for _, cidr := range cidrs {
			_, network, err := net.ParseCIDR(cidr)
			if err != nil || !network.Contains(l) {
				continue
			}
			same := network.Contains(r)
			c.logger.Debug("path check", "local", local, "remote", remote, "network", network.String(), "same", same)
			return same
		}
	} else {
		c.logger.Debug("interface addresses unavailable", "err", err)
	}
	return SameSubnet(l, r, fallbackPrefix)
}

// SameSubnet compares the first bits of two IPv4 addresses.
func SameSubnet(a, b net.IP, bits int) bool {
	a4, b4 := a.To4(), b.To4()
	if a4 == nil || b4 == nil {
		return false
	}
	mask := net.CIDRMask(bits, 32)
	return a4.Mask(mask).Equal(b4.Mask(mask))
}

func interfaceCIDRs() ([]string, error) {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return nil, err
	}
	var cidrs []string
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			cidrs = append(cidrs, addr.Addr)
		}
	}
	return cidrs, nil
}
