package cast

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	"github.com/ChristophBellmann/chromecast-receiver/internal/domain"
)

const (
	castService = "_googlecast._tcp"
	castDomain  = "local."
	defaultPort = 8009
)

// BrowseFunc lists the devices that answer before ctx is done.
type BrowseFunc func(ctx context.Context) ([]domain.DeviceDescriptor, error)

// Browse queries mDNS for cast devices until ctx expires.
func Browse(ctx context.Context) ([]domain.DeviceDescriptor, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, castService, castDomain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	var devices []domain.DeviceDescriptor
	seen := make(map[string]bool)
	// The resolver closes entries once ctx is done.
	for e := range entries {
		d, ok := descriptorFromEntry(e)
		if !ok || seen[d.Address] {
			continue
		}
		seen[d.Address] = true
		devices = append(devices, d)
	}
	return devices, nil
}

func descriptorFromEntry(e *zeroconf.ServiceEntry) (domain.DeviceDescriptor, bool) {
	if e == nil || len(e.AddrIPv4) == 0 {
		return domain.DeviceDescriptor{}, false
	}
	d := domain.DeviceDescriptor{
		Address: e.AddrIPv4[0].String(),
		Port:    e.Port,
		Name:    e.Instance,
	}
	if d.Port == 0 {
		d.Port = defaultPort
	}
	for _, txt := range e.Text {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch key {
		case "fn":
			d.Name = value
		case "md":
			d.Model = value
		}
	}
	return d, true
}

// selectDevice applies a selector to discovered devices. An address match
// wins; a name selector matches case-insensitive substrings; an empty
// selector takes the first device.
func selectDevice(devices []domain.DeviceDescriptor, sel domain.DeviceSelector) (domain.DeviceDescriptor, error) {
	switch {
	case sel.Address != "":
		host, port := splitAddress(sel.Address)
		for _, d := range devices {
			if d.Address == host {
				return d, nil
			}
		}
		return domain.DeviceDescriptor{Address: host, Port: port, Name: host}, nil
	case sel.Name != "":
		want := strings.ToLower(sel.Name)
		for _, d := range devices {
			if strings.Contains(strings.ToLower(d.Name), want) {
				return d, nil
			}
		}
	default:
		if len(devices) > 0 {
			return devices[0], nil
		}
	}
	return domain.DeviceDescriptor{}, fmt.Errorf("%w: %s among %d discovered", domain.ErrDeviceNotFound, sel, len(devices))
}

// splitAddress accepts "host" or "host:port".
func splitAddress(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		port = defaultPort
	}
	return host, port
}
