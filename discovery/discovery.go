// Package discovery advertises relays on the local network over mDNS and finds
// them again from peers.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/grandcat/zeroconf"
)

const (
	Service = "_collabdraw._tcp"
	Domain  = "local."
)

// ErrNotFound is returned by Browse when no relay answered in time.
var ErrNotFound = errors.New("no relay found")

// Advertise registers a relay listening on port. Call the returned function
// to withdraw it.
func Advertise(port int) (shutdown func(), err error) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("collabdraw-%s", host),
		Service,
		Domain,
		port,
		[]string{"txtv=1", "path=/ws"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	return server.Shutdown, nil
}

// Browse waits for the first advertised relay and returns its websocket base
// URL, e.g. ws://192.168.1.4:8081.
func Browse(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("init mdns resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return "", fmt.Errorf("browse mdns: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return "", ErrNotFound
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if base, ok := BaseURL(entry); ok {
				return base, nil
			}
		}
	}
}

// BaseURL builds the websocket base of an mDNS entry, preferring IPv4.
func BaseURL(entry *zeroconf.ServiceEntry) (string, bool) {
	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return "", false
	}
	return "ws://" + net.JoinHostPort(ip.String(), fmt.Sprint(entry.Port)), true
}
